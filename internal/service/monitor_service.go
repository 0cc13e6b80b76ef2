package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// MonitorService orchestrates live assessment monitoring business logic.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// ProgressSnapshot holds who is in progress and how many violations each student has.
type ProgressSnapshot struct {
	InProgress      []int         `json:"in_progress"`
	ViolationCounts map[int]int64 `json:"violation_counts"` // student_id → violations
	TotalViolations int64         `json:"total_violations"`
	Submitted       int64         `json:"submitted"`
}

// GetProgress runs the three aggregate queries concurrently.
func (s *MonitorService) GetProgress(ctx context.Context, assessmentID uuid.UUID) (*ProgressSnapshot, error) {
	snapshot := &ProgressSnapshot{ViolationCounts: make(map[int]int64)}

	var (
		inProgress   []int
		counts       map[int]int64
		submitted    int64
		progressErr  error
		countsErr    error
		submittedErr error
		wg           sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		inProgress, progressErr = s.monitorRepo.GetInProgressStudentIDs(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		counts, countsErr = s.monitorRepo.GetViolationCounts(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		submitted, submittedErr = s.monitorRepo.GetSubmittedCount(ctx, assessmentID)
	}()
	wg.Wait()

	// In-progress ids are critical; the counters are best-effort
	if progressErr != nil {
		return nil, progressErr
	}
	snapshot.InProgress = inProgress

	if countsErr == nil && counts != nil {
		snapshot.ViolationCounts = counts
		for _, n := range counts {
			snapshot.TotalViolations += n
		}
	}
	if submittedErr == nil {
		snapshot.Submitted = submitted
	}
	return snapshot, nil
}
