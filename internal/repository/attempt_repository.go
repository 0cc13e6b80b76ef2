package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptSummary is one row of the admin attempt listing.
type AttemptSummary struct {
	AttemptID      uuid.UUID           `json:"attempt_id"`
	StudentID      int                 `json:"student_id"`
	Status         model.AttemptStatus `json:"status"`
	Reason         model.SubmitReason  `json:"reason,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     *time.Time          `json:"finished_at"`
	ViolationCount int64               `json:"violation_count"`
	LastSnapshotAt *time.Time          `json:"last_snapshot_at"`
}

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetByAssessmentAndStudent retrieves the attempt of a student for an assessment.
func (r *AttemptRepository) GetByAssessmentAndStudent(ctx context.Context, assessmentID uuid.UUID, studentID int) (*model.Attempt, error) {
	a := &model.Attempt{}
	var reason *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, assessment_id, student_id, started_at, finished_at, status, reason
		 FROM attempts
		 WHERE assessment_id = $1 AND student_id = $2`, assessmentID, studentID,
	).Scan(&a.ID, &a.AssessmentID, &a.StudentID, &a.StartedAt, &a.FinishedAt, &a.Status, &reason)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		a.Reason = model.SubmitReason(*reason)
	}
	return a, nil
}

// Create inserts a new in-progress attempt. On a concurrent insert for the
// same (assessment, student) it returns pgx.ErrNoRows.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (assessment_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (assessment_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		a.AssessmentID, a.StudentID, model.AttemptInProgress,
	).Scan(&a.ID, &a.StartedAt)
}

// LatestSnapshot returns the last persisted progress payload of an attempt.
func (r *AttemptRepository) LatestSnapshot(ctx context.Context, attemptID uuid.UUID) (*model.ProgressPayload, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT payload FROM attempt_snapshots WHERE attempt_id = $1`, attemptID,
	).Scan(&raw)
	if err != nil {
		return nil, err
	}

	p := &model.ProgressPayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", attemptID, err)
	}
	return p, nil
}

// ListByAssessment retrieves attempts of an assessment with optional status filter and pagination.
func (r *AttemptRepository) ListByAssessment(ctx context.Context, assessmentID uuid.UUID, status *model.AttemptStatus, page, perPage int) ([]AttemptSummary, int64, error) {
	offset := (page - 1) * perPage

	baseQuery := `
		FROM attempts a
		LEFT JOIN attempt_snapshots s ON s.attempt_id = a.id
		WHERE a.assessment_id = $1
	`
	args := []any{assessmentID}

	if status != nil && *status != "" {
		args = append(args, *status)
		baseQuery += fmt.Sprintf(" AND a.status = $%d", len(args))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT
			a.id, a.student_id, a.status, COALESCE(a.reason, ''), a.started_at, a.finished_at,
			(SELECT COUNT(*) FROM proctoring_violations v WHERE v.attempt_id = a.id),
			s.saved_at
		` + baseQuery + `
		ORDER BY a.started_at ASC
		LIMIT $` + fmt.Sprintf("%d", len(args)+1) + ` OFFSET $` + fmt.Sprintf("%d", len(args)+2)
	args = append(args, perPage, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []AttemptSummary
	for rows.Next() {
		var s AttemptSummary
		if err := rows.Scan(&s.AttemptID, &s.StudentID, &s.Status, &s.Reason, &s.StartedAt,
			&s.FinishedAt, &s.ViolationCount, &s.LastSnapshotAt); err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
