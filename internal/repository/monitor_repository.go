package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MonitorRepository provides the aggregate queries behind the live assessment monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// GetInProgressStudentIDs returns all student IDs with an in-progress attempt for the assessment.
func (r *MonitorRepository) GetInProgressStudentIDs(ctx context.Context, assessmentID uuid.UUID) ([]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id FROM attempts WHERE assessment_id = $1 AND status = 'IN_PROGRESS'`,
		assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetViolationCounts returns the number of persisted violations per student for the assessment.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, assessmentID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.student_id, COUNT(v.id)
		 FROM attempts a
		 JOIN proctoring_violations v ON v.attempt_id = a.id
		 WHERE a.assessment_id = $1
		 GROUP BY a.student_id`,
		assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var sid int
		var count int64
		if err := rows.Scan(&sid, &count); err != nil {
			return nil, err
		}
		counts[sid] = count
	}
	return counts, rows.Err()
}

// GetSubmittedCount returns how many attempts of the assessment are submitted.
func (r *MonitorRepository) GetSubmittedCount(ctx context.Context, assessmentID uuid.UUID) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE assessment_id = $1 AND status = 'SUBMITTED'`,
		assessmentID,
	).Scan(&n)
	return n, err
}
