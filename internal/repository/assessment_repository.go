package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AssessmentRepository handles assessment data access.
type AssessmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool *pgxpool.Pool) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// GetBySlug retrieves an assessment with its section outline.
// Returns pgx.ErrNoRows when the slug is unknown.
func (r *AssessmentRepository) GetBySlug(ctx context.Context, slug string) (*model.Assessment, error) {
	a := &model.Assessment{}
	var sections []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, slug, title, duration_seconds, max_violations, camera_required, sections, created_at
		 FROM assessments WHERE slug = $1`, slug,
	).Scan(&a.ID, &a.Slug, &a.Title, &a.DurationSeconds, &a.MaxViolations, &a.CameraRequired, &sections, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sections, &a.Sections); err != nil {
		return nil, fmt.Errorf("decode sections of %q: %w", slug, err)
	}
	return a, nil
}

// Upsert creates or replaces an assessment by slug.
func (r *AssessmentRepository) Upsert(ctx context.Context, a *model.Assessment) error {
	sections, err := json.Marshal(a.Sections)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO assessments (slug, title, duration_seconds, max_violations, camera_required, sections)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (slug) DO UPDATE
		 SET title = EXCLUDED.title,
		     duration_seconds = EXCLUDED.duration_seconds,
		     max_violations = EXCLUDED.max_violations,
		     camera_required = EXCLUDED.camera_required,
		     sections = EXCLUDED.sections
		 RETURNING id, created_at`,
		a.Slug, a.Title, a.DurationSeconds, a.MaxViolations, a.CameraRequired, sections,
	).Scan(&a.ID, &a.CreatedAt)
}
