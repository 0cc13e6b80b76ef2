package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrAssessmentNotFound is returned for an unknown slug.
var ErrAssessmentNotFound = errors.New("assessment not found")

// assessmentPayloadTTL bounds how stale a cached outline may get after an edit.
const assessmentPayloadTTL = 10 * time.Minute

type assessmentRepo interface {
	GetBySlug(ctx context.Context, slug string) (*model.Assessment, error)
	Upsert(ctx context.Context, a *model.Assessment) error
}

// AssessmentService serves assessment outlines, cached in Redis.
type AssessmentService struct {
	repo assessmentRepo
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAssessmentService creates a new AssessmentService.
func NewAssessmentService(repo assessmentRepo, rdb *redis.Client, log zerolog.Logger) *AssessmentService {
	return &AssessmentService{
		repo: repo,
		rdb:  rdb,
		log:  log.With().Str("component", "assessment_service").Logger(),
	}
}

// GetBySlug returns the assessment from the cache, falling back to PostgreSQL.
func (s *AssessmentService) GetBySlug(ctx context.Context, slug string) (*model.Assessment, error) {
	key := config.CacheKey.AssessmentPayloadKey(slug)

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		a := &model.Assessment{}
		if jsonErr := json.Unmarshal(raw, a); jsonErr == nil {
			return a, nil
		}
		s.log.Warn().Str("slug", slug).Msg("Discarding malformed cached assessment")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("slug", slug).Msg("Assessment cache read failed, using database")
	}

	a, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}

	if data, err := json.Marshal(a); err == nil {
		if err := s.rdb.Set(ctx, key, data, assessmentPayloadTTL).Err(); err != nil {
			s.log.Debug().Err(err).Str("slug", slug).Msg("Failed to cache assessment")
		}
	}
	return a, nil
}

// Register creates or replaces an assessment outline and drops its cached copy.
func (s *AssessmentService) Register(ctx context.Context, a *model.Assessment) error {
	if err := s.repo.Upsert(ctx, a); err != nil {
		return fmt.Errorf("upsert assessment: %w", err)
	}
	return s.rdb.Del(ctx, config.CacheKey.AssessmentPayloadKey(a.Slug)).Err()
}
