package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/stemsi/exstem-proctor/internal/service")

// Attempt lifecycle errors.
var (
	ErrAlreadySubmitted = errors.New("attempt is already submitted")
	ErrNoActiveSession  = errors.New("no attempt for this assessment")
)

type attemptRepo interface {
	GetByAssessmentAndStudent(ctx context.Context, assessmentID uuid.UUID, studentID int) (*model.Attempt, error)
	Create(ctx context.Context, a *model.Attempt) error
	LatestSnapshot(ctx context.Context, attemptID uuid.UUID) (*model.ProgressPayload, error)
	ListByAssessment(ctx context.Context, assessmentID uuid.UUID, status *model.AttemptStatus, page, perPage int) ([]repository.AttemptSummary, int64, error)
}

// AttemptService keeps attempt hot state in Redis and queues durable writes
// for the persistence workers.
type AttemptService struct {
	repo attemptRepo
	rdb  *redis.Client
	clk  clockwork.Clock
	log  zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(repo attemptRepo, rdb *redis.Client, clk clockwork.Clock, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		repo: repo,
		rdb:  rdb,
		clk:  clk,
		log:  log.With().Str("component", "attempt_service").Logger(),
	}
}

// BeginAttempt returns the student's in-progress attempt, creating it on first start.
// The start time is cached in Redis so resumes never reset the countdown.
func (s *AttemptService) BeginAttempt(ctx context.Context, a *model.Assessment, studentID int) (*model.Attempt, error) {
	existing, err := s.repo.GetByAssessmentAndStudent(ctx, a.ID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}

	if existing != nil {
		if err := s.ensureOpen(ctx, existing); err != nil {
			return nil, err
		}
		existing.StartedAt, err = s.startTime(ctx, existing)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	attempt := &model.Attempt{
		AssessmentID: a.ID,
		StudentID:    studentID,
		Status:       model.AttemptInProgress,
	}
	if err := s.repo.Create(ctx, attempt); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("create attempt: %w", err)
		}
		// Concurrent start from another tab.
		attempt, err = s.repo.GetByAssessmentAndStudent(ctx, a.ID, studentID)
		if err != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", err)
		}
		if err := s.ensureOpen(ctx, attempt); err != nil {
			return nil, err
		}
	}

	startKey := config.CacheKey.AttemptStartKey(attempt.ID.String())
	if err := s.rdb.Set(ctx, startKey, attempt.StartedAt.Unix(), 0).Err(); err != nil {
		// StartedAt falls back to PostgreSQL on the next read.
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to cache start time")
	}

	s.publish(ctx, a.Slug, model.MonitorEvent{
		Type:      model.MonitorStarted,
		AttemptID: attempt.ID,
		StudentID: studentID,
		At:        attempt.StartedAt,
	})
	return attempt, nil
}

func (s *AttemptService) ensureOpen(ctx context.Context, a *model.Attempt) error {
	if a.Status == model.AttemptSubmitted {
		return ErrAlreadySubmitted
	}
	// The submission worker may not have flushed yet.
	n, err := s.rdb.Exists(ctx, config.CacheKey.AttemptSubmittedKey(a.ID.String())).Result()
	if err != nil {
		return fmt.Errorf("check submitted flag: %w", err)
	}
	if n > 0 {
		return ErrAlreadySubmitted
	}
	return nil
}

// startTime reads the cached start time, healing the cache from the row on a miss.
func (s *AttemptService) startTime(ctx context.Context, a *model.Attempt) (time.Time, error) {
	startKey := config.CacheKey.AttemptStartKey(a.ID.String())

	val, err := s.rdb.Get(ctx, startKey).Result()
	if errors.Is(err, redis.Nil) {
		_ = s.rdb.Set(ctx, startKey, a.StartedAt.Unix(), 0)
		return a.StartedAt, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis error getting start time: %w", err)
	}

	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start time format in cache: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// LoadProgress returns the last saved progress payload, or nil if none exists yet.
func (s *AttemptService) LoadProgress(ctx context.Context, attemptID uuid.UUID) (*model.ProgressPayload, error) {
	key := config.CacheKey.AttemptSnapshotKey(attemptID.String())

	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		p := &model.ProgressPayload{}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode cached snapshot: %w", err)
		}
		return p, nil
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	p, err := s.repo.LatestSnapshot(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	if data, err := json.Marshal(p); err == nil {
		_ = s.rdb.Set(ctx, key, data, 0)
	}
	return p, nil
}

// SaveProgress stores the autosave payload and queues it for PostgreSQL.
func (s *AttemptService) SaveProgress(ctx context.Context, p model.ProgressPayload) error {
	ctx, span := s.startSpan(ctx, "attempt.save_progress", p)
	defer span.End()

	if p.SavedAt.IsZero() {
		p.SavedAt = s.clk.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, config.CacheKey.AttemptSnapshotKey(p.AttemptID.String()), data, 0)
		pipe.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, data)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// Submit records the terminal payload. The attempt is closed for new sessions
// as soon as this returns; the submission worker flips the row.
func (s *AttemptService) Submit(ctx context.Context, p model.ProgressPayload) error {
	ctx, span := s.startSpan(ctx, "attempt.submit", p)
	defer span.End()

	now := s.clk.Now()
	if p.SavedAt.IsZero() {
		p.SavedAt = now
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	id := p.AttemptID.String()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, config.CacheKey.AttemptSnapshotKey(id), data, 0)
		pipe.Set(ctx, config.CacheKey.AttemptSubmittedKey(id), now.Unix(), 0)
		pipe.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, data)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("submit: %w", err)
	}

	meta := p.Metadata.Transcript.Metadata.Proctoring
	s.publish(ctx, p.Slug, model.MonitorEvent{
		Type:      model.MonitorSubmitted,
		AttemptID: p.AttemptID,
		StudentID: p.StudentID,
		Metadata:  &meta,
		Reason:    p.Reason,
		At:        now,
	})
	return nil
}

// RecordViolation queues a violation for PostgreSQL and relays it to the monitor.
func (s *AttemptService) RecordViolation(ctx context.Context, r model.ViolationReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data).Err(); err != nil {
		return fmt.Errorf("queue violation: %w", err)
	}

	meta := r.Metadata
	s.publish(ctx, r.Slug, model.MonitorEvent{
		Type:      model.MonitorViolation,
		AttemptID: r.AttemptID,
		StudentID: r.StudentID,
		Category:  r.Event.Category,
		Metadata:  &meta,
		At:        r.Event.Timestamp,
	})
	return nil
}

// SaveDraft buffers a code-editor draft for the question.
func (s *AttemptService) SaveDraft(ctx context.Context, attemptID uuid.UUID, questionID string, value json.RawMessage) error {
	data, err := json.Marshal(model.CodeDraft{Value: value, UpdatedAt: s.clk.Now()})
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, config.CacheKey.AttemptDraftsKey(attemptID.String()), questionID, data).Err()
}

// Drafts returns the buffered code-editor drafts keyed by question id.
func (s *AttemptService) Drafts(ctx context.Context, attemptID uuid.UUID) (map[string]model.CodeDraft, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptDraftsKey(attemptID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get drafts: %w", err)
	}

	out := make(map[string]model.CodeDraft, len(raw))
	for qid, v := range raw {
		var d model.CodeDraft
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			s.log.Warn().Err(err).Str("question_id", qid).Msg("Skipping malformed draft")
			continue
		}
		out[qid] = d
	}
	return out, nil
}

// AttemptState is what a reloading page needs before the stream reconnects.
type AttemptState struct {
	AttemptID        uuid.UUID                `json:"attempt_id"`
	Slug             string                   `json:"slug"`
	StartedAt        time.Time                `json:"started_at"`
	RemainingSeconds int                      `json:"remaining_seconds"`
	Responses        model.Responses          `json:"responses"`
	Metadata         model.ProctoringMetadata `json:"metadata"`
	Submitted        bool                     `json:"submitted"`
}

// GetState returns the persisted state of the student's attempt.
func (s *AttemptService) GetState(ctx context.Context, a *model.Assessment, studentID int) (*AttemptState, error) {
	attempt, err := s.repo.GetByAssessmentAndStudent(ctx, a.ID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	state := &AttemptState{
		AttemptID: attempt.ID,
		Slug:      a.Slug,
		Responses: model.Responses{},
	}
	state.Submitted = errors.Is(s.ensureOpen(ctx, attempt), ErrAlreadySubmitted)

	state.StartedAt, err = s.startTime(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if !state.Submitted {
		elapsed := int(s.clk.Since(state.StartedAt) / time.Second)
		if rem := a.DurationSeconds - elapsed; rem > 0 {
			state.RemainingSeconds = rem
		}
	}

	p, err := s.LoadProgress(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		if p.Responses != nil {
			state.Responses = p.Responses
		}
		state.Metadata = p.Metadata.Transcript.Metadata.Proctoring
	}
	return state, nil
}

// ListAttempts returns a page of attempts of the assessment.
func (s *AttemptService) ListAttempts(ctx context.Context, a *model.Assessment, status *model.AttemptStatus, page, perPage int) ([]repository.AttemptSummary, int64, error) {
	return s.repo.ListByAssessment(ctx, a.ID, status, page, perPage)
}

func (s *AttemptService) publish(ctx context.Context, slug string, ev model.MonitorEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.AssessmentMonitorChannel(slug), data).Err(); err != nil {
		s.log.Debug().Err(err).Str("slug", slug).Msg("Monitor publish failed")
	}
}

func (s *AttemptService) startSpan(ctx context.Context, name string, p model.ProgressPayload) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("attempt_id", p.AttemptID.String()),
		attribute.Bool("session_end", p.SessionEnd),
		attribute.Int("responses", p.Responses.Count()),
	))
}
