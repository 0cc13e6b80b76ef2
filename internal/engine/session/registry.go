package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/singleflight"
)

// Store is the Backend plus attempt bookkeeping.
type Store interface {
	Backend
	// BeginAttempt returns the in-progress attempt for the student, creating it
	// on first start.
	BeginAttempt(ctx context.Context, a *model.Assessment, studentID int) (*model.Attempt, error)
	// LoadProgress returns the last persisted progress, or nil.
	LoadProgress(ctx context.Context, attemptID uuid.UUID) (*model.ProgressPayload, error)
}

// Assessments loads assessment outlines.
type Assessments interface {
	GetBySlug(ctx context.Context, slug string) (*model.Assessment, error)
}

type sessionKey struct {
	slug      string
	studentID int
}

func (k sessionKey) String() string { return fmt.Sprintf("%s/%d", k.slug, k.studentID) }

// Registry keeps the live session of each (assessment, student) pair so a
// reconnecting browser resumes the same engine.
type Registry struct {
	ctx         context.Context
	store       Store
	assessments Assessments
	cfg         Config
	clk         clockwork.Clock
	log         zerolog.Logger

	// opening collapses concurrent opens of one key; lookups run unlocked.
	opening singleflight.Group

	mu       sync.Mutex
	sessions map[sessionKey]*Orchestrator
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. Session loops stop when ctx is done.
func NewRegistry(ctx context.Context, store Store, assessments Assessments, cfg Config, clk clockwork.Clock, log zerolog.Logger) *Registry {
	return &Registry{
		ctx:         ctx,
		store:       store,
		assessments: assessments,
		cfg:         cfg,
		clk:         clk,
		log:         log.With().Str("component", "session_registry").Logger(),
		sessions:    make(map[sessionKey]*Orchestrator),
	}
}

// Open returns the live session for the student, or builds one resumed from
// persisted progress. Remaining time is derived from the attempt's start time.
func (r *Registry) Open(ctx context.Context, slug string, studentID int) (*Orchestrator, error) {
	key := sessionKey{slug: slug, studentID: studentID}
	if o, ok := r.lookup(key); ok {
		return o, nil
	}

	v, err, _ := r.opening.Do(key.String(), func() (interface{}, error) {
		if o, ok := r.lookup(key); ok {
			return o, nil
		}
		return r.build(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Orchestrator), nil
}

// build loads the attempt without holding the registry lock, then registers
// and starts the session.
func (r *Registry) build(ctx context.Context, key sessionKey) (*Orchestrator, error) {
	a, err := r.assessments.GetBySlug(ctx, key.slug)
	if err != nil {
		return nil, err
	}
	attempt, err := r.store.BeginAttempt(ctx, a, key.studentID)
	if err != nil {
		return nil, err
	}
	progress, err := r.store.LoadProgress(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	elapsed := int(r.clk.Since(attempt.StartedAt) / time.Second)
	remaining := a.DurationSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}

	o, err := New(r.ctx, Params{
		AttemptID:        attempt.ID,
		StudentID:        key.studentID,
		StartedAt:        attempt.StartedAt,
		RemainingSeconds: remaining,
		Assessment:       a,
	}, r.store, r.cfg, r.clk, r.log)
	if err != nil {
		return nil, err
	}
	o.Restore(progress)
	o.onTerminate = func(*Orchestrator) { r.remove(key, o) }

	r.mu.Lock()
	if live, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		o.shutdown()
		return live, nil
	}
	r.sessions[key] = o
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		o.Run(r.ctx)
		// A loop stopped by shutdown leaves the session resumable elsewhere.
		r.remove(key, o)
	}()

	r.log.Info().
		Str("slug", key.slug).
		Int("student_id", key.studentID).
		Str("attempt_id", attempt.ID.String()).
		Int("remaining_seconds", remaining).
		Bool("resumed", progress != nil).
		Msg("Session opened")
	return o, nil
}

func (r *Registry) lookup(key sessionKey) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.sessions[key]
	return o, ok
}

// Get returns the live session for the student.
func (r *Registry) Get(slug string, studentID int) (*Orchestrator, bool) {
	return r.lookup(sessionKey{slug: slug, studentID: studentID})
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(key sessionKey, o *Orchestrator) {
	r.mu.Lock()
	if r.sessions[key] == o {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}

// Wait blocks until every session loop has exited or ctx is done.
// Loops exit when the registry context is cancelled.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
