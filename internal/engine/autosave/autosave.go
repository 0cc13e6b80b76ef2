// Package autosave periodically writes in-progress answers through to the store,
// skipping writes that would not change anything.
package autosave

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/engine/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Source supplies the session state to save.
type Source interface {
	// Snapshot returns the current answers and counters.
	Snapshot() model.AutosaveSnapshot
	// AnsweredAt returns when the in-memory answer was last written.
	AnsweredAt(section model.SectionType, questionID string) (time.Time, bool)
	// Envelope wraps a snapshot into the payload sent to the store.
	Envelope(snap model.AutosaveSnapshot, sessionEnd bool) model.ProgressPayload
}

// DraftCache returns code-editor buffers keyed by question id.
type DraftCache interface {
	Drafts(ctx context.Context, attemptID uuid.UUID) (map[string]model.CodeDraft, error)
}

// Writer persists a progress payload.
type Writer interface {
	SaveProgress(ctx context.Context, p model.ProgressPayload) error
}

// Config holds the save cadence.
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
}

// Outcome describes what a tick did.
type Outcome string

const (
	OutcomeSaved            Outcome = "saved"
	OutcomeFailed           Outcome = "failed"
	OutcomeSkippedEmpty     Outcome = "skipped_empty"
	OutcomeSkippedUnchanged Outcome = "skipped_unchanged"
	OutcomeSkippedBusy      Outcome = "skipped_busy"
)

// Reconciler owns the autosave ticker for one attempt.
type Reconciler struct {
	attemptID uuid.UUID
	src       Source
	drafts    DraftCache
	w         Writer
	clk       clockwork.Clock
	cfg       Config
	log       zerolog.Logger
	runner    *clock.Runner

	mu       sync.Mutex
	ctx      context.Context
	initial  clockwork.Timer
	baseline []byte

	inFlight atomic.Bool
	writes   atomic.Int64
}

// New creates a stopped reconciler. drafts may be nil.
func New(attemptID uuid.UUID, src Source, drafts DraftCache, w Writer, clk clockwork.Clock, cfg Config, log zerolog.Logger) *Reconciler {
	r := &Reconciler{
		attemptID: attemptID,
		src:       src,
		drafts:    drafts,
		w:         w,
		clk:       clk,
		cfg:       cfg,
		log:       log.With().Str("component", "autosave").Logger(),
	}
	r.runner = clock.NewRunner(clk, cfg.Interval, r.scheduledTick)
	r.runner.OnPanic = func(v any) {
		r.log.Error().Interface("panic", v).Msg("Autosave tick panicked, ticker stopped")
	}
	return r
}

// Start schedules the initial delayed save and the interval. It does nothing
// if already started. ctx bounds every write issued by the ticker.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return
	}
	r.ctx = ctx
	r.initial = r.clk.AfterFunc(r.cfg.InitialDelay, r.scheduledTick)
	r.runner.Start()
}

// Stop halts all ticking. A write already in flight is allowed to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil {
		return
	}
	r.ctx = nil
	if r.initial != nil {
		r.initial.Stop()
		r.initial = nil
	}
	r.runner.Stop()
}

// Running reports whether the reconciler is started.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx != nil
}

// Writes returns the number of successful writes.
func (r *Reconciler) Writes() int64 { return r.writes.Load() }

// Trigger runs one tick now without waiting for it.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}
	go r.Tick(ctx)
}

func (r *Reconciler) scheduledTick() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}
	r.Tick(ctx)
}

// Tick builds a snapshot and writes it when it differs from the last persisted
// one. Failures are logged and left for the next tick.
func (r *Reconciler) Tick(ctx context.Context) Outcome {
	if !r.inFlight.CompareAndSwap(false, true) {
		return OutcomeSkippedBusy
	}
	defer r.inFlight.Store(false)

	snap := r.Snapshot(ctx)
	if snap.Empty() {
		return OutcomeSkippedEmpty
	}

	key, err := snap.Key()
	if err != nil {
		r.log.Debug().Err(err).Msg("Failed to serialize autosave snapshot")
		return OutcomeFailed
	}

	r.mu.Lock()
	unchanged := bytes.Equal(key, r.baseline)
	r.mu.Unlock()
	if unchanged {
		return OutcomeSkippedUnchanged
	}

	if err := r.w.SaveProgress(ctx, r.src.Envelope(snap, false)); err != nil {
		r.log.Debug().Err(err).Msg("Autosave failed, retrying next tick")
		return OutcomeFailed
	}

	r.mu.Lock()
	r.baseline = key
	r.mu.Unlock()
	r.writes.Add(1)

	r.log.Debug().Int("answers", snap.Responses.Count()).Msg("Progress autosaved")
	return OutcomeSaved
}

// SaveFinal writes the session-end snapshot regardless of the baseline.
func (r *Reconciler) SaveFinal(ctx context.Context) error {
	snap := r.Snapshot(ctx)
	if err := r.w.SaveProgress(ctx, r.src.Envelope(snap, true)); err != nil {
		return err
	}
	r.writes.Add(1)
	return nil
}

// Snapshot returns the source snapshot with newer code drafts merged in.
func (r *Reconciler) Snapshot(ctx context.Context) model.AutosaveSnapshot {
	snap := r.src.Snapshot()
	if r.drafts == nil {
		return snap
	}

	drafts, err := r.drafts.Drafts(ctx, r.attemptID)
	if err != nil {
		r.log.Debug().Err(err).Msg("Failed to read code drafts")
		return snap
	}
	if len(drafts) == 0 {
		return snap
	}

	if snap.Responses == nil {
		snap.Responses = make(model.Responses)
	}
	coding := snap.Responses[model.SectionTypeCoding]
	for qid, d := range drafts {
		if len(d.Value) == 0 {
			continue
		}
		if at, ok := r.src.AnsweredAt(model.SectionTypeCoding, qid); ok && !d.UpdatedAt.After(at) {
			continue
		}
		if coding == nil {
			coding = make(map[string]json.RawMessage)
			snap.Responses[model.SectionTypeCoding] = coding
		}
		coding[qid] = d.Value
	}
	return snap
}
