package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	answers *model.ResponseMap
	meta    model.ProctoringMetadata
}

func (s *fakeSource) Snapshot() model.AutosaveSnapshot {
	return model.AutosaveSnapshot{Responses: s.answers.Snapshot(), Metadata: s.meta, TotalDurationSeconds: 600}
}

func (s *fakeSource) AnsweredAt(section model.SectionType, qid string) (time.Time, bool) {
	a, ok := s.answers.Get(section, qid)
	return a.UpdatedAt, ok
}

func (s *fakeSource) Envelope(snap model.AutosaveSnapshot, sessionEnd bool) model.ProgressPayload {
	return model.ProgressPayload{Responses: snap.Responses, SessionEnd: sessionEnd}
}

type fakeWriter struct {
	mu       sync.Mutex
	payloads []model.ProgressPayload
	err      error
	block    chan struct{}
}

func (w *fakeWriter) SaveProgress(ctx context.Context, p model.ProgressPayload) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.payloads = append(w.payloads, p)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

func (w *fakeWriter) last() model.ProgressPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payloads[len(w.payloads)-1]
}

type fakeDrafts map[string]model.CodeDraft

func (d fakeDrafts) Drafts(context.Context, uuid.UUID) (map[string]model.CodeDraft, error) {
	return d, nil
}

var cfg = Config{Interval: 30 * time.Second, InitialDelay: 5 * time.Second}

func newReconciler(drafts DraftCache) (*Reconciler, *fakeSource, *fakeWriter, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	src := &fakeSource{answers: model.NewResponseMap()}
	w := &fakeWriter{}
	return New(uuid.New(), src, drafts, w, fc, cfg, zerolog.Nop()), src, w, fc
}

func TestTickSkipsWhenEmpty(t *testing.T) {
	r, _, w, _ := newReconciler(nil)
	assert.Equal(t, OutcomeSkippedEmpty, r.Tick(context.Background()))
	assert.Zero(t, w.count())
}

func TestUnchangedSnapshotWritesOnce(t *testing.T) {
	r, src, w, fc := newReconciler(nil)
	src.answers.Set(model.SectionTypeQuiz, "q1", json.RawMessage(`"A"`), fc.Now())

	assert.Equal(t, OutcomeSaved, r.Tick(context.Background()))
	assert.Equal(t, OutcomeSkippedUnchanged, r.Tick(context.Background()))
	assert.Equal(t, 1, w.count())

	src.meta.TabSwitches = 1
	src.meta.TotalViolationCount = 1
	assert.Equal(t, OutcomeSaved, r.Tick(context.Background()), "metadata changes are saved")
	assert.Equal(t, 2, w.count())
}

func TestFailureIsRetriedOnNextTick(t *testing.T) {
	r, src, w, fc := newReconciler(nil)
	src.answers.Set(model.SectionTypeQuiz, "q1", json.RawMessage(`"A"`), fc.Now())

	w.err = errors.New("network down")
	assert.Equal(t, OutcomeFailed, r.Tick(context.Background()))

	w.err = nil
	assert.Equal(t, OutcomeSaved, r.Tick(context.Background()), "failure leaves the baseline untouched")
	assert.Equal(t, int64(1), r.Writes())
}

func TestNewerCodeDraftWins(t *testing.T) {
	fc := clockwork.NewFakeClock()
	drafts := fakeDrafts{
		"c1": {Value: json.RawMessage(`"print(2)"`), UpdatedAt: fc.Now().Add(time.Minute)},
		"c2": {Value: json.RawMessage(`"stale"`), UpdatedAt: fc.Now().Add(-time.Minute)},
		"c3": {Value: json.RawMessage(`"only draft"`), UpdatedAt: fc.Now()},
	}
	src := &fakeSource{answers: model.NewResponseMap()}
	src.answers.Set(model.SectionTypeCoding, "c1", json.RawMessage(`"print(1)"`), fc.Now())
	src.answers.Set(model.SectionTypeCoding, "c2", json.RawMessage(`"fresh"`), fc.Now())
	w := &fakeWriter{}
	r := New(uuid.New(), src, drafts, w, fc, cfg, zerolog.Nop())

	require.Equal(t, OutcomeSaved, r.Tick(context.Background()))
	coding := w.last().Responses[model.SectionTypeCoding]
	assert.JSONEq(t, `"print(2)"`, string(coding["c1"]))
	assert.JSONEq(t, `"fresh"`, string(coding["c2"]))
	assert.JSONEq(t, `"only draft"`, string(coding["c3"]))

	stored, _ := src.answers.Get(model.SectionTypeCoding, "c1")
	assert.JSONEq(t, `"print(1)"`, string(stored.Value), "drafts never mutate the response map")
}

func TestConcurrentTickIsSkipped(t *testing.T) {
	r, src, w, fc := newReconciler(nil)
	src.answers.Set(model.SectionTypeQuiz, "q1", json.RawMessage(`"A"`), fc.Now())
	w.block = make(chan struct{})

	done := make(chan Outcome)
	go func() { done <- r.Tick(context.Background()) }()

	require.Eventually(t, func() bool { return r.inFlight.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, OutcomeSkippedBusy, r.Tick(context.Background()))

	close(w.block)
	assert.Equal(t, OutcomeSaved, <-done)
}

func TestScheduleInitialDelayThenInterval(t *testing.T) {
	r, src, w, fc := newReconciler(nil)
	src.answers.Set(model.SectionTypeQuiz, "q1", json.RawMessage(`"A"`), fc.Now())

	r.Start(context.Background())
	r.Start(context.Background())

	fc.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	src.answers.Set(model.SectionTypeQuiz, "q2", json.RawMessage(`"B"`), fc.Now())
	fc.Advance(25 * time.Second)
	require.Eventually(t, func() bool { return w.count() == 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.False(t, r.Running())

	src.answers.Set(model.SectionTypeQuiz, "q3", json.RawMessage(`"C"`), fc.Now())
	fc.Advance(time.Minute)
	assert.Never(t, func() bool { return w.count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSaveFinalIgnoresBaseline(t *testing.T) {
	r, src, w, fc := newReconciler(nil)
	src.answers.Set(model.SectionTypeQuiz, "q1", json.RawMessage(`"A"`), fc.Now())

	require.Equal(t, OutcomeSaved, r.Tick(context.Background()))
	require.NoError(t, r.SaveFinal(context.Background()))

	assert.Equal(t, 2, w.count())
	assert.True(t, w.last().SessionEnd)
}

func TestTriggerIsNoopWhenStopped(t *testing.T) {
	r, src, w, fc := newReconciler(nil)
	src.answers.Set(model.SectionTypeQuiz, "q1", json.RawMessage(`"A"`), fc.Now())

	r.Trigger()
	assert.Never(t, func() bool { return w.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	r.Start(context.Background())
	defer r.Stop()
	r.Trigger()
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
}
