package session

import (
	"context"
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

var errNotFound = errors.New("not found")

type fakeAssessments map[string]*model.Assessment

func (f fakeAssessments) GetBySlug(_ context.Context, slug string) (*model.Assessment, error) {
	a, ok := f[slug]
	if !ok {
		return nil, errNotFound
	}
	return a, nil
}

type fakeStore struct {
	fakeBackend
	clk clockwork.Clock

	mu       sync.Mutex
	attempts map[int]*model.Attempt
	progress map[uuid.UUID]*model.ProgressPayload
	begins   int
}

func (s *fakeStore) BeginAttempt(_ context.Context, a *model.Assessment, studentID int) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	if at, ok := s.attempts[studentID]; ok {
		return at, nil
	}
	at := &model.Attempt{ID: uuid.New(), AssessmentID: a.ID, StudentID: studentID, StartedAt: s.clk.Now(), Status: model.AttemptInProgress}
	s.attempts[studentID] = at
	return at, nil
}

func (s *fakeStore) LoadProgress(_ context.Context, id uuid.UUID) (*model.ProgressPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[id], nil
}

// gatedAssessments holds lookups of one slug until release is closed.
type gatedAssessments struct {
	fakeAssessments
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAssessments) GetBySlug(ctx context.Context, slug string) (*model.Assessment, error) {
	if slug == g.slow {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeAssessments.GetBySlug(ctx, slug)
}

func newGatedAssessments() *gatedAssessments {
	slow := testAssessment()
	slow.Slug = "slow"
	return &gatedAssessments{
		fakeAssessments: fakeAssessments{"algo-101": testAssessment(), "slow": slow},
		slow:            "slow",
		entered:         make(chan struct{}, 4),
		release:         make(chan struct{}),
	}
}

func newRegistry(t *testing.T, fc *clockwork.FakeClock, store *fakeStore) *Registry {
	t.Helper()
	return newRegistryWith(t, fc, store, fakeAssessments{"algo-101": testAssessment()})
}

func newRegistryWith(t *testing.T, fc *clockwork.FakeClock, store *fakeStore, assessments Assessments) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx, store, assessments, testConfig(), fc, zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		r.Wait(context.Background())
	})
	return r
}

func TestOpenReturnsLiveSession(t *testing.T) {
	fc := clockwork.NewFakeClock()
	store := &fakeStore{clk: fc, attempts: map[int]*model.Attempt{}, progress: map[uuid.UUID]*model.ProgressPayload{}}
	r := newRegistry(t, fc, store)

	a, err := r.Open(context.Background(), "algo-101", 7)
	require.NoError(t, err)
	b, err := r.Open(context.Background(), "algo-101", 7)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, store.begins)

	other, err := r.Open(context.Background(), "algo-101", 8)
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, r.Len())

	_, err = r.Open(context.Background(), "missing", 7)
	assert.ErrorIs(t, err, errNotFound)
}

func TestOpenDerivesRemainingFromStartTime(t *testing.T) {
	fc := clockwork.NewFakeClock()
	store := &fakeStore{attempts: map[int]*model.Attempt{
		7: {ID: uuid.New(), StudentID: 7, StartedAt: fc.Now().Add(-100 * time.Second)},
		8: {ID: uuid.New(), StudentID: 8, StartedAt: fc.Now().Add(-time.Hour)},
	}, progress: map[uuid.UUID]*model.ProgressPayload{}}
	r := newRegistry(t, fc, store)

	o, err := r.Open(context.Background(), "algo-101", 7)
	require.NoError(t, err)
	assert.Equal(t, 500, o.Remaining())

	late, err := r.Open(context.Background(), "algo-101", 8)
	require.NoError(t, err)
	assert.Equal(t, 0, late.Remaining(), "never negative")
}

func TestOpenRestoresProgress(t *testing.T) {
	fc := clockwork.NewFakeClock()
	attempt := &model.Attempt{ID: uuid.New(), StudentID: 7, StartedAt: fc.Now()}
	store := &fakeStore{
		attempts: map[int]*model.Attempt{7: attempt},
		progress: map[uuid.UUID]*model.ProgressPayload{attempt.ID: {
			Metadata: model.ProgressMetadata{Transcript: model.Transcript{Metadata: model.TranscriptMetadata{
				Proctoring: model.ProctoringMetadata{FullscreenExits: 2, TotalViolationCount: 2},
			}}},
		}},
	}
	r := newRegistry(t, fc, store)

	o, err := r.Open(context.Background(), "algo-101", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, o.Metadata().FullscreenExits)
}

func TestTerminatedSessionLeavesRegistry(t *testing.T) {
	fc := clockwork.NewFakeClock()
	store := &fakeStore{clk: fc, attempts: map[int]*model.Attempt{}, progress: map[uuid.UUID]*model.ProgressPayload{}}
	r := newRegistry(t, fc, store)

	o, err := r.Open(context.Background(), "algo-101", 7)
	require.NoError(t, err)
	require.NoError(t, o.Post(Start{Route: "/assessments/algo-101/take", Fullscreen: inFullscreen}))
	require.NoError(t, o.Post(SubmitRequest{}))

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	_, ok := r.Get("algo-101", 7)
	assert.False(t, ok)
}

func TestSlowOpenDoesNotBlockOtherStudents(t *testing.T) {
	fc := clockwork.NewFakeClock()
	store := &fakeStore{clk: fc, attempts: map[int]*model.Attempt{}, progress: map[uuid.UUID]*model.ProgressPayload{}}
	assessments := newGatedAssessments()
	r := newRegistryWith(t, fc, store, assessments)

	slowDone := make(chan error, 1)
	go func() {
		_, err := r.Open(context.Background(), "slow", 1)
		slowDone <- err
	}()
	select {
	case <-assessments.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow lookup never started")
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Open(context.Background(), "algo-101", 2)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("open on another assessment waited for the slow lookup")
	}
	assert.Equal(t, 1, r.Len())

	close(assessments.release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 2, r.Len())
}

func TestConcurrentOpensShareOneSession(t *testing.T) {
	fc := clockwork.NewFakeClock()
	store := &fakeStore{clk: fc, attempts: map[int]*model.Attempt{}, progress: map[uuid.UUID]*model.ProgressPayload{}}
	assessments := newGatedAssessments()
	r := newRegistryWith(t, fc, store, assessments)

	type opened struct {
		o   *Orchestrator
		err error
	}
	results := make(chan opened, 2)
	for i := 0; i < 2; i++ {
		go func() {
			o, err := r.Open(context.Background(), "slow", 1)
			results <- opened{o, err}
		}()
	}
	select {
	case <-assessments.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never started")
	}
	close(assessments.release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.o, second.o)
	assert.Equal(t, 1, store.begins)
	assert.Empty(t, assessments.entered, "assessment was loaded once")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryEvictsUnstartedSession(t *testing.T) {
	fc := clockwork.NewFakeClock()
	store := &fakeStore{clk: fc, attempts: map[int]*model.Attempt{}, progress: map[uuid.UUID]*model.ProgressPayload{}}
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.StartTimeout = time.Minute
	r := NewRegistry(ctx, store, fakeAssessments{"algo-101": testAssessment()}, cfg, fc, zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		r.Wait(context.Background())
	})

	first, err := r.Open(context.Background(), "algo-101", 7)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		fc.Advance(time.Minute)
		return r.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	again, err := r.Open(context.Background(), "algo-101", 7)
	require.NoError(t, err)
	assert.NotSame(t, first, again)
	assert.Equal(t, first.AttemptID(), again.AttemptID(), "the attempt itself survives eviction")
}
