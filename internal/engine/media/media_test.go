package media

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allowedRoutes = []string{
	`^/assessments/[^/]+/(take|device-check)/?$`,
	`^/interviews/[^/]+/(take|device-check)/?$`,
}

type directiveLog struct {
	mu   sync.Mutex
	list []Directive
}

func (l *directiveLog) add(d Directive) {
	l.mu.Lock()
	l.list = append(l.list, d)
	l.mu.Unlock()
}

func (l *directiveLog) count(kind DirectiveKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, d := range l.list {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

func cameraReport() Report {
	return Report{
		Elements: []ElementReport{
			{ID: "preview", Kind: "video", Stream: &StreamReport{ID: "cam", Tracks: []TrackReport{
				{ID: "v1", Kind: "video", ReadyState: TrackLive},
				{ID: "a1", Kind: "audio", ReadyState: TrackEnded},
			}}},
			{ID: "mic", Kind: "audio", Stream: &StreamReport{ID: "mic", Tracks: []TrackReport{
				{ID: "a2", Kind: "audio", ReadyState: TrackLive},
			}}},
			{ID: "idle", Kind: "video"},
		},
		Handles: map[string]StreamReport{
			"proctoring": {ID: "cam-global", Tracks: []TrackReport{{ID: "v9", Kind: "video", ReadyState: TrackLive}}},
		},
		CaptureActive: true,
	}
}

func TestStopAllMediaTracksWithNothingIsNoop(t *testing.T) {
	m := NewManager(nil, nil, nil, zerolog.Nop())
	assert.NotPanics(t, func() {
		m.StopAllMediaTracks()
		m.StopAllMediaTracks()
	})

	mirror := NewMirror(nil, nil)
	m = NewManager(mirror, mirror.Capture(), nil, zerolog.Nop())
	assert.NotPanics(t, m.StopAllMediaTracks)
}

func TestStopAllMediaTracksSweepsEverything(t *testing.T) {
	log := &directiveLog{}
	streams := NewStreams()
	mirror := NewMirror(log.add, streams)
	mirror.Update(cameraReport())
	require.Equal(t, 1, streams.Len())
	global, _ := streams.Get("proctoring")

	m := NewManager(mirror, mirror.Capture(), streams, zerolog.Nop())
	m.StopAllMediaTracks()

	for _, el := range mirror.MediaElements() {
		assert.Nil(t, el.SrcObject(), el.ID())
	}
	for _, tr := range global.Tracks() {
		assert.Equal(t, TrackEnded, tr.ReadyState())
	}
	assert.Zero(t, streams.Len())
	assert.False(t, mirror.Capture().Active())

	assert.Equal(t, 4, log.count(DirectiveStopTrack), "ended tracks are stopped too")
	assert.Equal(t, 2, log.count(DirectiveDetachStream))
	assert.Equal(t, 1, log.count(DirectiveStopCapture))

	m.StopAllMediaTracks()
	assert.Equal(t, 4, log.count(DirectiveStopTrack), "second sweep is a no-op")
	assert.Equal(t, 1, log.count(DirectiveStopCapture))
	assert.Equal(t, 2, m.Sweeps())
}

type failingCapture struct{ calls int }

func (c *failingCapture) Active() bool { return true }
func (c *failingCapture) Stop() error {
	c.calls++
	return errors.New("collaborator gone")
}

func TestCaptureFailureIsSwallowed(t *testing.T) {
	c := &failingCapture{}
	m := NewManager(nil, c, nil, zerolog.Nop())
	assert.NotPanics(t, m.StopAllMediaTracks)
	assert.Equal(t, 1, c.calls)
}

func TestGuardAllowList(t *testing.T) {
	g, err := NewGuard(NewManager(nil, nil, nil, zerolog.Nop()), clockwork.NewFakeClock(), allowedRoutes, 50*time.Millisecond, 100*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, g.Allowed("/assessments/algo-101/take"))
	assert.True(t, g.Allowed("/interviews/abc/device-check/"))
	assert.False(t, g.Allowed("/assessments/algo-101/result"))
	assert.False(t, g.Allowed("/dashboard"))

	_, err = NewGuard(nil, clockwork.NewFakeClock(), []string{"("}, 0, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestLeavingTakeRouteEndsAllTracks(t *testing.T) {
	fc := clockwork.NewFakeClock()
	log := &directiveLog{}
	mirror := NewMirror(log.add, NewStreams())
	mirror.Update(cameraReport())
	m := NewManager(mirror, mirror.Capture(), nil, zerolog.Nop())

	g, err := NewGuard(m, fc, allowedRoutes, 50*time.Millisecond, 100*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer g.Close()

	assert.False(t, g.OnRouteChange("/assessments/algo-101/take"))
	require.True(t, g.OnRouteChange("/assessments/algo-101/result"))

	fc.Advance(49 * time.Millisecond)
	assert.Zero(t, m.Sweeps(), "sweep waits for the unmount delay")

	fc.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return m.Sweeps() == 1 }, time.Second, 5*time.Millisecond)

	// A stream re-attached during the transition is caught by the second pass.
	mirror.Update(Report{Elements: []ElementReport{{ID: "late", Kind: "video", Stream: &StreamReport{
		ID: "cam2", Tracks: []TrackReport{{ID: "v2", Kind: "video", ReadyState: TrackLive}},
	}}}})
	late := mirror.MediaElements()[0].SrcObject()

	fc.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return m.Sweeps() == 2 }, time.Second, 5*time.Millisecond)

	for _, el := range mirror.MediaElements() {
		assert.Nil(t, el.SrcObject())
	}
	for _, tr := range late.Tracks() {
		assert.Equal(t, TrackEnded, tr.ReadyState())
	}
}

func TestReturningToAllowedRouteCancelsSweep(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m := NewManager(nil, nil, nil, zerolog.Nop())
	g, err := NewGuard(m, fc, allowedRoutes, 50*time.Millisecond, 100*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	g.OnRouteChange("/profile")
	g.OnRouteChange("/assessments/x/take")
	fc.Advance(time.Second)

	assert.Never(t, func() bool { return m.Sweeps() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "/assessments/x/take", g.Route())
}
