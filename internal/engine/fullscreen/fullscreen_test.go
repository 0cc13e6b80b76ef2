package fullscreen

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeRequester struct {
	calls int
	err   error
}

func (f *fakeRequester) RequestFullscreen(context.Context) error {
	f.calls++
	return f.err
}

type transition struct{ from, to State }

func newMachine(initial Elements, submitting *bool) (*Machine, *fakeRequester, *[]transition) {
	req := &fakeRequester{}
	var seen []transition
	m := New(initial, req, func() bool { return *submitting }, func(from, to State) {
		seen = append(seen, transition{from, to})
	}, zerolog.Nop())
	return m, req, &seen
}

func TestInitialStateChecksVendorElements(t *testing.T) {
	no := false
	for _, els := range []Elements{{Standard: "html"}, {Webkit: "html"}, {Moz: "html"}, {MS: "html"}} {
		m, _, _ := newMachine(els, &no)
		assert.Equal(t, InFullscreen, m.State())
	}
	m, _, _ := newMachine(Elements{}, &no)
	assert.Equal(t, ExitedFullscreen, m.State())
}

func TestDoubleExitWarnsOnceUntilConfirmedReentry(t *testing.T) {
	no := false
	m, req, seen := newMachine(Elements{Standard: "html"}, &no)

	m.HandleChange(Elements{})
	m.HandleChange(Elements{})
	assert.Equal(t, ExitedFullscreen, m.State())
	assert.Len(t, *seen, 1, "second exit must not re-trigger")

	m.Reenter(context.Background())
	assert.Equal(t, 1, req.calls)
	assert.Equal(t, ExitedFullscreen, m.State(), "request alone does not confirm")

	m.HandleChange(Elements{Webkit: "html"})
	assert.Equal(t, InFullscreen, m.State())
	assert.Equal(t, []transition{{InFullscreen, ExitedFullscreen}, {ExitedFullscreen, InFullscreen}}, *seen)
}

func TestDeniedReentryLeavesStateUnchanged(t *testing.T) {
	no := false
	m, req, seen := newMachine(Elements{}, &no)
	req.err = errors.New("permission denied")

	assert.NotPanics(t, func() { m.Reenter(context.Background()) })
	assert.Equal(t, ExitedFullscreen, m.State())
	assert.Empty(t, *seen)
}

func TestExitWhileSubmittingIsIgnored(t *testing.T) {
	submitting := true
	m, _, seen := newMachine(Elements{Standard: "html"}, &submitting)

	m.HandleChange(Elements{})
	assert.Equal(t, InFullscreen, m.State())
	assert.Empty(t, *seen)
}
