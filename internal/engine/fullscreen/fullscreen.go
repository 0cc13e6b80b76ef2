// Package fullscreen tracks whether the candidate's viewport is in fullscreen.
package fullscreen

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// State is the enforcement state.
type State string

const (
	InFullscreen     State = "IN_FULLSCREEN"
	ExitedFullscreen State = "EXITED_FULLSCREEN"
)

// Elements reports the fullscreen element under each vendor API. A non-empty
// value is the id or tag of the element currently in fullscreen.
type Elements struct {
	Standard string `json:"fullscreenElement,omitempty"`
	Webkit   string `json:"webkitFullscreenElement,omitempty"`
	Moz      string `json:"mozFullScreenElement,omitempty"`
	MS       string `json:"msFullscreenElement,omitempty"`
}

// Present reports whether any vendor API has a fullscreen element.
func (e Elements) Present() bool {
	return e.Standard != "" || e.Webkit != "" || e.Moz != "" || e.MS != ""
}

// Requester asks the browser to enter fullscreen. The browser may deny it.
type Requester interface {
	RequestFullscreen(ctx context.Context) error
}

// Machine is the two-state fullscreen enforcement machine. It does not count
// violations; transitions are reported through onChange.
type Machine struct {
	requester  Requester
	submitting func() bool
	onChange   func(from, to State)
	log        zerolog.Logger

	mu    sync.Mutex
	state State
}

// New creates a machine whose initial state follows initial.
// submitting reports whether the session is already submitting; exits during
// submission are ignored.
func New(initial Elements, requester Requester, submitting func() bool, onChange func(from, to State), log zerolog.Logger) *Machine {
	st := ExitedFullscreen
	if initial.Present() {
		st = InFullscreen
	}
	return &Machine{
		requester:  requester,
		submitting: submitting,
		onChange:   onChange,
		log:        log.With().Str("component", "fullscreen").Logger(),
		state:      st,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandleChange applies a fullscreenchange event.
func (m *Machine) HandleChange(els Elements) {
	m.mu.Lock()
	from := m.state
	to := from
	switch {
	case els.Present():
		to = InFullscreen
	case from == InFullscreen && (m.submitting == nil || !m.submitting()):
		to = ExitedFullscreen
	}
	m.state = to
	m.mu.Unlock()

	if from != to && m.onChange != nil {
		m.onChange(from, to)
	}
}

// Reenter asks the browser to enter fullscreen again. The state only changes
// when a later HandleChange confirms an element. A denied request is logged and
// otherwise ignored.
func (m *Machine) Reenter(ctx context.Context) {
	if m.requester == nil {
		return
	}
	if err := m.requester.RequestFullscreen(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Fullscreen re-entry request failed")
	}
}
