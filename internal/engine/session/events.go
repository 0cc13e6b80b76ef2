package session

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/engine/fullscreen"
	"github.com/stemsi/exstem-proctor/internal/engine/integrity"
	"github.com/stemsi/exstem-proctor/internal/engine/media"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Event is one input to the orchestrator. Every source, including timers and
// finished network calls, arrives as an Event on the same inbox.
type Event interface {
	event()
}

// Start moves an initializing session to Running. On a running session it
// only resends the full state.
type Start struct {
	Route      string
	Fullscreen fullscreen.Elements
}

// Tick is one second of the session clock.
type Tick struct{}

// DOM is a page event forwarded by the browser.
type DOM struct {
	Seq    int64
	Target string
	Event  integrity.Event
}

// FaceSample is one reading from the face detector.
type FaceSample struct {
	Sample model.FaceSample
}

// FullscreenChange is a fullscreenchange event with the current elements.
type FullscreenChange struct {
	Elements fullscreen.Elements
}

// FullscreenReenter is the candidate pressing the re-enter button.
type FullscreenReenter struct{}

// FullscreenDenied is the browser refusing a fullscreen request.
type FullscreenDenied struct {
	Message string
}

// Answer stores one answer.
type Answer struct {
	Section    model.SectionType
	QuestionID string
	Value      json.RawMessage
}

// Navigate moves one question forward or back.
type Navigate struct {
	Forward bool
}

// RouteChange is a client-side route change.
type RouteChange struct {
	Route string
}

// MediaState is the page's current media elements and capture state.
type MediaState struct {
	Report media.Report
}

// SubmitRequest is the candidate's explicit submit confirmation.
type SubmitRequest struct{}

// Resync asks for the full state to be resent.
type Resync struct{}

// submitResult reports the end of the final save and submit.
type submitResult struct {
	err error
}

func (Start) event()             {}
func (Tick) event()              {}
func (DOM) event()               {}
func (FaceSample) event()        {}
func (FullscreenChange) event()  {}
func (FullscreenReenter) event() {}
func (FullscreenDenied) event()  {}
func (Answer) event()            {}
func (Navigate) event()          {}
func (RouteChange) event()       {}
func (MediaState) event()        {}
func (SubmitRequest) event()     {}
func (Resync) event()            {}
func (submitResult) event()      {}
