// Package remote bridges a session engine to the candidate's browser.
//
// The browser forwards page events over the session socket; Client replays them
// on in-memory event targets and turns engine output into typed events and
// directives for the browser to execute.
package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/engine/clock"
	"github.com/stemsi/exstem-proctor/internal/engine/integrity"
	"github.com/stemsi/exstem-proctor/internal/engine/media"
	"github.com/stemsi/exstem-proctor/internal/engine/navigation"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// ErrDetached is returned when a request needs the browser and none is attached.
var ErrDetached = errors.New("no client attached")

// Sink delivers one event to the browser. It must not block for long.
type Sink interface {
	Send(event ws.Event, data interface{}) error
}

// View is the full state pushed on (re)attach.
type View struct {
	Session    model.AssessmentSession  `json:"session"`
	Clock      string                   `json:"clock"`
	Position   navigation.Position      `json:"position"`
	Responses  model.Responses          `json:"responses"`
	Metadata   model.ProctoringMetadata `json:"metadata"`
	Timeline   []model.ViolationEvent   `json:"timeline"`
	Fullscreen string                   `json:"fullscreen,omitempty"`
}

// Client is the server-side stand-in for one browser page.
type Client struct {
	doc *target
	win *target
	log zerolog.Logger

	mu   sync.Mutex
	sink Sink
}

// NewClient creates a detached client.
func NewClient(log zerolog.Logger) *Client {
	c := &Client{log: log.With().Str("component", "remote").Logger()}
	c.doc = &target{name: "document", inner: integrity.NewEventTarget(), client: c}
	c.win = &target{name: "window", inner: integrity.NewEventTarget(), client: c}
	return c
}

// Attach routes output to sink, replacing any previous sink.
func (c *Client) Attach(sink Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()

	// The new page needs the listeners that are already installed.
	for _, t := range []*target{c.doc, c.win} {
		for _, typ := range t.types() {
			c.directive(ws.Directive{Kind: ws.DirectiveAddListener, Target: t.name, Type: string(typ)})
		}
	}
}

// Detach drops sink if it is the current one.
func (c *Client) Detach(sink Sink) {
	c.mu.Lock()
	if c.sink == sink {
		c.sink = nil
	}
	c.mu.Unlock()
}

// Attached reports whether a sink is attached.
func (c *Client) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink != nil
}

// send delivers an event, dropping it when detached.
func (c *Client) send(event ws.Event, data interface{}) error {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		return ErrDetached
	}
	if err := sink.Send(event, data); err != nil {
		c.log.Debug().Err(err).Str("event", string(event)).Msg("Failed to deliver event")
		return err
	}
	return nil
}

func (c *Client) directive(d ws.Directive) error {
	return c.send(ws.EventDirective, d)
}

// Dispatch replays a forwarded browser event on the named target and reports
// whether a listener suppressed it.
func (c *Client) Dispatch(targetName string, ev *integrity.Event) bool {
	switch targetName {
	case "document":
		c.doc.inner.Dispatch(ev)
	case "window":
		c.win.inner.Dispatch(ev)
	}
	return ev.DefaultPrevented()
}

// ListenerCount returns listeners installed on both targets.
func (c *Client) ListenerCount() int {
	return c.doc.inner.ListenerCount() + c.win.inner.ListenerCount()
}

// ─── integrity.Host ─────────────────────────────────────────────────

func (c *Client) Document() integrity.Target { return c.doc }
func (c *Client) Window() integrity.Target   { return c.win }

func (c *Client) PushHistoryState() {
	c.directive(ws.Directive{Kind: ws.DirectivePushHistory})
}

// ─── fullscreen.Requester ───────────────────────────────────────────

// RequestFullscreen asks the page to enter fullscreen. Success only means the
// request was delivered; the browser confirms with a fullscreen_change.
func (c *Client) RequestFullscreen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.directive(ws.Directive{Kind: ws.DirectiveRequestFullscreen})
}

// ─── media ──────────────────────────────────────────────────────────

// MediaDirective forwards a teardown step to the page.
func (c *Client) MediaDirective(d media.Directive) {
	kind := ws.DirectiveStopTrack
	switch d.Kind {
	case media.DirectiveDetachStream:
		kind = ws.DirectiveDetachStream
	case media.DirectiveStopCapture:
		kind = ws.DirectiveStopCapture
	}
	c.directive(ws.Directive{Kind: kind, ElementID: d.ElementID, StreamID: d.StreamID, TrackID: d.TrackID})
}

// ─── session UI ─────────────────────────────────────────────────────

func (c *Client) Clock(remaining int) {
	c.send(ws.EventClock, map[string]interface{}{
		"remaining_seconds": remaining,
		"display":           clock.FormatSeconds(remaining),
	})
}

func (c *Client) Position(pos navigation.Position) {
	c.send(ws.EventPosition, pos)
}

func (c *Client) AnswerSaved(section model.SectionType, questionID string) {
	c.send(ws.EventAnswerSaved, map[string]string{"section_type": string(section), "question_id": questionID})
}

func (c *Client) DOMResult(seq int64, prevented bool) {
	c.send(ws.EventDOMResult, ws.DOMResult{Seq: seq, Prevented: prevented})
}

func (c *Client) Notice(n integrity.Notice) {
	c.send(ws.EventNotice, n)
}

func (c *Client) ViolationWarning(ev model.ViolationEvent, meta model.ProctoringMetadata) {
	c.send(ws.EventViolation, map[string]interface{}{"violation": ev, "metadata": meta})
}

func (c *Client) FullscreenWarning(show bool) {
	c.send(ws.EventFullscreenWarning, map[string]bool{"show": show})
}

func (c *Client) ForcedSubmit(reason model.SubmitReason) {
	c.send(ws.EventForcedSubmit, map[string]string{"reason": string(reason)})
}

func (c *Client) Submitted(reason model.SubmitReason) {
	c.send(ws.EventSubmitted, map[string]string{"reason": string(reason)})
}

func (c *Client) SubmitFailed(err error) {
	c.send(ws.EventSubmitFailed, map[string]string{"error": err.Error()})
}

func (c *Client) Error(msg string) {
	c.send(ws.EventError, map[string]string{"error": msg})
}

func (c *Client) State(v View) {
	c.send(ws.EventState, v)
}

// target wraps an EventTarget and mirrors listener registration to the page,
// so the page only intercepts what the engine is listening for.
type target struct {
	name   string
	inner  *integrity.EventTarget
	client *Client

	mu     sync.Mutex
	counts map[integrity.EventType]int
}

func (t *target) AddEventListener(typ integrity.EventType, fn integrity.Listener) func() {
	remove := t.inner.AddEventListener(typ, fn)
	if t.adjust(typ, 1) == 1 {
		t.client.directive(ws.Directive{Kind: ws.DirectiveAddListener, Target: t.name, Type: string(typ)})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			if t.adjust(typ, -1) == 0 {
				t.client.directive(ws.Directive{Kind: ws.DirectiveRemoveListener, Target: t.name, Type: string(typ)})
			}
		})
	}
}

func (t *target) adjust(typ integrity.EventType, delta int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[integrity.EventType]int)
	}
	t.counts[typ] += delta
	n := t.counts[typ]
	if n <= 0 {
		delete(t.counts, typ)
	}
	return n
}

func (t *target) types() []integrity.EventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]integrity.EventType, 0, len(t.counts))
	for typ := range t.counts {
		out = append(out, typ)
	}
	return out
}
