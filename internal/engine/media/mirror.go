package media

import "sync"

// DirectiveKind is an action the client must perform on its real media objects.
type DirectiveKind string

const (
	DirectiveStopTrack    DirectiveKind = "stop_track"
	DirectiveDetachStream DirectiveKind = "detach_stream"
	DirectiveStopCapture  DirectiveKind = "stop_capture"
)

// Directive targets one client-side object by id.
type Directive struct {
	Kind      DirectiveKind `json:"kind"`
	ElementID string        `json:"element_id,omitempty"`
	StreamID  string        `json:"stream_id,omitempty"`
	TrackID   string        `json:"track_id,omitempty"`
}

// TrackReport describes a client track.
type TrackReport struct {
	ID         string     `json:"id" binding:"required"`
	Kind       string     `json:"kind" binding:"required,oneof=audio video"`
	ReadyState TrackState `json:"ready_state" binding:"required,oneof=live ended"`
}

// StreamReport describes a client stream.
type StreamReport struct {
	ID     string        `json:"id" binding:"required"`
	Tracks []TrackReport `json:"tracks" binding:"dive"`
}

// ElementReport describes a mounted media element.
type ElementReport struct {
	ID     string        `json:"id" binding:"required"`
	Kind   string        `json:"kind" binding:"required,oneof=audio video"`
	Stream *StreamReport `json:"stream,omitempty"`
}

// Report is the client's full media state.
type Report struct {
	Elements      []ElementReport         `json:"elements" binding:"dive"`
	Handles       map[string]StreamReport `json:"handles,omitempty" binding:"dive"`
	CaptureActive bool                    `json:"capture_active"`
}

// Mirror is a Document rebuilt from client reports. Mutations made by the
// Manager are applied locally and forwarded to the client as directives.
type Mirror struct {
	emit    func(Directive)
	streams *Streams

	mu       sync.Mutex
	elements []*mirrorElement
	capture  bool
}

// NewMirror creates an empty mirror that forwards directives to emit and
// registers reported handles in streams.
func NewMirror(emit func(Directive), streams *Streams) *Mirror {
	return &Mirror{emit: emit, streams: streams}
}

// Update replaces the mirrored state with a fresh client report.
func (m *Mirror) Update(r Report) {
	els := make([]*mirrorElement, 0, len(r.Elements))
	for _, er := range r.Elements {
		el := &mirrorElement{mirror: m, id: er.ID, kind: er.Kind}
		if er.Stream != nil {
			el.stream = m.newStream(*er.Stream)
		}
		els = append(els, el)
	}

	m.mu.Lock()
	m.elements = els
	m.capture = r.CaptureActive
	m.mu.Unlock()

	if m.streams != nil {
		for name, sr := range r.Handles {
			m.streams.Put(name, m.newStream(sr))
		}
	}
}

// MediaElements implements Document.
func (m *Mirror) MediaElements() []Element {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Element, len(m.elements))
	for i, el := range m.elements {
		out[i] = el
	}
	return out
}

// Capture returns the Capture view of the mirrored proctoring capture.
func (m *Mirror) Capture() Capture { return mirrorCapture{m} }

func (m *Mirror) newStream(sr StreamReport) *mirrorStream {
	st := &mirrorStream{id: sr.ID}
	for _, tr := range sr.Tracks {
		st.tracks = append(st.tracks, &mirrorTrack{mirror: m, id: tr.ID, kind: tr.Kind, state: tr.ReadyState})
	}
	return st
}

func (m *Mirror) send(d Directive) {
	if m.emit != nil {
		m.emit(d)
	}
}

type mirrorElement struct {
	mirror *Mirror
	id     string
	kind   string

	mu     sync.Mutex
	stream Stream
}

func (e *mirrorElement) ID() string   { return e.id }
func (e *mirrorElement) Kind() string { return e.kind }

func (e *mirrorElement) SrcObject() Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

func (e *mirrorElement) SetSrcObject(st Stream) {
	e.mu.Lock()
	prev := e.stream
	e.stream = st
	e.mu.Unlock()

	if st == nil && prev != nil {
		e.mirror.send(Directive{Kind: DirectiveDetachStream, ElementID: e.id, StreamID: prev.ID()})
	}
}

type mirrorStream struct {
	id     string
	tracks []Track
}

func (s *mirrorStream) ID() string      { return s.id }
func (s *mirrorStream) Tracks() []Track { return s.tracks }

type mirrorTrack struct {
	mirror *Mirror
	id     string
	kind   string

	mu    sync.Mutex
	state TrackState
}

func (t *mirrorTrack) ID() string   { return t.id }
func (t *mirrorTrack) Kind() string { return t.kind }

func (t *mirrorTrack) ReadyState() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *mirrorTrack) Stop() {
	t.mu.Lock()
	t.state = TrackEnded
	t.mu.Unlock()
	t.mirror.send(Directive{Kind: DirectiveStopTrack, TrackID: t.id})
}

type mirrorCapture struct{ m *Mirror }

func (c mirrorCapture) Active() bool {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.capture
}

func (c mirrorCapture) Stop() error {
	c.m.mu.Lock()
	c.m.capture = false
	c.m.mu.Unlock()
	c.m.send(Directive{Kind: DirectiveStopCapture})
	return nil
}
