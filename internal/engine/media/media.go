// Package media owns teardown of camera and microphone streams.
//
// Only Manager issues the final Stop on tracks. Guard runs the teardown when
// the candidate navigates off a proctoring route.
package media

import (
	"sync"

	"github.com/rs/zerolog"
)

// TrackState mirrors MediaStreamTrack.readyState.
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// Track is one audio or video track.
type Track interface {
	ID() string
	Kind() string
	ReadyState() TrackState
	Stop()
}

// Stream is a set of tracks.
type Stream interface {
	ID() string
	Tracks() []Track
}

// Element is a <video> or <audio> element that may have a stream attached.
type Element interface {
	ID() string
	Kind() string
	SrcObject() Stream
	SetSrcObject(Stream)
}

// Document lists the media elements currently mounted.
type Document interface {
	MediaElements() []Element
}

// Capture is the external proctoring collaborator's own capture.
type Capture interface {
	Active() bool
	Stop() error
}

// Streams holds the named stream handles kept across routes.
type Streams struct {
	mu      sync.Mutex
	handles map[string]Stream
}

// NewStreams creates an empty registry.
func NewStreams() *Streams {
	return &Streams{handles: make(map[string]Stream)}
}

// Put registers or replaces a handle.
func (s *Streams) Put(name string, stream Stream) {
	s.mu.Lock()
	s.handles[name] = stream
	s.mu.Unlock()
}

// Get returns a handle by name.
func (s *Streams) Get(name string) (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.handles[name]
	return st, ok
}

// Len returns the number of registered handles.
func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// drain removes and returns every handle.
func (s *Streams) drain() map[string]Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.handles
	s.handles = make(map[string]Stream)
	return out
}

// Manager sweeps every known reference to a media stream.
type Manager struct {
	doc     Document
	capture Capture
	streams *Streams
	log     zerolog.Logger

	mu     sync.Mutex
	sweeps int
}

// NewManager creates a manager. doc and capture may be nil.
func NewManager(doc Document, capture Capture, streams *Streams, log zerolog.Logger) *Manager {
	if streams == nil {
		streams = NewStreams()
	}
	return &Manager{
		doc:     doc,
		capture: capture,
		streams: streams,
		log:     log.With().Str("component", "media").Logger(),
	}
}

// Streams returns the handle registry the manager sweeps.
func (m *Manager) Streams() *Streams { return m.streams }

// Sweeps returns how many sweeps have run.
func (m *Manager) Sweeps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

// StopAllMediaTracks stops and detaches everything it can reach. It is safe to
// call repeatedly and never fails; individual failures are logged.
func (m *Manager) StopAllMediaTracks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++

	stopped := 0
	if m.doc != nil {
		for _, el := range m.doc.MediaElements() {
			if el.Kind() != "video" && el.Kind() != "audio" {
				continue
			}
			st := el.SrcObject()
			if st == nil {
				continue
			}
			// Ended tracks are stopped as well; some browsers keep the device open.
			stopped += stopTracks(st)
			el.SetSrcObject(nil)
		}
	}

	if m.capture != nil && m.capture.Active() {
		if err := m.capture.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to stop proctoring capture")
		}
	}

	for name, st := range m.streams.drain() {
		if st != nil {
			stopped += stopTracks(st)
		}
		m.log.Debug().Str("handle", name).Msg("Released stream handle")
	}

	if stopped > 0 {
		m.log.Info().Int("tracks", stopped).Msg("Media tracks stopped")
	}
}

func stopTracks(st Stream) int {
	tracks := st.Tracks()
	for _, t := range tracks {
		t.Stop()
	}
	return len(tracks)
}
