package model

import (
	"encoding/json"
	"sync"
	"time"
)

// Responses is the serializable form of a ResponseMap:
// section type -> question id -> answer value.
type Responses map[SectionType]map[string]json.RawMessage

// Count returns the number of answered questions.
func (r Responses) Count() int {
	n := 0
	for _, qs := range r {
		n += len(qs)
	}
	return n
}

// Answer is a stored answer value with the time it was last written.
type Answer struct {
	Value     json.RawMessage
	UpdatedAt time.Time
}

// ResponseMap is the in-progress answer store shared by the navigation controller
// (writer) and the autosave reconciler and final submit (readers).
// Safe for concurrent use.
type ResponseMap struct {
	mu       sync.RWMutex
	sections map[SectionType]map[string]Answer
}

// NewResponseMap creates an empty ResponseMap.
func NewResponseMap() *ResponseMap {
	return &ResponseMap{sections: make(map[SectionType]map[string]Answer)}
}

// Set stores value for the question, replacing any previous answer.
func (m *ResponseMap) Set(section SectionType, questionID string, value json.RawMessage, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs, ok := m.sections[section]
	if !ok {
		qs = make(map[string]Answer)
		m.sections[section] = qs
	}
	qs[questionID] = Answer{Value: cloneRaw(value), UpdatedAt: at}
}

// Get returns the stored answer for the question.
func (m *ResponseMap) Get(section SectionType, questionID string) (Answer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.sections[section][questionID]
	return a, ok
}

// Len returns the number of answered questions across all sections.
func (m *ResponseMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, qs := range m.sections {
		n += len(qs)
	}
	return n
}

// Snapshot returns a deep copy of the answer values.
func (m *ResponseMap) Snapshot() Responses {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(Responses, len(m.sections))
	for section, qs := range m.sections {
		cp := make(map[string]json.RawMessage, len(qs))
		for id, a := range qs {
			cp[id] = cloneRaw(a.Value)
		}
		out[section] = cp
	}
	return out
}

// Restore seeds the map from persisted responses. Existing answers win.
func (m *ResponseMap) Restore(r Responses, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for section, qs := range r {
		dst, ok := m.sections[section]
		if !ok {
			dst = make(map[string]Answer, len(qs))
			m.sections[section] = dst
		}
		for id, v := range qs {
			if _, exists := dst[id]; !exists {
				dst[id] = Answer{Value: cloneRaw(v), UpdatedAt: at}
			}
		}
	}
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp
}
