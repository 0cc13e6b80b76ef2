package integrity

import "sync"

// EventType names a browser event the monitor listens for.
type EventType string

const (
	EventKeyDown          EventType = "keydown"
	EventContextMenu      EventType = "contextmenu"
	EventSelectStart      EventType = "selectstart"
	EventDragStart        EventType = "dragstart"
	EventPopState         EventType = "popstate"
	EventVisibilityChange EventType = "visibilitychange"
	EventBeforeUnload     EventType = "beforeunload"
)

// Event is the subset of a DOM event the monitor inspects.
type Event struct {
	Type EventType `json:"type" binding:"required"`

	// Keyboard fields.
	Key    string `json:"key,omitempty"`
	Code   string `json:"code,omitempty"`
	Ctrl   bool   `json:"ctrl,omitempty"`
	Meta   bool   `json:"meta,omitempty"`
	Shift  bool   `json:"shift,omitempty"`
	Alt    bool   `json:"alt,omitempty"`
	Repeat bool   `json:"repeat,omitempty"`

	// Hidden is the document visibility after a visibilitychange.
	Hidden bool `json:"hidden,omitempty"`

	prevented bool
}

// PreventDefault marks the event as suppressed.
func (e *Event) PreventDefault() { e.prevented = true }

// DefaultPrevented reports whether a listener suppressed the event.
func (e *Event) DefaultPrevented() bool { return e.prevented }

// Listener handles one dispatched event.
type Listener func(*Event)

// Target accepts event listeners. The returned func removes the listener and is
// safe to call more than once.
type Target interface {
	AddEventListener(t EventType, fn Listener) (remove func())
}

type registration struct {
	id int
	fn Listener
}

// EventTarget is an in-memory Target that dispatches events in registration order.
type EventTarget struct {
	mu        sync.Mutex
	nextID    int
	listeners map[EventType][]registration
}

// NewEventTarget creates an EventTarget with no listeners.
func NewEventTarget() *EventTarget {
	return &EventTarget{listeners: make(map[EventType][]registration)}
}

// AddEventListener implements Target.
func (t *EventTarget) AddEventListener(typ EventType, fn Listener) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[typ] = append(t.listeners[typ], registration{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(typ, id) })
	}
}

func (t *EventTarget) remove(typ EventType, id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	regs := t.listeners[typ]
	for i, r := range regs {
		if r.id == id {
			t.listeners[typ] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(t.listeners[typ]) == 0 {
		delete(t.listeners, typ)
	}
}

// Dispatch calls every listener registered for ev.Type. Listeners run without
// the target's lock held.
func (t *EventTarget) Dispatch(ev *Event) {
	t.mu.Lock()
	regs := append([]registration(nil), t.listeners[ev.Type]...)
	t.mu.Unlock()

	for _, r := range regs {
		r.fn(ev)
	}
}

// ListenerCount returns the total number of registered listeners.
func (t *EventTarget) ListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, regs := range t.listeners {
		n += len(regs)
	}
	return n
}
