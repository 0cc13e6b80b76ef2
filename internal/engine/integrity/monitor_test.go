package integrity

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	doc, win *EventTarget
	pushes   int
}

func newFakeHost() *fakeHost {
	return &fakeHost{doc: NewEventTarget(), win: NewEventTarget()}
}

func (h *fakeHost) Document() Target  { return h.doc }
func (h *fakeHost) Window() Target    { return h.win }
func (h *fakeHost) PushHistoryState() { h.pushes++ }

// dispatch delivers ev to the document and then to the window, like bubbling.
func (h *fakeHost) dispatch(ev *Event) {
	h.doc.Dispatch(ev)
	h.win.Dispatch(ev)
}

type recorder struct {
	violations []model.ViolationCategory
	details    []string
	visibility []bool
	notices    []Notice
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnViolation: func(c model.ViolationCategory, d string) {
			r.violations = append(r.violations, c)
			r.details = append(r.details, d)
		},
		OnVisibility: func(hidden bool) { r.visibility = append(r.visibility, hidden) },
		OnNotice:     func(n Notice) { r.notices = append(r.notices, n) },
	}
}

func setup(t *testing.T) (*Monitor, *fakeHost, *recorder, *clockwork.FakeClock) {
	t.Helper()
	h := newFakeHost()
	rec := &recorder{}
	fc := clockwork.NewFakeClock()
	m := NewMonitor(h, fc, 3*time.Second, rec.callbacks(), zerolog.Nop())
	return m, h, rec, fc
}

func TestEnableDisableIsIdempotent(t *testing.T) {
	m, h, _, _ := setup(t)

	m.Disable()
	m.Enable()
	installed := h.doc.ListenerCount() + h.win.ListenerCount()
	require.Positive(t, installed)

	m.Enable()
	assert.Equal(t, installed, h.doc.ListenerCount()+h.win.ListenerCount(), "no double registration")

	m.Disable()
	m.Disable()
	assert.Zero(t, h.doc.ListenerCount())
	assert.Zero(t, h.win.ListenerCount())

	m.Enable()
	assert.Equal(t, installed, h.doc.ListenerCount()+h.win.ListenerCount())
}

func TestSuppressesShortcuts(t *testing.T) {
	m, h, rec, _ := setup(t)
	m.Enable()

	cases := []struct {
		name      string
		ev        Event
		prevented bool
	}{
		{"f5", Event{Key: "F5"}, true},
		{"ctrl r", Event{Key: "r", Ctrl: true}, true},
		{"cmd shift r", Event{Key: "R", Meta: true, Shift: true}, true},
		{"save", Event{Key: "s", Ctrl: true}, true},
		{"print", Event{Key: "p", Meta: true}, true},
		{"view source", Event{Key: "u", Ctrl: true}, true},
		{"plain letter", Event{Key: "r"}, false},
		{"copy", Event{Key: "c", Ctrl: true}, false},
	}
	for _, tc := range cases {
		ev := tc.ev
		ev.Type = EventKeyDown
		h.dispatch(&ev)
		assert.Equal(t, tc.prevented, ev.DefaultPrevented(), tc.name)
	}

	for _, typ := range []EventType{EventContextMenu, EventSelectStart, EventDragStart, EventBeforeUnload} {
		ev := &Event{Type: typ}
		h.dispatch(ev)
		assert.True(t, ev.DefaultPrevented(), string(typ))
	}
	assert.Len(t, rec.violations, 1, "only view-source counts as devtools here")
}

func TestDevToolsShortcutsRaiseViolation(t *testing.T) {
	m, h, rec, _ := setup(t)
	m.Enable()

	for _, ev := range []Event{
		{Key: "F12"},
		{Key: "I", Ctrl: true, Shift: true},
		{Key: "J", Ctrl: true, Shift: true},
		{Key: "C", Ctrl: true, Shift: true},
		{Key: "ˆ", Code: "KeyI", Meta: true, Alt: true},
	} {
		ev.Type = EventKeyDown
		h.dispatch(&ev)
		assert.True(t, ev.DefaultPrevented())
	}

	require.Len(t, rec.violations, 5, "document and window listeners must not double count")
	for _, c := range rec.violations {
		assert.Equal(t, model.ViolationDevTools, c)
	}
	assert.Equal(t, "Ctrl+Shift+I", rec.details[1])
}

func TestWindowListenerCatchesKeysMissedByDocument(t *testing.T) {
	m, h, rec, _ := setup(t)
	m.Enable()

	ev := &Event{Type: EventKeyDown, Key: "F12"}
	h.win.Dispatch(ev)
	assert.True(t, ev.DefaultPrevented())
	assert.Len(t, rec.violations, 1)
}

func TestNoticeCooldown(t *testing.T) {
	m, h, rec, fc := setup(t)
	m.Enable()

	for i := 0; i < 5; i++ {
		h.dispatch(&Event{Type: EventKeyDown, Key: "F5", Repeat: i > 0})
	}
	h.dispatch(&Event{Type: EventPopState})
	require.Len(t, rec.notices, 1)
	assert.Equal(t, NoticeReloadBlocked, rec.notices[0].Kind)

	fc.Advance(3 * time.Second)
	h.dispatch(&Event{Type: EventPopState})
	require.Len(t, rec.notices, 2)
	assert.Equal(t, NoticeBackBlocked, rec.notices[1].Kind)

	assert.Equal(t, 2, h.pushes, "every popstate re-pushes history")
	assert.Equal(t, 2, m.HistoryPushes())
}

func TestVisibilityIsNotAViolation(t *testing.T) {
	m, h, rec, _ := setup(t)
	m.Enable()

	h.dispatch(&Event{Type: EventVisibilityChange, Hidden: true})
	h.dispatch(&Event{Type: EventVisibilityChange, Hidden: false})

	assert.Equal(t, []bool{true, false}, rec.visibility)
	assert.Empty(t, rec.violations)
}

func TestDisabledMonitorIgnoresEvents(t *testing.T) {
	m, h, rec, _ := setup(t)
	m.Enable()
	m.Disable()

	ev := &Event{Type: EventKeyDown, Key: "F12"}
	h.dispatch(ev)
	assert.False(t, ev.DefaultPrevented())
	assert.Empty(t, rec.violations)
	assert.False(t, m.Enabled())
}
