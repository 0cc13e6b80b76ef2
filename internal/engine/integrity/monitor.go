// Package integrity intercepts browser shortcuts and navigation that would let a
// candidate leave or inspect the assessment page.
package integrity

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Host exposes the two event targets of a page plus the history API.
type Host interface {
	Document() Target
	Window() Target
	PushHistoryState()
}

// NoticeKind identifies a user-visible warning raised by the monitor.
type NoticeKind string

const (
	NoticeReloadBlocked NoticeKind = "reload_blocked"
	NoticeBackBlocked   NoticeKind = "back_blocked"
)

// Notice is a non-fatal warning for the candidate.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

var noticeMessages = map[NoticeKind]string{
	NoticeReloadBlocked: "Reloading the page is disabled during the assessment.",
	NoticeBackBlocked:   "Leaving the assessment page is disabled during the assessment.",
}

// Callbacks receive the monitor's signals. Nil callbacks are skipped.
type Callbacks struct {
	OnViolation  func(category model.ViolationCategory, detail string)
	OnVisibility func(hidden bool)
	OnNotice     func(Notice)
}

// Monitor installs and removes the interceptors on a Host.
type Monitor struct {
	host           Host
	clk            clockwork.Clock
	noticeCooldown time.Duration
	cb             Callbacks
	log            zerolog.Logger

	mu            sync.Mutex
	enabled       bool
	generation    int
	removers      []func()
	lastNotice    time.Time
	noticeShown   bool
	historyPushes int
}

// NewMonitor creates a disabled monitor.
func NewMonitor(host Host, clk clockwork.Clock, noticeCooldown time.Duration, cb Callbacks, log zerolog.Logger) *Monitor {
	return &Monitor{
		host:           host,
		clk:            clk,
		noticeCooldown: noticeCooldown,
		cb:             cb,
		log:            log.With().Str("component", "integrity").Logger(),
	}
}

// Enable installs listeners on both document and window. Calling it while
// enabled does nothing.
func (m *Monitor) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled {
		return
	}
	m.enabled = true
	m.generation++
	gen := m.generation

	doc := m.host.Document()
	win := m.host.Window()

	add := func(t Target, typ EventType, fn func(*Event)) {
		m.removers = append(m.removers, t.AddEventListener(typ, m.guard(gen, fn)))
	}

	add(doc, EventKeyDown, m.onKeyDown)
	add(doc, EventContextMenu, prevent)
	add(doc, EventSelectStart, prevent)
	add(doc, EventDragStart, prevent)
	add(doc, EventVisibilityChange, m.onVisibility)

	// Window-level copies catch events that never reach the document listeners.
	// An event already handled on the document arrives here prevented.
	add(win, EventKeyDown, func(ev *Event) {
		if !ev.DefaultPrevented() {
			m.onKeyDown(ev)
		}
	})
	add(win, EventContextMenu, prevent)
	add(win, EventPopState, m.onPopState)
	add(win, EventBeforeUnload, prevent)

	m.log.Debug().Int("listeners", len(m.removers)).Msg("Integrity monitor enabled")
}

// Disable removes every listener installed by Enable. Calling it while
// disabled does nothing.
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.enabled = false
	for _, remove := range m.removers {
		remove()
	}
	m.removers = nil

	m.log.Debug().Int("history_pushes", m.historyPushes).Msg("Integrity monitor disabled")
}

// Enabled reports whether listeners are installed.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// HistoryPushes returns how many history entries were pushed to undo back navigation.
func (m *Monitor) HistoryPushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyPushes
}

// guard drops events delivered to a listener from an earlier enable cycle.
func (m *Monitor) guard(gen int, fn func(*Event)) Listener {
	return func(ev *Event) {
		m.mu.Lock()
		live := m.enabled && m.generation == gen
		m.mu.Unlock()
		if live {
			fn(ev)
		}
	}
}

func prevent(ev *Event) { ev.PreventDefault() }

func (m *Monitor) onKeyDown(ev *Event) {
	switch classifyKey(ev) {
	case keyReload:
		ev.PreventDefault()
		m.notice(NoticeReloadBlocked)
	case keySave, keyPrint:
		ev.PreventDefault()
	case keyDevTools:
		ev.PreventDefault()
		if m.cb.OnViolation != nil {
			m.cb.OnViolation(model.ViolationDevTools, describeKey(ev))
		}
	}
}

func (m *Monitor) onPopState(ev *Event) {
	ev.PreventDefault()
	m.host.PushHistoryState()

	m.mu.Lock()
	m.historyPushes++
	pushes := m.historyPushes
	m.mu.Unlock()

	m.log.Debug().Int("history_pushes", pushes).Msg("Back navigation suppressed")
	m.notice(NoticeBackBlocked)
}

func (m *Monitor) onVisibility(ev *Event) {
	if m.cb.OnVisibility != nil {
		m.cb.OnVisibility(ev.Hidden)
	}
}

// notice shows at most one reload/back warning per cooldown window.
func (m *Monitor) notice(kind NoticeKind) {
	now := m.clk.Now()

	m.mu.Lock()
	if m.noticeShown && now.Sub(m.lastNotice) < m.noticeCooldown {
		m.mu.Unlock()
		return
	}
	m.noticeShown = true
	m.lastNotice = now
	m.mu.Unlock()

	if m.cb.OnNotice != nil {
		m.cb.OnNotice(Notice{Kind: kind, Message: noticeMessages[kind]})
	}
}

type keyClass int

const (
	keyAllowed keyClass = iota
	keyReload
	keySave
	keyPrint
	keyDevTools
)

// classifyKey maps a keydown to the shortcut it would trigger.
// Ctrl covers Windows/Linux, Meta covers macOS.
func classifyKey(ev *Event) keyClass {
	key := strings.ToLower(ev.Key)
	if ev.Code != "" && strings.HasPrefix(ev.Code, "Key") {
		key = strings.ToLower(strings.TrimPrefix(ev.Code, "Key"))
	}
	mod := ev.Ctrl || ev.Meta

	switch {
	case key == "f5":
		return keyReload
	case key == "f12":
		return keyDevTools
	case mod && key == "r":
		return keyReload
	case ev.Ctrl && ev.Shift && (key == "i" || key == "j" || key == "c"):
		return keyDevTools
	case ev.Meta && ev.Alt && (key == "i" || key == "j" || key == "c"):
		return keyDevTools
	case mod && key == "u":
		return keyDevTools
	case mod && key == "s":
		return keySave
	case mod && key == "p":
		return keyPrint
	}
	return keyAllowed
}

func describeKey(ev *Event) string {
	var parts []string
	if ev.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if ev.Meta {
		parts = append(parts, "Meta")
	}
	if ev.Alt {
		parts = append(parts, "Alt")
	}
	if ev.Shift {
		parts = append(parts, "Shift")
	}
	key := ev.Key
	if len(key) == 1 {
		key = strings.ToUpper(key)
	}
	return strings.Join(append(parts, key), "+")
}
