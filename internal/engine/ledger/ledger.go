// Package ledger counts integrity violations and decides when a session must be
// force-submitted.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Config tunes escalation.
type Config struct {
	// MaxViolations is the total at which forced submission is signalled.
	// Zero or less disables escalation.
	MaxViolations int
	// DuplicateWindow suppresses a repeat of the same category inside the window.
	DuplicateWindow time.Duration
	// TimelineCap bounds the in-memory list of recent events.
	TimelineCap int
}

// Ledger aggregates violation events into per-category counters and a total.
// Counters only grow. Safe for concurrent use.
type Ledger struct {
	clk         clockwork.Clock
	cfg         Config
	onThreshold func(model.ProctoringMetadata)

	mu         sync.Mutex
	meta       model.ProctoringMetadata
	byCategory map[model.ViolationCategory]int
	lastSeen   map[model.ViolationCategory]time.Time
	timeline   []model.ViolationEvent
	signalled  bool
}

// New creates an empty ledger. onThreshold is the one-shot force-submit signal;
// it is called without the ledger lock held.
func New(clk clockwork.Clock, cfg Config, onThreshold func(model.ProctoringMetadata)) *Ledger {
	if cfg.TimelineCap <= 0 {
		cfg.TimelineCap = 20
	}
	return &Ledger{
		clk:         clk,
		cfg:         cfg,
		onThreshold: onThreshold,
		byCategory:  make(map[model.ViolationCategory]int),
		lastSeen:    make(map[model.ViolationCategory]time.Time),
	}
}

// RecordViolation counts one event of the category. It returns the recorded event
// and false when the event was dropped as a duplicate of the same category.
func (l *Ledger) RecordViolation(category model.ViolationCategory, detail string) (model.ViolationEvent, bool) {
	now := l.clk.Now()

	l.mu.Lock()
	if last, ok := l.lastSeen[category]; ok && l.cfg.DuplicateWindow > 0 && now.Sub(last) < l.cfg.DuplicateWindow {
		l.mu.Unlock()
		return model.ViolationEvent{}, false
	}
	l.lastSeen[category] = now

	ev := model.ViolationEvent{
		ID:        uuid.NewString(),
		Category:  category,
		Timestamp: now,
		Detail:    detail,
	}

	l.byCategory[category]++
	switch category {
	case model.ViolationTabSwitch:
		l.meta.TabSwitches++
	case model.ViolationFullscreenExit:
		l.meta.FullscreenExits++
	case model.ViolationFaceAbsent, model.ViolationMultipleFaces:
		l.meta.FaceViolations++
	}
	l.meta.TotalViolationCount++

	l.timeline = append(l.timeline, ev)
	if over := len(l.timeline) - l.cfg.TimelineCap; over > 0 {
		l.timeline = append(l.timeline[:0:0], l.timeline[over:]...)
	}

	crossed := l.checkThreshold()
	meta := l.meta
	l.mu.Unlock()

	if crossed && l.onThreshold != nil {
		l.onThreshold(meta)
	}
	return ev, true
}

// checkThreshold flips the reached flag once. Caller holds mu.
func (l *Ledger) checkThreshold() bool {
	if l.signalled || l.cfg.MaxViolations <= 0 {
		return false
	}
	if l.meta.TotalViolationCount < l.cfg.MaxViolations {
		return false
	}
	l.meta.ViolationThresholdReached = true
	l.signalled = true
	return true
}

// CurrentCounts returns a snapshot of the counters.
func (l *Ledger) CurrentCounts() model.ProctoringMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

// CategoryCount returns the count for one category, including those not
// broken out in ProctoringMetadata.
func (l *Ledger) CategoryCount(category model.ViolationCategory) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byCategory[category]
}

// Timeline returns the most recent events, oldest first.
func (l *Ledger) Timeline() []model.ViolationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.ViolationEvent, len(l.timeline))
	copy(out, l.timeline)
	return out
}

// Restore seeds an empty ledger from a persisted snapshot so a resumed session
// never starts below what was already recorded. A restored threshold does not
// signal again. Restore is a no-op once anything has been recorded.
func (l *Ledger) Restore(meta model.ProctoringMetadata, logs []model.ViolationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.meta.TotalViolationCount > 0 {
		return
	}

	known := meta.TabSwitches + meta.FullscreenExits + meta.FaceViolations
	if meta.TotalViolationCount < known {
		meta.TotalViolationCount = known
	}
	l.meta = meta
	l.byCategory[model.ViolationTabSwitch] = meta.TabSwitches
	l.byCategory[model.ViolationFullscreenExit] = meta.FullscreenExits
	// Face and other categories are not broken out in the snapshot; the
	// remainder is attributed to devtools attempts.
	l.byCategory[model.ViolationDevTools] = meta.TotalViolationCount - known

	if len(logs) > l.cfg.TimelineCap {
		logs = logs[len(logs)-l.cfg.TimelineCap:]
	}
	l.timeline = append([]model.ViolationEvent(nil), logs...)
	l.signalled = meta.ViolationThresholdReached
}

// ThresholdReached reports whether the force-submit signal has been emitted.
func (l *Ledger) ThresholdReached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta.ViolationThresholdReached
}
