package media

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Guard sweeps media whenever the route leaves the allow-list.
type Guard struct {
	mgr     *Manager
	clk     clockwork.Clock
	allowed []*regexp.Regexp
	delay   time.Duration
	retry   time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	route  string
	timers []clockwork.Timer
	closed bool
}

// NewGuard compiles the allowed route patterns. A disallowed route is swept
// after delay and once more retry later, which catches streams re-attached
// while the previous page unmounts.
func NewGuard(mgr *Manager, clk clockwork.Clock, patterns []string, delay, retry time.Duration, log zerolog.Logger) (*Guard, error) {
	allowed := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile route pattern %q: %w", p, err)
		}
		allowed = append(allowed, re)
	}
	return &Guard{
		mgr:     mgr,
		clk:     clk,
		allowed: allowed,
		delay:   delay,
		retry:   retry,
		log:     log.With().Str("component", "media_guard").Logger(),
	}, nil
}

// Allowed reports whether media may stay active on route.
func (g *Guard) Allowed(route string) bool {
	for _, re := range g.allowed {
		if re.MatchString(route) {
			return true
		}
	}
	return false
}

// Route returns the last route reported.
func (g *Guard) Route() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.route
}

// OnRouteChange records the destination route and schedules the double sweep
// when it is not allowed. Returning to an allowed route cancels pending sweeps.
// It reports whether a sweep was scheduled.
func (g *Guard) OnRouteChange(route string) bool {
	allowed := g.Allowed(route)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.route = route
	if g.closed {
		return false
	}
	g.cancelLocked()
	if allowed {
		return false
	}

	g.log.Debug().Str("route", route).Msg("Route not allowed for media, scheduling sweep")
	g.timers = append(g.timers,
		g.clk.AfterFunc(g.delay, g.mgr.StopAllMediaTracks),
		g.clk.AfterFunc(g.delay+g.retry, g.mgr.StopAllMediaTracks),
	)
	return true
}

// Close cancels pending sweeps. Later route changes are recorded but not acted on.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cancelLocked()
}

func (g *Guard) cancelLocked() {
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
}
