package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Runner calls a tick function on a fixed interval from one goroutine.
// Start and Stop are idempotent; a second Start while running is a no-op.
type Runner struct {
	clk      clockwork.Clock
	interval time.Duration
	tick     func()

	// OnPanic, when set, receives a value recovered from tick. The runner is
	// stopped by then.
	OnPanic func(v any)

	mu   sync.Mutex
	stop chan struct{}
}

// NewRunner creates a stopped Runner. The tick function must not block for long;
// a slow tick delays (never stacks) the following ones.
func NewRunner(clk clockwork.Clock, interval time.Duration, tick func()) *Runner {
	return &Runner{clk: clk, interval: interval, tick: tick}
}

// Start begins ticking if not already running.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return
	}
	stop := make(chan struct{})
	r.stop = stop

	ticker := r.clk.NewTicker(r.interval)
	go r.loop(ticker, stop)
}

// Stop halts ticking. It does not wait for an in-progress tick to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop == nil {
		return
	}
	close(r.stop)
	r.stop = nil
}

// Running reports whether the runner is started.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

func (r *Runner) loop(ticker clockwork.Ticker, stop chan struct{}) {
	// The ticker is released even when tick panics.
	defer ticker.Stop()
	defer r.release(stop)

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			select {
			case <-stop:
				return
			default:
			}
			r.tick()
		}
	}
}

// release stops the runner if tick panicked.
func (r *Runner) release(stop chan struct{}) {
	rec := recover()
	if rec == nil {
		return
	}
	r.mu.Lock()
	if r.stop == stop {
		close(stop)
		r.stop = nil
	}
	r.mu.Unlock()

	if r.OnPanic != nil {
		r.OnPanic(rec)
	}
}
