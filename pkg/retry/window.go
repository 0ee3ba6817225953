package retry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// WindowConfig bounds one reconnection episode.
type WindowConfig struct {
	// LostTimeout is when the episode is reported as lost; attempts continue.
	LostTimeout time.Duration
	// FailTimeout is the outer bound after which attempts stop for good.
	FailTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// WindowHandlers are invoked from clock goroutines. Callers that own state
// must hop onto their own executor.
type WindowHandlers struct {
	OnAttempt func(attempt int)
	OnLost    func()
	OnExpired func()
}

// Window schedules reconnection attempts with exponential backoff inside a
// bounded time window. The attempt itself is run by the caller, which reports
// the outcome through AttemptFailed or Stop.
type Window struct {
	cfg      WindowConfig
	clock    clock.Clock
	handlers WindowHandlers
	backoff  *backoff.ExponentialBackOff

	mu          sync.Mutex
	running     bool
	attempts    int
	startedAt   time.Time
	lostTimer   *clock.Timer
	failTimer   *clock.Timer
	nextAttempt *clock.Timer
}

func NewWindow(cfg WindowConfig, clk clock.Clock, h WindowHandlers) *Window {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()

	return &Window{
		cfg:      cfg,
		clock:    clk,
		handlers: h,
		backoff:  b,
	}
}

// Start arms the lost and fail deadlines and fires the first attempt
// immediately. Calling Start on a running window is a no-op.
func (w *Window) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.startedAt = w.clock.Now()
	w.backoff.Reset()

	w.lostTimer = w.clock.AfterFunc(w.cfg.LostTimeout, func() {
		if w.isRunning() && w.handlers.OnLost != nil {
			w.handlers.OnLost()
		}
	})
	w.failTimer = w.clock.AfterFunc(w.cfg.FailTimeout, func() {
		if !w.stop() {
			return
		}
		if w.handlers.OnExpired != nil {
			w.handlers.OnExpired()
		}
	})
	w.attempts++
	go w.fire(w.attempts)
}

// AttemptFailed schedules the next attempt after the backoff delay.
func (w *Window) AttemptFailed() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	wait := w.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = w.cfg.MaxBackoff
	}
	w.scheduleLocked(wait)
}

// Stop cancels every pending timer. It reports whether the window was running.
func (w *Window) Stop() bool {
	return w.stop()
}

// Attempts returns how many attempts have been fired.
func (w *Window) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

// Elapsed returns the time since Start.
func (w *Window) Elapsed() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startedAt.IsZero() {
		return 0
	}
	return w.clock.Since(w.startedAt)
}

func (w *Window) scheduleLocked(wait time.Duration) {
	if w.nextAttempt != nil {
		w.nextAttempt.Stop()
	}
	w.nextAttempt = w.clock.AfterFunc(wait, func() {
		w.mu.Lock()
		if !w.running {
			w.mu.Unlock()
			return
		}
		w.attempts++
		n := w.attempts
		w.mu.Unlock()

		w.fire(n)
	})
}

func (w *Window) fire(n int) {
	if w.isRunning() && w.handlers.OnAttempt != nil {
		w.handlers.OnAttempt(n)
	}
}

func (w *Window) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Window) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return false
	}
	w.running = false
	for _, t := range []*clock.Timer{w.lostTimer, w.failTimer, w.nextAttempt} {
		if t != nil {
			t.Stop()
		}
	}
	return true
}
