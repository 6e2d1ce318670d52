package resolver

import (
	"sync"
	"time"

	"github.com/rawblock/expense-engine/internal/ports"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type callOutcome struct {
	failed  bool
	timeout bool
}

// BreakerConfig tunes one per-provider circuit breaker.
type BreakerConfig struct {
	Window          int           // rolling call window, default 50
	ErrorRateOpen   float64       // open at >= this failure ratio
	TimeoutRateOpen float64       // open at >= this timeout ratio
	HalfOpenAfter   time.Duration // probe delay once open
	CloseSuccesses  int           // consecutive successes to close
	MinSamples      int           // no tripping below this many calls
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:          50,
		ErrorRateOpen:   0.30,
		TimeoutRateOpen: 0.10,
		HalfOpenAfter:   30 * time.Second,
		CloseSuccesses:  3,
		MinSamples:      10,
	}
}

// Breaker is a rolling-window circuit breaker around one external provider.
// When open, the resolver skips that tier and falls through to the next.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	clock ports.Clock

	mu          sync.Mutex
	state       breakerState
	window      []callOutcome
	next        int
	filled      int
	openedAt    time.Time
	consecOK    int
	probeIssued bool
}

func NewBreaker(name string, cfg BreakerConfig, clock ports.Clock) *Breaker {
	if cfg.Window <= 0 {
		cfg = DefaultBreakerConfig()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  clock,
		window: make([]callOutcome, cfg.Window),
	}
}

// Allow reports whether a call may proceed. In the open state it admits a
// single probe once the half-open delay has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		// One in-flight probe at a time; Record clears the slot.
		if b.probeIssued {
			return false
		}
		b.probeIssued = true
		return true
	default: // open
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.HalfOpenAfter {
			b.state = breakerHalfOpen
			b.consecOK = 0
			b.probeIssued = true
			return true
		}
		return false
	}
}

// Record feeds one call outcome into the window and moves the state machine.
func (b *Breaker) Record(err error, timedOut bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window[b.next] = callOutcome{failed: err != nil, timeout: timedOut}
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}

	if err == nil {
		b.consecOK++
	} else {
		b.consecOK = 0
	}

	switch b.state {
	case breakerHalfOpen:
		b.probeIssued = false
		if err != nil {
			b.trip()
			return
		}
		if b.consecOK >= b.cfg.CloseSuccesses {
			b.state = breakerClosed
		}
	case breakerClosed:
		if b.filled < b.cfg.MinSamples {
			return
		}
		var fails, timeouts int
		for i := 0; i < b.filled; i++ {
			if b.window[i].failed {
				fails++
			}
			if b.window[i].timeout {
				timeouts++
			}
		}
		failRate := float64(fails) / float64(b.filled)
		timeoutRate := float64(timeouts) / float64(b.filled)
		if failRate >= b.cfg.ErrorRateOpen || timeoutRate >= b.cfg.TimeoutRateOpen {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = breakerOpen
	b.openedAt = b.clock.Now()
	b.consecOK = 0
	b.probeIssued = false
}

// State returns the current state name for the health endpoint.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
