// Package circuitbreaker protects the supervisor from guild VMs that crash
// in a loop. A script that immediately allocates to the heap limit would
// otherwise be respawned as fast as the isolate can boot, burning a core
// forever.
//
// # State machine
//
//	Closed ──(crashes in window ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                               │
//	  └────────────────(probe respawn survives)───────────────────────────────────────┘
//	                    (probe crashes again) ──────────────────────────────────► Open
//
// # Why a sliding window
//
// A fixed counter resets on schedule regardless of crash cadence; a burst
// of crashes just before the reset is silently forgiven. The sliding window
// always reflects the last WindowDuration of crashes, so a slow stable leak
// and a tight OOM loop are distinguished correctly.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // respawns pass through
	StateOpen                  // respawns are rejected
	StateHalfOpen              // one probe respawn is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker configuration.
type Config struct {
	// MaxCrashes within WindowDuration trips the breaker.
	MaxCrashes     int
	WindowDuration time.Duration
	// OpenDuration is how long respawns stay rejected before one probe is
	// allowed through.
	OpenDuration time.Duration
	// ProbeSurvival is how long a probe respawn must stay alive for the
	// breaker to close again.
	ProbeSurvival time.Duration
}

// DefaultConfig allows three crashes per minute and backs off for five.
func DefaultConfig() Config {
	return Config{
		MaxCrashes:     3,
		WindowDuration: time.Minute,
		OpenDuration:   5 * time.Minute,
		ProbeSurvival:  30 * time.Second,
	}
}

// Breaker is a per-guild respawn breaker. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	crashes  []time.Time // crash timestamps within the window
	openedAt time.Time
	probedAt time.Time // when the half-open probe respawn happened
}

func New(cfg Config) *Breaker {
	if cfg.MaxCrashes <= 0 {
		cfg.MaxCrashes = 1
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a respawn may proceed now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.probedAt = now
			return true
		}
		return false
	case StateHalfOpen:
		// the probe is already out; close only via RecordCrash silence
		if now.Sub(b.probedAt) >= b.cfg.ProbeSurvival {
			b.state = StateClosed
			b.crashes = b.crashes[:0]
			return true
		}
		return false
	}
	return true
}

// RecordCrash notes that the guild VM died abnormally. Returns the state
// after recording, so callers can log trips.
func (b *Breaker) RecordCrash() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateHalfOpen:
		if now.Sub(b.probedAt) >= b.cfg.ProbeSurvival {
			// the probe lived long enough; treat this as a fresh crash in a
			// closed breaker
			b.state = StateClosed
			b.crashes = b.crashes[:0]
		} else {
			// probe crashed straight away, reopen
			b.state = StateOpen
			b.openedAt = now
			return b.state
		}
	case StateOpen:
		return b.state
	}

	b.crashes = append(b.crashes, now)
	b.trimWindow(now)
	if len(b.crashes) >= b.cfg.MaxCrashes {
		b.state = StateOpen
		b.openedAt = now
	}
	return b.state
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.probedAt = time.Now()
	}
	return b.state
}

// maxWindowEntries caps the crash slice against pathological loops.
const maxWindowEntries = 1000

func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.crashes = trimBefore(b.crashes, cutoff)
	if len(b.crashes) > maxWindowEntries {
		b.crashes = b.crashes[len(b.crashes)-maxWindowEntries:]
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}
