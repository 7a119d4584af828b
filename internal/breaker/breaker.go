// Package breaker implements a keyed circuit breaker (the execution
// engine keys it by backend name): once a key fails repeatedly the
// breaker opens and the engine skips it until a recovery timeout
// elapses, at which point a limited number of probe requests (one by
// default) are allowed through before the breaker fully closes again.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type entry struct {
	state          State
	failureCount   int
	lastFailure    time.Time
	halfOpenCalls  int
}

// Breaker tracks circuit state per key. A single Breaker is shared by
// the execution engine, which uses backend names as keys.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	entries map[string]*entry
}

func New(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 1
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		entries:          make(map[string]*entry),
	}
}

func (b *Breaker) get(modelID string) *entry {
	e, ok := b.entries[modelID]
	if !ok {
		e = &entry{state: Closed}
		b.entries[modelID] = e
	}
	return e
}

// ShouldAllow reports whether a request to modelID should proceed,
// along with a short machine-readable reason.
func (b *Breaker) ShouldAllow(modelID string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(modelID)
	switch e.state {
	case Closed:
		return true, "circuit_closed"
	case Open:
		if time.Since(e.lastFailure) >= b.recoveryTimeout {
			e.state = HalfOpen
			e.halfOpenCalls = 1
			return true, "circuit_testing_recovery"
		}
		wait := b.recoveryTimeout - time.Since(e.lastFailure)
		return false, fmt.Sprintf("circuit_open_wait_%ds", int(wait.Seconds()))
	case HalfOpen:
		if e.halfOpenCalls < b.halfOpenMaxCalls {
			e.halfOpenCalls++
			return true, "circuit_half_open_testing"
		}
		return false, "circuit_half_open_limit_reached"
	default:
		return false, "circuit_unknown_state"
	}
}

// RecordSuccess registers a successful call. In CLOSED state this
// only decrements the failure count toward zero; it does not clear
// it outright, so an intermittently flaky model still accumulates
// pressure toward opening rather than getting a clean slate on every
// lucky call.
func (b *Breaker) RecordSuccess(modelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(modelID)
	switch e.state {
	case HalfOpen:
		e.state = Closed
		e.failureCount = 0
		e.halfOpenCalls = 0
	case Closed:
		if e.failureCount > 0 {
			e.failureCount--
		}
	}
}

// RecordFailure registers a failed call, possibly opening the circuit.
func (b *Breaker) RecordFailure(modelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(modelID)
	e.failureCount++
	e.lastFailure = time.Now()

	switch e.state {
	case HalfOpen:
		e.state = Open
	case Closed:
		if e.failureCount >= b.failureThreshold {
			e.state = Open
		}
	}
}

func (b *Breaker) State(modelID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(modelID).state
}

// Reset forces modelID's circuit back to closed.
func (b *Breaker) Reset(modelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(modelID)
	e.state = Closed
	e.failureCount = 0
	e.halfOpenCalls = 0
}

// Status is a snapshot suitable for health endpoints and logging.
type Status struct {
	ModelID      string
	State        string
	FailureCount int
}

func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, len(b.entries))
	for id, e := range b.entries {
		out = append(out, Status{ModelID: id, State: e.state.String(), FailureCount: e.failureCount})
	}
	return out
}
