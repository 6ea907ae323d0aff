// Package breaker implements a small circuit breaker used in front of
// external services: consecutive failures open the circuit, a cool-down
// lets a limited number of probes through, and enough probe successes
// close it again.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/khma-io/khma-node/log"
)

// ErrOpen is returned by Do while the circuit rejects calls.
var ErrOpen = errors.New("circuit open")

// State of the circuit.
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
		return "half-open"
	}
	return "unknown"
}

// Breaker is a concurrency-safe circuit breaker.
type Breaker struct {
	name             string
	failureThreshold int
	coolDown         time.Duration
	probeSuccesses   int

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// New creates a closed breaker. It opens after failureThreshold consecutive
// failures, probes after coolDown, and closes after probeSuccesses
// consecutive probe successes.
func New(name string, failureThreshold int, coolDown time.Duration, probeSuccesses int) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		coolDown:         coolDown,
		probeSuccesses:   probeSuccesses,
		now:              time.Now,
	}
}

// Do runs fn if the circuit admits the call and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// Allow reports whether a call may proceed, moving an open circuit to
// half-open once the cool-down elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.coolDown {
			b.state = HalfOpen
			b.successes = 0
			log.Debugw("circuit probing", "breaker", b.name)
			return true
		}
		return false
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.probeSuccesses {
			b.state = Closed
			b.failures = 0
			log.Infow("circuit closed", "breaker", b.name)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case HalfOpen:
		// one failed probe reopens immediately
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
	log.Warnw("circuit opened", "breaker", b.name, "failures", b.failures)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
