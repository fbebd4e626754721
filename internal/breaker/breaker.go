// Package breaker implements a circuit breaker for calls to unreliable
// external dependencies.
//
// Every cluster API and store call in Nocturne passes through a breaker so
// a degraded dependency fails fast instead of stalling workers. The breaker
// tracks consecutive failures and gates calls through three states: closed
// (normal), open (rejecting), and half-open (probing for recovery).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the breaker rejects a call without
// invoking the operation. Callers must treat it like a transient failure
// and apply their own fallback.
var ErrOpen = errors.New("breaker: circuit open")

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the human-readable name for the state.
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

// Config controls breaker thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit from closed.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before a probe is
	// allowed (open -> half-open).
	OpenTimeout time.Duration

	// HalfOpenMaxCalls is the probe budget in half-open. If the budget is
	// exhausted without a definitive success, the circuit reopens.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the thresholds used for cluster API calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Breaker is a circuit breaker guarding one external dependency.
// Safe for concurrent use. The protected operation runs outside the
// breaker's lock so slow calls do not block state reads.
type Breaker struct {
	name string
	cfg  Config

	// now is stubbed in tests.
	now func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenProbes  int
}

// New creates a Breaker in the closed state. Zero or negative config values
// fall back to defaults.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// Execute runs op if the breaker allows it, recording the outcome.
// While the circuit is open (and the open timeout has not elapsed) or the
// half-open probe budget is exhausted, Execute returns an error wrapping
// ErrOpen without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// allow decides whether a call may proceed, performing the
// open -> half-open transition when the open timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(b.lastFailureTime) >= b.cfg.OpenTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenProbes = 1
			return nil
		}
		return fmt.Errorf("breaker %s: rejecting call: %w", b.name, ErrOpen)

	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenMaxCalls {
			b.halfOpenProbes++
			return nil
		}
		// Probe budget exhausted without a definitive success.
		b.lastFailureTime = now
		b.transition(StateOpen)
		return fmt.Errorf("breaker %s: probe budget exhausted: %w", b.name, ErrOpen)

	default:
		return fmt.Errorf("breaker %s: unknown state: %w", b.name, ErrOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.failureCount = 0
		b.transition(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// A single probe failure reopens the circuit.
		b.transition(StateOpen)
	}
}

// transition changes state while holding the lock.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	log.Printf("breaker: %s transitioning %s -> %s (failures=%d)",
		b.name, b.state, next, b.failureCount)
	b.state = next
	if next == StateHalfOpen {
		b.halfOpenProbes = 0
	}
}
