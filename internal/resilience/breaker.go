package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned by Allow when the breaker is open.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// Breaker is a circuit breaker guarding a single upstream. After
// FailureThreshold consecutive failures it opens for Cooldown, then
// allows a single probe in half-open state.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	probing          bool

	nowFunc func() time.Time
}

// NewBreaker returns a closed breaker. A failureThreshold of zero
// defaults to 5, a zero cooldown defaults to 30s.
func NewBreaker(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		nowFunc:          time.Now,
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen
// when the breaker is open and the cooldown has not elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFunc().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record reports the outcome of a call previously admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}

	if b.state == StateHalfOpen {
		b.trip()
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.failures = 0
	b.probing = false
	b.openedAt = b.nowFunc()
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFunc().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}
