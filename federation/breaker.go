package federation

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

type hostState struct {
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
}

// breaker skips a destination host after threshold consecutive transient
// failures until cooldown has passed. One probe is let through half-open.
type breaker struct {
	mu        sync.Mutex
	states    map[string]*hostState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		states:    make(map[string]*hostState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *breaker) allow(host string) error {
	if b.threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[host]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if b.now().Sub(s.openedAt) >= b.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) recordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, host)
}

func (b *breaker) recordFailure(host string) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[host]
	if !ok {
		s = &hostState{}
		b.states[host] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= b.threshold {
		s.state = stateOpen
		s.openedAt = b.now()
	}
}
