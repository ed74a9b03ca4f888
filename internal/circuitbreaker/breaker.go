// Package circuitbreaker stops calling a payment provider operation that
// keeps failing. Circuits are keyed "<provider>:<op>" so a Stripe outage on
// transfers does not block refunds or verification.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/safehold/internal/clock"
)

// ErrOpen matches every rejection made by an open or probing circuit.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is rejected without reaching the provider.
type OpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry in %s)", e.Key, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "safehold",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Gateway circuit state changes by circuit key.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	streak   int // consecutive counted failures
	openedAt time.Time
}

// Breaker holds one circuit per key, created on first failure.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	notify    func(key string, from, to State)
}

// New returns a breaker on the system clock. Non-positive arguments fall
// back to 5 failures and a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	return NewWithClock(threshold, cooldown, clock.System{})
}

// NewWithClock is New with an injected clock.
func NewWithClock(threshold int, cooldown time.Duration, c clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     c,
	}
}

// OnTransition registers fn, called on its own goroutine for every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// Execute runs fn unless the circuit for key is rejecting calls. Only
// errors for which countable reports true count toward tripping; a nil
// countable counts every error. Any other outcome proves the provider is
// reachable and resets the streak.
func (b *Breaker) Execute(key string, countable func(error) bool, fn func() error) error {
	if err := b.admit(key); err != nil {
		return err
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key may proceed. Once the cooldown has
// passed an open circuit admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	return b.admit(key) == nil
}

func (b *Breaker) admit(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return nil
	}
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.clock.Now().Sub(c.openedAt)
		if elapsed >= b.cooldown {
			b.move(key, c, StateHalfOpen)
			return nil
		}
		return &OpenError{Key: key, RetryAfter: b.cooldown - elapsed}
	default:
		// A probe is already in flight.
		return &OpenError{Key: key}
	}
}

// RecordSuccess clears the failure streak and closes a probing circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.streak = 0
	if c.state == StateHalfOpen {
		b.move(key, c, StateClosed)
	}
}

// RecordFailure extends the streak. The circuit opens at the threshold,
// or at once when a probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.streak++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.streak >= b.threshold) {
		c.openedAt = b.clock.Now()
		b.move(key, c, StateOpen)
	}
}

// State returns the state of key. Keys never seen are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// b.mu must be held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.notify; fn != nil {
		go fn(key, from, to)
	}
}
