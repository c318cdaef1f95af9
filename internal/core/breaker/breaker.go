package breaker

import (
	"fmt"
	"sync"
	"time"

	platformerrors "tts-gateway/internal/platform/errors"
)

// State is the circuit breaker state for one provider.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// Config controls breaker behaviour for every provider.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int

	// ResetTimeout is how long an open circuit rejects permits before a
	// half-open trial is allowed.
	ResetTimeout time.Duration

	// HalfOpenMaxTrials bounds concurrent trials in the half-open state.
	HalfOpenMaxTrials int

	// OnStateChange is invoked outside the lock on every transition.
	OnStateChange func(providerID string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxTrials: 1,
	}
}

type providerState struct {
	state             State
	failureCount      int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
}

// Registry tracks one breaker per provider id. Permits are single-use leases;
// each lease must be resolved exactly once with Success or Failure.
type Registry struct {
	cfg    Config
	mu     sync.Mutex
	states map[string]*providerState
	now    func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxTrials <= 0 {
		cfg.HalfOpenMaxTrials = 1
	}
	return &Registry{
		cfg:    cfg,
		states: make(map[string]*providerState),
		now:    time.Now,
	}
}

// Lease is a single-use permit for one synthesis attempt.
type Lease struct {
	registry   *Registry
	providerID string
	trial      bool
	once       sync.Once
}

// Success records a successful synthesis.
func (l *Lease) Success() {
	l.once.Do(func() {
		l.registry.record(l.providerID, l.trial, true)
	})
}

// Failure records a failed synthesis.
func (l *Lease) Failure() {
	l.once.Do(func() {
		l.registry.record(l.providerID, l.trial, false)
	})
}

func (r *Registry) stateLocked(providerID string) *providerState {
	st, ok := r.states[providerID]
	if !ok {
		st = &providerState{state: StateClosed}
		r.states[providerID] = st
	}
	return st
}

// Permit asks the breaker whether a synthesis attempt may start. A denied
// permit carries the breaker_open error kind.
func (r *Registry) Permit(providerID string) (*Lease, error) {
	r.mu.Lock()
	st := r.stateLocked(providerID)
	now := r.now()

	var transition func()
	var lease *Lease
	var err error

	switch st.state {
	case StateOpen:
		if now.Sub(st.openedAt) < r.cfg.ResetTimeout {
			err = platformerrors.New(platformerrors.KindBreakerOpen, "permit",
				fmt.Sprintf("circuit open for provider %q", providerID))
			break
		}
		transition = r.transitionLocked(providerID, st, StateHalfOpen)
		st.halfOpenInFlight = 1
		st.halfOpenSuccesses = 0
		lease = &Lease{registry: r, providerID: providerID, trial: true}
	case StateHalfOpen:
		if st.halfOpenInFlight >= r.cfg.HalfOpenMaxTrials {
			err = platformerrors.New(platformerrors.KindBreakerOpen, "permit",
				fmt.Sprintf("half-open trial limit reached for provider %q", providerID))
			break
		}
		st.halfOpenInFlight++
		lease = &Lease{registry: r, providerID: providerID, trial: true}
	default:
		lease = &Lease{registry: r, providerID: providerID}
	}
	r.mu.Unlock()

	if transition != nil {
		transition()
	}
	return lease, err
}

// record resolves a lease outcome and advances the state machine.
func (r *Registry) record(providerID string, trial, success bool) {
	r.mu.Lock()
	st := r.stateLocked(providerID)

	var transition func()
	if trial {
		st.halfOpenInFlight--
		if st.halfOpenInFlight < 0 {
			st.halfOpenInFlight = 0
		}
	}

	if success {
		switch st.state {
		case StateHalfOpen:
			st.halfOpenSuccesses++
			if st.halfOpenSuccesses >= r.cfg.HalfOpenMaxTrials {
				transition = r.transitionLocked(providerID, st, StateClosed)
				st.failureCount = 0
				st.halfOpenSuccesses = 0
			}
		case StateClosed:
			st.failureCount = 0
		}
	} else {
		switch st.state {
		case StateHalfOpen:
			transition = r.transitionLocked(providerID, st, StateOpen)
			st.openedAt = r.now()
			st.halfOpenSuccesses = 0
		case StateClosed:
			st.failureCount++
			if st.failureCount >= r.cfg.FailureThreshold {
				transition = r.transitionLocked(providerID, st, StateOpen)
				st.openedAt = r.now()
			}
		}
	}
	r.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// transitionLocked flips the state and returns the callback to run outside
// the lock.
func (r *Registry) transitionLocked(providerID string, st *providerState, to State) func() {
	from := st.state
	st.state = to
	if r.cfg.OnStateChange == nil || from == to {
		return nil
	}
	cb := r.cfg.OnStateChange
	return func() { cb(providerID, from, to) }
}

// State reports the current state for a provider.
func (r *Registry) State(providerID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[providerID]
	if !ok {
		return StateClosed
	}
	return st.state
}
