package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when a call is rejected without a network attempt.
var ErrOpen = errors.New("circuit open: service unavailable")

// State is the classic three-state circuit breaker state.
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

// Settings tunes one breaker instance.
type Settings struct {
	// Consecutive failures in closed state before the breaker opens.
	FailureThreshold int
	// Consecutive half-open successes before the breaker closes again.
	SuccessThreshold int
	// Cooldown after the last failure before probes are admitted.
	Timeout time.Duration
}

// DefaultSettings matches the transcription service defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          120 * time.Second,
	}
}

// Breaker gates calls to one external service. Shared by every session in
// the process, so all accounting happens under a single mutex.
type Breaker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	now func() time.Time
}

func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 1
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
	}
}

// Call runs fn if the breaker admits it and records the outcome. An open
// rejection is reported as ErrOpen and is not counted as a failure.
func (b *Breaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) >= b.settings.Timeout {
			// Cooldown elapsed; admit this call as a probe.
			b.state = StateHalfOpen
			b.successes = 0
			return nil
		}
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
			}
		case StateClosed:
			b.failures = 0
		}
		return
	}

	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		// One failed probe re-opens immediately.
		b.state = StateOpen
		b.successes = 0
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// Snapshot is a point-in-time view of breaker accounting, for diagnostics.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failure_count"`
	Successes   int       `json:"success_count"`
	LastFailure time.Time `json:"last_failure_time,omitzero"`
}

// Snapshot reports current state without transitioning it.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
}

// Registry holds one breaker per external service name. Constructed once at
// process start and passed to the pipeline, never a package-level singleton,
// so tests get isolated instances.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: map[string]*Breaker{}}
}

// Get returns the breaker for name, creating it with settings on first use.
// Settings of an existing breaker are not changed.
func (r *Registry) Get(name string, settings Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, settings)
	r.breakers[name] = b
	return b
}

// Snapshots reports every registered breaker, for the diagnostics endpoint.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
