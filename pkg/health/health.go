// Package health tracks component health from the outcome of their calls
// and degrades a component after consecutive failures.
package health

import (
	"context"
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dashperf/dashperf/pkg/errors"
)

// State is the health state of a component.
type State int

const (
	// StateHealthy means the component is fully operational.
	StateHealthy State = iota
	// StateDegraded means calls fail often but the component still serves.
	StateDegraded
	// StateUnavailable means the component is failing consistently.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth is a snapshot of one component.
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
}

// Config sets the degradation thresholds.
type Config struct {
	// ErrorThreshold consecutive errors mark a component degraded.
	ErrorThreshold int `yaml:"error_threshold"`
	// UnavailableThreshold consecutive errors mark it unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold"`
	// CheckInterval drives StartHealthChecks.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
	}
}

// StateChangeCallback is called when a component changes state.
type StateChangeCallback func(component string, oldState, newState State, err error)

// Tracker tracks the health of named components.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     Config
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// NewTracker creates a tracker. Non-positive thresholds take the defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.UnavailableThreshold < cfg.ErrorThreshold {
		cfg.UnavailableThreshold = cfg.ErrorThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     cfg,
		now:        time.Now,
	}
}

// RegisterComponent starts tracking name as healthy.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}
	}
}

// Record records the outcome of one call. Errors caused by the caller, such
// as validation failures, unknown keys or cancellation, are not held against
// the component.
func (t *Tracker) Record(component string, err error) {
	if err != nil && !countsAgainst(err) {
		return
	}
	if err == nil {
		t.RecordSuccess(component)
		return
	}
	t.RecordError(component, err)
}

// RecordSuccess decrements the error streak and restores a component to
// healthy once the streak is cleared.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}
	oldState := h.State
	h.LastCheck = t.now()
	if h.ConsecutiveErrors > 0 {
		h.ConsecutiveErrors--
		if h.ConsecutiveErrors == 0 && h.State != StateHealthy {
			t.transition(h, StateHealthy)
		}
	}
	newState := h.State
	t.mu.Unlock()

	if oldState != newState {
		t.notify(component, oldState, newState, nil)
	}
}

// RecordError extends the error streak and degrades the component once a
// threshold is reached.
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}
	oldState := h.State
	h.LastCheck = t.now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		t.transition(h, StateUnavailable)
	case h.ConsecutiveErrors >= t.config.ErrorThreshold && h.State == StateHealthy:
		t.transition(h, StateDegraded)
	}
	newState := h.State
	t.mu.Unlock()

	if oldState != newState {
		t.notify(component, oldState, newState, err)
	}
}

// transition changes state. Caller holds t.mu.
func (t *Tracker) transition(h *ComponentHealth, state State) {
	h.State = state
	h.LastStateChange = t.now()
	if state == StateHealthy {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
	}
}

func (t *Tracker) notify(component string, oldState, newState State, err error) {
	t.mu.RLock()
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.RUnlock()
	for _, cb := range callbacks {
		cb(component, oldState, newState, err)
	}
}

// OnStateChange registers a callback run synchronously on every transition.
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// State returns the state of a component; unknown components are unavailable.
func (t *Tracker) State(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// Component returns a snapshot of one component.
func (t *Tracker) Component(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, errors.NewNotFound("health", component)
	}
	return *h, nil
}

// Components returns snapshots of every component sorted by name.
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		out = append(out, *h)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst component state.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// Check returns an error when component is unavailable, for use as a health
// check.
func (t *Tracker) Check(component string) func() error {
	return func() error {
		h, err := t.Component(component)
		if err != nil {
			return err
		}
		if h.State == StateUnavailable {
			return fmt.Errorf("%s unavailable after %d consecutive errors: %s", component, h.ConsecutiveErrors, h.LastErrorMessage)
		}
		return nil
	}
}

// Probe actively checks one component.
type Probe func(ctx context.Context) error

// StartHealthChecks runs every probe on the check interval until ctx is
// done, recording each outcome against the probe's component.
func (t *Tracker) StartHealthChecks(ctx context.Context, probes map[string]Probe) {
	for name := range probes {
		t.RegisterComponent(name)
	}
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.performHealthChecks(ctx, probes)
		}
	}
}

func (t *Tracker) performHealthChecks(ctx context.Context, probes map[string]Probe) {
	for name, probe := range probes {
		if err := probe(ctx); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// Statistics reports each component's state and error streak.
func (t *Tracker) Statistics() map[string]float64 {
	stats := map[string]float64{"overall_state": float64(t.Overall())}
	for _, h := range t.Components() {
		stats[h.Name+"_state"] = float64(h.State)
		stats[h.Name+"_consecutive_errors"] = float64(h.ConsecutiveErrors)
	}
	return stats
}

func countsAgainst(err error) bool {
	if stderr.Is(err, context.Canceled) {
		return false
	}
	return !errors.IsValidation(err) && !errors.IsNotFound(err)
}
