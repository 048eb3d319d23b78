// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements a per-key circuit breaker for upstream
// model endpoints.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
//
// # States
//
//   - Closed: Normal operation, requests flow through
//   - Open: Circuit tripped, requests are rejected immediately
//   - HalfOpen: Testing if the endpoint recovered; exactly one probe allowed
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[probe ok]◄── HALF_OPEN ◄──┘
//	                     [cooldown]
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and requests are rejected.
	CircuitOpen

	// CircuitHalfOpen means a single probe request is testing recovery.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when the circuit breaker denies a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures circuit breaker behavior.
//
// # Description
//
// Controls how each breaker responds to failures and recovers. One Config
// is shared by every key in a Registry.
//
// # Example
//
//	config := breaker.Config{
//	    FailureThreshold: 3,               // Open after 3 consecutive failures
//	    Cooldown:         30*time.Second,  // Stay open for 30s
//	}
type Config struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	// Default: 3
	FailureThreshold int

	// Cooldown is how long to stay open before allowing a probe.
	// Default: 30 seconds
	Cooldown time.Duration

	// OnStateChange is called when a key transitions state.
	// Called asynchronously to avoid blocking.
	OnStateChange func(key string, from, to CircuitState)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Status              CircuitState `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitzero"`
}

// breaker tracks the state for a single key. All fields are guarded by
// the owning Registry's per-breaker mutex.
type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	mu       sync.Mutex
}

// Registry manages circuit breakers keyed by upstream endpoint
// ("provider:model").
//
// # Description
//
// Breakers are created on demand with the registry's shared configuration.
// Each key fails and recovers independently: an open breaker for one model
// never affects another model from the same provider.
//
// Recovery admits exactly one probe. The first Check after the cooldown
// moves the key to HalfOpen and claims the probe slot; concurrent Checks
// are denied until RecordSuccess or RecordFailure resolves the probe. This
// keeps a recovering endpoint from being stampeded the instant its
// cooldown expires.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
//
// # Example
//
//	reg := breaker.NewRegistry(breaker.DefaultConfig())
//	if allowed, _ := reg.Check("openai:gpt-4o"); !allowed {
//	    return breaker.ErrCircuitOpen
//	}
//	err := callUpstream()
//	if err != nil {
//	    reg.RecordFailure("openai:gpt-4o")
//	} else {
//	    reg.RecordSuccess("openai:gpt-4o")
//	}
type Registry struct {
	config   Config
	breakers map[string]*breaker
	mu       sync.RWMutex
}

// NewRegistry creates a new registry.
//
// # Inputs
//
//   - config: Shared configuration. Zero values are replaced with defaults.
//
// # Outputs
//
//   - *Registry: New empty registry; every key starts Closed.
func NewRegistry(config Config) *Registry {
	// Apply defaults for zero values
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}

	return &Registry{
		config:   config,
		breakers: make(map[string]*breaker),
	}
}

// Check reports whether a request to the key may proceed.
//
// # Description
//
// Closed keys always pass. Open keys are denied until the cooldown
// elapses; the first Check past the cooldown transitions the key to
// HalfOpen, claims the single probe slot, and passes. While a probe is
// outstanding every other Check on the key is denied.
//
// A caller that receives allowed=true MUST follow up with RecordSuccess
// or RecordFailure, otherwise a HalfOpen key stays wedged on its probe.
//
// # Inputs
//
//   - key: Upstream endpoint key ("provider:model")
//
// # Outputs
//
//   - bool: True if the request may proceed.
//   - CircuitState: State observed at decision time.
func (r *Registry) Check(key string) (bool, CircuitState) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, CircuitClosed

	case CircuitOpen:
		if time.Since(b.openedAt) > r.config.Cooldown {
			r.transition(key, b, CircuitHalfOpen)
			b.probing = true
			return true, CircuitHalfOpen
		}
		return false, CircuitOpen

	case CircuitHalfOpen:
		if b.probing {
			return false, CircuitHalfOpen
		}
		b.probing = true
		return true, CircuitHalfOpen

	default:
		return false, b.state
	}
}

// RecordSuccess records a successful request against the key.
//
// In Closed state the failure count resets. In HalfOpen state the probe
// succeeded and the key closes.
func (r *Registry) RecordSuccess(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.failures = 0
		b.probing = false
		r.transition(key, b, CircuitClosed)
	}
}

// RecordFailure records a failed request against the key.
//
// In Closed state the key opens once consecutive failures reach the
// threshold. In HalfOpen state the probe failed and the key reopens with a
// fresh cooldown.
func (r *Registry) RecordFailure(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case CircuitClosed:
		if b.failures >= r.config.FailureThreshold {
			b.openedAt = time.Now()
			r.transition(key, b, CircuitOpen)
		}
	case CircuitHalfOpen:
		b.probing = false
		b.openedAt = time.Now()
		r.transition(key, b, CircuitOpen)
	}
}

// State returns the current state of the key without affecting it.
func (r *Registry) State(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the key.
func (r *Registry) Snapshot(key string) Snapshot {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Status:              b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// Snapshots returns the current view of every tracked key.
//
// # Outputs
//
//   - map[string]Snapshot: Map of endpoint key to breaker view.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	result := make(map[string]Snapshot, len(keys))
	for _, key := range keys {
		result[key] = r.Snapshot(key)
	}
	return result
}

// Reset forces the key back to Closed, clearing its counters.
//
// Use when the endpoint is known to have been fixed externally.
func (r *Registry) Reset(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != CircuitClosed {
		r.transition(key, b, CircuitClosed)
	}
}

// get returns the breaker for a key, creating it if needed.
func (r *Registry) get(key string) *breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[key]; exists {
		return b
	}

	b = &breaker{state: CircuitClosed}
	r.breakers[key] = b
	return b
}

// transition changes a breaker's state. Caller holds b.mu.
func (r *Registry) transition(key string, b *breaker, state CircuitState) {
	if b.state == state {
		return
	}

	old := b.state
	b.state = state

	if r.config.OnStateChange != nil {
		// Call callback without holding the lock to prevent deadlocks
		go r.config.OnStateChange(key, old, state)
	}
}
