// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.FailureThreshold != 3 {
		t.Errorf("FailureThreshold should default to 3, got %d", config.FailureThreshold)
	}
	if config.Cooldown != 30*time.Second {
		t.Errorf("Cooldown should default to 30s, got %v", config.Cooldown)
	}
}

func TestNewRegistry_DefaultsZeroConfig(t *testing.T) {
	reg := NewRegistry(Config{
		// All zero values
	})

	// Should have applied defaults
	if reg.config.FailureThreshold != 3 {
		t.Errorf("should apply default threshold, got %d", reg.config.FailureThreshold)
	}
	if reg.config.Cooldown != 30*time.Second {
		t.Errorf("should apply default cooldown, got %v", reg.config.Cooldown)
	}
}

func TestCheck_ClosedAllowsRequests(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	allowed, state := reg.Check("openai:gpt-4o")
	if !allowed {
		t.Error("closed breaker should allow requests")
	}
	if state != CircuitClosed {
		t.Errorf("expected CLOSED, got %s", state)
	}
}

func TestRecordFailure_OpensAtThreshold(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 3, Cooldown: time.Minute})
	key := "openai:gpt-4o"

	reg.RecordFailure(key)
	reg.RecordFailure(key)
	if reg.State(key) != CircuitClosed {
		t.Error("breaker should stay closed below the threshold")
	}

	reg.RecordFailure(key)
	if reg.State(key) != CircuitOpen {
		t.Error("breaker should open at the threshold")
	}

	allowed, state := reg.Check(key)
	if allowed {
		t.Error("open breaker should deny requests")
	}
	if state != CircuitOpen {
		t.Errorf("expected OPEN, got %s", state)
	}
}

func TestRecordSuccess_ResetsFailureCount(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 3, Cooldown: time.Minute})
	key := "anthropic:claude-sonnet"

	reg.RecordFailure(key)
	reg.RecordFailure(key)
	reg.RecordSuccess(key)
	reg.RecordFailure(key)
	reg.RecordFailure(key)

	// Interleaved success broke the consecutive run; still closed.
	if reg.State(key) != CircuitClosed {
		t.Error("success should reset the consecutive failure count")
	}
}

func TestCheck_CooldownTransitionsToHalfOpen(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	key := "openai:gpt-4o"

	reg.RecordFailure(key)
	if reg.State(key) != CircuitOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	allowed, state := reg.Check(key)
	if !allowed {
		t.Error("first check after cooldown should allow a probe")
	}
	if state != CircuitHalfOpen {
		t.Errorf("expected HALF_OPEN, got %s", state)
	}
}

func TestCheck_HalfOpenAdmitsSingleProbe(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	key := "openai:gpt-4o"

	reg.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)

	// Hammer the breaker from many goroutines; exactly one probe may pass.
	var allowedCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := reg.Check(key); ok {
				allowedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowedCount.Load(); got != 1 {
		t.Errorf("half-open breaker should admit exactly 1 probe, admitted %d", got)
	}
}

func TestHalfOpen_ProbeSuccessCloses(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	key := "openai:gpt-4o"

	reg.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)

	if ok, _ := reg.Check(key); !ok {
		t.Fatal("probe should be admitted")
	}
	reg.RecordSuccess(key)

	if reg.State(key) != CircuitClosed {
		t.Error("probe success should close the breaker")
	}
	if allowed, _ := reg.Check(key); !allowed {
		t.Error("closed breaker should allow requests again")
	}
}

func TestHalfOpen_ProbeFailureReopensWithFreshCooldown(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})
	key := "openai:gpt-4o"

	reg.RecordFailure(key)
	time.Sleep(70 * time.Millisecond)

	if ok, _ := reg.Check(key); !ok {
		t.Fatal("probe should be admitted")
	}
	reg.RecordFailure(key)

	if reg.State(key) != CircuitOpen {
		t.Error("probe failure should reopen the breaker")
	}
	if allowed, _ := reg.Check(key); allowed {
		t.Error("cooldown should restart after a failed probe")
	}
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})

	reg.RecordFailure("openai:gpt-4o")

	if reg.State("openai:gpt-4o") != CircuitOpen {
		t.Error("failed key should be open")
	}
	if allowed, _ := reg.Check("openai:gpt-4o-mini"); !allowed {
		t.Error("sibling model from the same provider must be unaffected")
	}
	if allowed, _ := reg.Check("anthropic:claude-sonnet"); !allowed {
		t.Error("other providers must be unaffected")
	}
}

func TestReset_ForcesClosed(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Hour})
	key := "openai:gpt-4o"

	reg.RecordFailure(key)
	reg.Reset(key)

	if reg.State(key) != CircuitClosed {
		t.Error("reset should force the breaker closed")
	}
	if allowed, _ := reg.Check(key); !allowed {
		t.Error("reset breaker should allow requests")
	}
}

func TestOnStateChange_Callback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	reg := NewRegistry(Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(key string, from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, key+": "+from.String()+" -> "+to.String())
			mu.Unlock()
		},
	})

	reg.RecordFailure("openai:gpt-4o")

	// Callback runs asynchronously.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(transitions)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0] != "openai:gpt-4o: CLOSED -> OPEN" {
		t.Errorf("unexpected transition %q", transitions[0])
	}
}

func TestSnapshots_ReportsAllKeys(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 2, Cooldown: time.Minute})

	reg.RecordFailure("openai:gpt-4o")
	reg.Check("anthropic:claude-sonnet")

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(snaps))
	}
	if snaps["openai:gpt-4o"].ConsecutiveFailures != 1 {
		t.Errorf("expected 1 failure recorded, got %d", snaps["openai:gpt-4o"].ConsecutiveFailures)
	}
	if snaps["anthropic:claude-sonnet"].Status != CircuitClosed {
		t.Errorf("expected CLOSED, got %s", snaps["anthropic:claude-sonnet"].Status)
	}
}
