// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Hash chain verification for received streams.
//
// Each StreamEvent carries a Hash over its own content and a PrevHash
// linking to the previous event:
//
//	Event[0] → Event[1] → Event[2] → ... → Event[N]
//	  Hash₀     Hash₁     Hash₂           HashN
//
// Modifying, dropping, or reordering any event breaks the chain, so a
// client that verifies after the stream completes can detect tampering
// and silent gaps.

package client

import (
	"crypto/subtle"
	"fmt"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// ChainVerificationResult reports the outcome of a chain verification.
type ChainVerificationResult struct {
	// Valid is true when every hash and link checked out.
	Valid bool

	// ChainLength is the number of events checked.
	ChainLength int

	// InvalidEventIndex is the position of the first bad event, or -1.
	InvalidEventIndex int

	// ExpectedHash and ActualHash describe the first mismatch.
	ExpectedHash string
	ActualHash   string

	// FinalHash is the last event's hash when the chain is valid. A
	// caller can persist it and chain the next stream onto it.
	FinalHash string

	// ErrorMessage is a human-readable description of the failure.
	ErrorMessage string
}

// VerifyChain checks the integrity of a received event sequence.
//
// # Description
//
// Walks the events in order, recomputing each event's hash from its
// content and confirming each PrevHash links to the predecessor.
// The first event in a fresh stream must carry an empty PrevHash; for
// a WebSocket connection the chain spans turns, so pass the whole
// connection's events together.
//
// Hash comparisons are constant-time.
//
// # Inputs
//
//   - events: Events in arrival order, typically StreamResult.Events.
//
// # Outputs
//
//   - *ChainVerificationResult: Never nil. An empty sequence is valid.
func VerifyChain(events []datatypes.StreamEvent) *ChainVerificationResult {
	result := &ChainVerificationResult{
		Valid:             true,
		ChainLength:       len(events),
		InvalidEventIndex: -1,
	}

	if len(events) == 0 {
		return result
	}

	prevHash := ""
	for i, event := range events {
		if !secureHashEqual(event.PrevHash, prevHash) {
			result.Valid = false
			result.InvalidEventIndex = i
			result.ExpectedHash = prevHash
			result.ActualHash = event.PrevHash
			result.ErrorMessage = fmt.Sprintf(
				"chain broken at event %d: expected PrevHash %s, got %s",
				i, truncateHash(prevHash), truncateHash(event.PrevHash),
			)
			return result
		}

		computed := datatypes.ChainHash(event)
		if !secureHashEqual(computed, event.Hash) {
			result.Valid = false
			result.InvalidEventIndex = i
			result.ExpectedHash = computed
			result.ActualHash = event.Hash
			result.ErrorMessage = fmt.Sprintf(
				"hash mismatch at event %d: computed %s, stored %s (content may have been modified)",
				i, truncateHash(computed), truncateHash(event.Hash),
			)
			return result
		}

		prevHash = event.Hash
	}

	result.FinalHash = events[len(events)-1].Hash
	return result
}

// secureHashEqual performs constant-time comparison of two hash
// strings so verification latency leaks nothing about where a forged
// hash diverges.
func secureHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// truncateHash shortens a hash for log and error messages.
func truncateHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "..."
}
