// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays. Every retry decision in the streaming
// path goes through one of these; call sites never roll their own timing.
type Backoff struct {
	// Base is the first delay. Default: 500ms.
	Base time.Duration

	// Max caps the exponential growth. Default: 8 seconds.
	Max time.Duration
}

// DefaultBackoff returns the streaming path's standard policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 8 * time.Second}
}

// Delay returns the wait before the given attempt (1-based), with
// full jitter: a uniform draw from (0, min(Max, Base*2^(attempt-1))].
// Jitter keeps retries from many streams from aligning into waves.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 8 * time.Second
	}

	ceiling := base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= max {
			ceiling = max
			break
		}
	}
	return time.Duration(rand.Int64N(int64(ceiling))) + 1
}

// sleep waits for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
