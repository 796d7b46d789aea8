// Package retry models retry/backoff as an explicit policy object shared by
// the dispatch client's inner RPC loop and the engine's outer queue-driven
// loop, parameterized independently. Jitter is deterministic: a PRF over the
// retry identity, so replays and tests see identical schedules.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy describes a bounded exponential backoff. Delays double per attempt
// from Base, cap at Max, and carry up to MaxJitter of deterministic jitter.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
}

// DefaultOuter is the engine's outer budget: 3 queue-driven attempts before
// dead-lettering.
func DefaultOuter() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		Max:         60 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// DefaultInner is the dispatch client's RPC budget, nested inside a single
// outer attempt.
func DefaultInner() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxJitter:   100 * time.Millisecond,
	}
}

// Exhausted reports whether the given zero-based attempt index is outside
// the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the backoff before the given zero-based attempt. Attempt 0
// has no delay. The seed feeds the jitter PRF; use a stable identity such as
// the invocation id.
func (p Policy) Delay(attempt int, seed string) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}

	factor := int64(1)
	if attempt > 30 {
		factor = 1 << 30 // cap exponent to avoid overflow
	} else {
		factor = 1 << (attempt - 1)
	}

	delay := time.Duration(factor) * p.Base
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay + p.jitter(attempt, seed)
}

// jitter derives a deterministic offset in [0, MaxJitter) from the seed and
// attempt index.
func (p Policy) jitter(attempt int, seed string) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
