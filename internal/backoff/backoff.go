// Package backoff implements the exponential-backoff-with-jitter policy used
// by every reconnecting component: the AMQP Gateway, each SFTP source's
// connection state machine, and the Supervisor's subtask restarts. It
// generalizes the teacher's internal/util/ratelimiter fixed-interval gate
// into a growing delay capped at a ceiling.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Policy describes one backoff schedule: delays double from Initial up to
// Max, with up to Jitter fraction of random slack added to each delay.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // 0..1, fraction of the computed delay added as random jitter
}

// Default is the policy named throughout the spec: "initial 1s, max 60s, jitter".
func Default() Policy {
	return Policy{Initial: time.Second, Max: 60 * time.Second, Jitter: 0.2}
}

// Backoff tracks the current attempt count for one reconnect loop and
// computes the next delay. Safe for concurrent use; a single Backoff is
// typically owned by one connection/subtask.
type Backoff struct {
	mu      sync.Mutex
	policy  Policy
	attempt int
}

// New creates a Backoff following policy.
func New(policy Policy) *Backoff {
	if policy.Initial <= 0 {
		policy.Initial = time.Second
	}
	if policy.Max < policy.Initial {
		policy.Max = policy.Initial
	}
	return &Backoff{policy: policy}
}

// Next returns the delay to wait before the next attempt and advances the
// internal attempt counter. Call Reset after a successful attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.policy.Initial << uint(min(b.attempt, 32))
	if delay <= 0 || delay > b.policy.Max {
		delay = b.policy.Max
	}
	b.attempt++

	if b.policy.Jitter > 0 {
		jitter := time.Duration(float64(delay) * b.policy.Jitter * rand.Float64())
		delay += jitter
	}
	return delay
}

// Reset clears the attempt counter after a successful connection/operation.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the current attempt count, used for logging and metrics.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
