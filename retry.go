package donneur

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy is an exponential backoff with jitter.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
}

// DefaultRetryPolicy waits 1s, 2s, 4s... capped at 30s, 10 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// reconnector hands out backoff delays. The attempt counter resets once a
// connection has stayed up for a minute.
type reconnector struct {
	mu          sync.Mutex
	policy      RetryPolicy
	attempt     int
	connectedAt time.Time
}

func newReconnector(policy RetryPolicy) *reconnector {
	return &reconnector{policy: policy.withDefaults()}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.MaxAttempts == 0 || r.attempt < r.policy.MaxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the wait before the next attempt and the attempt number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	base := r.policy.BaseDelay
	jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
	delay := time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.policy.MaxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}
