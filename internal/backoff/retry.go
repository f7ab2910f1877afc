// Package backoff implements the retry policies used by the Engine's
// submission pass (spec.md §4.4 step 3c).
//
// Inspired by Temporal's retry policy implementation (MIT License):
// https://github.com/temporalio/temporal/blob/2a1044994085bffbeeee789cad52ecf2650c501c/common/backoff/retrypolicy.go
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned when the maximum number of retries
// has been reached.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrOperationCanceled is returned when the retry operation is
// canceled via context.
var ErrOperationCanceled = errors.New("operation canceled")

// Policy computes the wait interval before the next retry attempt.
type Policy interface {
	// ComputeNextInterval returns the duration to wait before the next
	// retry, or an error if no more retries should be attempted.
	ComputeNextInterval(retryCount int, elapsedTime time.Duration) (time.Duration, error)
}

// Retrier tracks per-attempt state for one retryable operation. It is
// not safe to share a Retrier across unrelated operations — create one
// per submission attempt / per reconnect sequence.
type Retrier interface {
	// Next blocks until the next retry interval elapses or ctx is
	// canceled, whichever comes first.
	Next(ctx context.Context) error
	// Reset returns the Retrier to its initial state, for reuse across
	// a new attempt sequence against the same resource.
	Reset()
	// AttemptCount reports how many attempts have elapsed so far.
	AttemptCount() int
}

const (
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
	noMaximumAttempts    = 0
)

// Exponential is a Policy with an optional jitter fraction, used for
// the Engine's per-resource submission backoff.
type Exponential struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxRetries      int // 0 means unlimited
	// Jitter, in [0,1), randomizes each interval by up to this
	// fraction to avoid a thundering herd across resources that fail
	// at the same tick.
	Jitter float64
}

// NewExponential builds an Exponential policy with the teacher-style
// defaults (factor 2, 10s cap, unlimited retries) overridable via the
// returned value's fields.
func NewExponential(initial time.Duration) *Exponential {
	return &Exponential{
		InitialInterval: initial,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      noMaximumAttempts,
	}
}

// ComputeNextInterval implements Policy.
func (p *Exponential) ComputeNextInterval(retryCount int, _ time.Duration) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	if p.Jitter > 0 {
		interval *= 1 - p.Jitter + rand.Float64()*2*p.Jitter //nolint:gosec // jitter need not be cryptographically random
	}
	return time.Duration(interval), nil
}

// Constant is a Policy with a fixed interval between attempts.
type Constant struct {
	Interval   time.Duration
	MaxRetries int
}

// ComputeNextInterval implements Policy.
func (p *Constant) ComputeNextInterval(retryCount int, _ time.Duration) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}

// NewRetrier builds a Retrier around the given Policy.
func NewRetrier(policy Policy) Retrier {
	return &retrier{policy: policy}
}

type retrier struct {
	mu         sync.Mutex
	policy     Policy
	retryCount int
	startTime  time.Time
}

func (r *retrier) AttemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

func (r *retrier) Next(ctx context.Context) error {
	r.mu.Lock()
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}
	elapsed := time.Since(r.startTime)
	interval, err := r.policy.ComputeNextInterval(r.retryCount, elapsed)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.retryCount++
	r.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrOperationCanceled
	}
}

func (r *retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
	r.startTime = time.Time{}
}
