// Package scheduler implements the bounded worker pools that every
// component body runs on: Audio, STT, LLM and Scheduled. Each pool gates
// concurrency with a golang.org/x/sync/semaphore.Weighted and applies a
// per-class overload and retry policy, as a long-lived, reusable pool
// rather than a one-shot fan-out.
package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Class names the four workload pools.
type Class string

const (
	ClassAudio     Class = "audio"
	ClassSTT       Class = "stt"
	ClassLLM       Class = "llm"
	ClassScheduled Class = "scheduled"
)

// ErrQueueFull is returned by Submit when a bounded-queue pool is saturated
// and the overload policy is reject-and-report (STT, LLM, Scheduled).
var ErrQueueFull = errors.New("scheduler: pool queue is full")

// ErrRateLimited is returned by Submit when a pool's token-bucket admission
// limiter (RatePerSecond/RateBurst) has no tokens available. It is part of
// the same reject-and-report overload policy as ErrQueueFull, but a distinct
// error: callers that only check errors.Is(err, ErrQueueFull) miss this case,
// so they check for ErrRateLimited alongside it.
var ErrRateLimited = errors.New("scheduler: pool admission rate exceeded")

// Policy configures one pool's size, overload behavior and retry budget.
type Policy struct {
	Size          int64
	CallerRuns    bool // Audio: never drop ingress, run inline if saturated.
	QueueCapacity int  // bounded-queue pools: max jobs waiting for a slot.
	Deadline      time.Duration
	MaxRetries    int
	MaxBackoff    time.Duration

	// RatePerSecond and RateBurst configure a token-bucket admission limiter
	// (golang.org/x/time/rate) in front of the pool, independent of worker
	// concurrency: it caps how often new jobs are admitted rather than how
	// many run at once. Zero RatePerSecond disables rate limiting for the
	// pool (the default for Audio and Scheduled).
	RatePerSecond float64
	RateBurst     int
}

// DefaultPolicies returns the default per-class pool configurations.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassAudio: {
			Size:       4,
			CallerRuns: true,
			Deadline:   10 * time.Second,
			MaxRetries: 1,
			MaxBackoff: 5 * time.Second,
		},
		ClassSTT: {
			Size:          3,
			QueueCapacity: 32,
			Deadline:      10 * time.Second,
			MaxRetries:    2,
			MaxBackoff:    5 * time.Second,
			RatePerSecond: 5,
			RateBurst:     5,
		},
		ClassLLM: {
			Size:          2,
			QueueCapacity: 16,
			Deadline:      10 * time.Second,
			MaxRetries:    2,
			MaxBackoff:    5 * time.Second,
			RatePerSecond: 2,
			RateBurst:     4,
		},
		ClassScheduled: {
			Size:          2,
			QueueCapacity: 64,
			Deadline:      10 * time.Second,
			MaxRetries:    0,
			MaxBackoff:    time.Second,
		},
	}
}

// Metrics receives lifecycle counters. Implementations must be non-blocking
// (pkg/metrics backs this with OTel instruments).
type Metrics interface {
	Submitted(class Class)
	Completed(class Class)
	Failed(class Class)
	QueueDepth(class Class, depth int)
}

type noopMetrics struct{}

func (noopMetrics) Submitted(Class)          {}
func (noopMetrics) Completed(Class)          {}
func (noopMetrics) Failed(Class)             {}
func (noopMetrics) QueueDepth(Class, int) {}

// Job is the unit of work submitted to a pool. A retryable error (one
// wrapped as a Retryable) triggers another attempt up to the pool's
// MaxRetries; any other error fails the job immediately.
type Job func(ctx context.Context) error

// Handle is returned by Submit and resolves once the job (including all
// retries) finishes.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the submitted job completes and returns its final
// error, or ctx's own cancellation, whichever comes first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Retryable marks err as eligible for the pool's retry-with-backoff policy.
// STT/LLM transient failures should be wrapped with this before returning
// from a Job.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err}
}

func isRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r)
}

type pool struct {
	class   Class
	policy  Policy
	sem     *semaphore.Weighted
	queue   chan struct{} // queue admission tokens for bounded-queue pools
	limiter *rate.Limiter // nil when the policy has no RatePerSecond
	metrics Metrics
}

// Scheduler owns the four named pools and routes Submit calls to them.
type Scheduler struct {
	pools   map[Class]*pool
	metrics Metrics
}

// New builds a Scheduler from policies, defaulting to DefaultPolicies when
// policies is nil. metrics may be nil to disable instrumentation.
func New(policies map[Class]Policy, metrics Metrics) *Scheduler {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	s := &Scheduler{pools: make(map[Class]*pool), metrics: metrics}
	for class, p := range policies {
		pl := &pool{class: class, policy: p, sem: semaphore.NewWeighted(p.Size), metrics: metrics}
		if p.QueueCapacity > 0 {
			pl.queue = make(chan struct{}, p.QueueCapacity)
		}
		if p.RatePerSecond > 0 {
			burst := p.RateBurst
			if burst <= 0 {
				burst = 1
			}
			pl.limiter = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
		}
		s.pools[class] = pl
	}
	return s
}

// Submit enqueues job on the named pool's workers. For Audio (CallerRuns)
// the job runs synchronously on the caller's goroutine if no worker slot is
// immediately free, guaranteeing ingress is never dropped. For bounded-queue
// pools (STT, LLM, Scheduled), Submit returns ErrQueueFull immediately if
// the queue is saturated, without blocking the caller. Pools with a
// token-bucket admission limiter configured (STT, LLM) additionally return
// ErrRateLimited immediately when the bucket has no tokens available,
// rather than letting a burst of submissions all reach the provider at once.
func (s *Scheduler) Submit(ctx context.Context, class Class, job Job) (*Handle, error) {
	p, ok := s.pools[class]
	if !ok {
		return nil, errors.New("scheduler: unknown pool class " + string(class))
	}
	if p.limiter != nil && !p.limiter.Allow() {
		s.metrics.Submitted(class)
		s.metrics.Failed(class)
		return nil, ErrRateLimited
	}
	s.metrics.Submitted(class)

	h := &Handle{done: make(chan struct{})}

	if p.queue != nil {
		select {
		case p.queue <- struct{}{}:
		default:
			s.metrics.Failed(class)
			return nil, ErrQueueFull
		}
		s.metrics.QueueDepth(class, len(p.queue))
	}

	// leaveQueue frees the job's queue token once it holds a worker slot, so
	// QueueCapacity bounds only jobs still waiting for a slot.
	leaveQueue := func() {
		if p.queue != nil {
			<-p.queue
			s.metrics.QueueDepth(class, len(p.queue))
		}
	}

	runNow := func() {
		defer close(h.done)
		h.err = p.runWithRetry(ctx, job)
		if h.err != nil {
			s.metrics.Failed(class)
		} else {
			s.metrics.Completed(class)
		}
	}

	if p.policy.CallerRuns {
		if p.sem.TryAcquire(1) {
			go func() {
				defer p.sem.Release(1)
				runNow()
			}()
		} else {
			// All worker slots busy: run inline on the caller's goroutine
			// rather than queueing or dropping, so ingress is never stalled
			// behind pool admission.
			runNow()
		}
		return h, nil
	}

	if !p.sem.TryAcquire(1) {
		go func() {
			_ = p.sem.Acquire(ctx, 1)
			leaveQueue()
			defer p.sem.Release(1)
			runNow()
		}()
		return h, nil
	}
	leaveQueue()
	go func() {
		defer p.sem.Release(1)
		runNow()
	}()
	return h, nil
}

func (p *pool) runWithRetry(ctx context.Context, job Job) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= p.policy.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, deadlineOr(p.policy.Deadline))
		err := job(jobCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == p.policy.MaxRetries {
			return lastErr
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > p.policy.MaxBackoff {
			backoff = p.policy.MaxBackoff
		}
	}
	return lastErr
}

func deadlineOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
