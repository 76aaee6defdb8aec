// Package ratelimit enforces per-customer submission throughput and
// concurrent-Running caps: a rate.Limiter token bucket plus an
// active-count ceiling, keyed per tenant.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/bsn2000/dispatchcore/internal/corerr"
)

// Config is the per-customer policy.
type Config struct {
	SubmissionsPerSecond float64
	SubmissionBurst      int
	MaxConcurrentRunning int
}

type customerState struct {
	limiter *rate.Limiter
	active  int
}

// Limiter tracks submission rate and concurrent-Running counts per customer.
type Limiter struct {
	cfg Config

	mu        sync.Mutex
	customers map[string]*customerState
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.SubmissionBurst <= 0 {
		cfg.SubmissionBurst = 1
	}
	return &Limiter{cfg: cfg, customers: make(map[string]*customerState)}
}

func (l *Limiter) stateFor(customerID string) *customerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.customers[customerID]
	if !ok {
		cs = &customerState{limiter: rate.NewLimiter(rate.Limit(l.cfg.SubmissionsPerSecond), l.cfg.SubmissionBurst)}
		l.customers[customerID] = cs
	}
	return cs
}

// AllowSubmit reports whether customerID may submit a job right now,
// consuming one token from its bucket if so.
func (l *Limiter) AllowSubmit(customerID string) error {
	cs := l.stateFor(customerID)
	if l.cfg.SubmissionsPerSecond <= 0 {
		return nil
	}
	if !cs.limiter.Allow() {
		return corerr.ErrRateLimitExceeded
	}
	return nil
}

// AcquireRunningSlot reserves one of customerID's concurrent-Running slots.
// The caller must call Release when the job leaves Running.
func (l *Limiter) AcquireRunningSlot(customerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.customers[customerID]
	if !ok {
		cs = &customerState{limiter: rate.NewLimiter(rate.Limit(l.cfg.SubmissionsPerSecond), l.cfg.SubmissionBurst)}
		l.customers[customerID] = cs
	}
	if l.cfg.MaxConcurrentRunning > 0 && cs.active >= l.cfg.MaxConcurrentRunning {
		return corerr.ErrConcurrencyLimitExceeded
	}
	cs.active++
	return nil
}

// ReleaseRunningSlot returns a slot acquired by AcquireRunningSlot.
func (l *Limiter) ReleaseRunningSlot(customerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok := l.customers[customerID]; ok && cs.active > 0 {
		cs.active--
	}
}
