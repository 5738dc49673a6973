// Package ratelimit implements a token-bucket limiter used to throttle
// calls to external model providers. One limiter is constructed per call
// class (completion, embedding) at process bootstrap and injected into
// every component that talks to a provider.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config describes a bucket: Capacity tokens, refilled at Refill tokens
// per millisecond. Refill is continuous; fractional tokens accumulate
// internally and the bucket is capped at Capacity.
type Config struct {
	Capacity float64
	Refill   float64 // tokens per millisecond
}

// Limiter is a token bucket with a strict-FIFO wait queue. Acquire never
// fails and cannot be cancelled; callers are delayed, never dropped.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refill     float64
	lastRefill time.Time
	waiters    []chan struct{}
	wakeSet    bool

	now      func() time.Time
	schedule func(d time.Duration, fn func())
}

// New creates a limiter backed by the real clock.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now, func(d time.Duration, fn func()) {
		time.AfterFunc(d, fn)
	})
}

// NewWithClock creates a limiter with an injected clock and timer so
// timing behaviour is testable without wall-clock waits.
func NewWithClock(cfg Config, now func() time.Time, schedule func(d time.Duration, fn func())) *Limiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Refill <= 0 {
		cfg.Refill = cfg.Capacity / float64(time.Minute/time.Millisecond)
	}
	return &Limiter{
		tokens:     cfg.Capacity,
		capacity:   cfg.Capacity,
		refill:     cfg.Refill,
		lastRefill: now(),
		now:        now,
		schedule:   schedule,
	}
}

// refillLocked advances the bucket to the current time. Callers hold mu.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := float64(now.Sub(l.lastRefill)) / float64(time.Millisecond)
	if elapsed > 0 {
		l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.refill)
	}
	l.lastRefill = now
}

// Acquire consumes one token, blocking until one is available. Waiters
// are served strictly in arrival order.
func (l *Limiter) Acquire() {
	l.mu.Lock()
	l.refillLocked()

	if l.tokens >= 1 && len(l.waiters) == 0 {
		l.tokens--
		l.mu.Unlock()
		return
	}

	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.ensureWakeLocked()
	l.mu.Unlock()

	<-ch
}

// TryAcquire consumes one token if immediately available and reports
// whether it did. It never queues.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= 1 && len(l.waiters) == 0 {
		l.tokens--
		return true
	}
	return false
}

// AvailableTokens refills and returns the whole tokens currently held.
func (l *Limiter) AvailableTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	return int(math.Floor(l.tokens))
}

// ensureWakeLocked schedules the next queue drain if one is not already
// pending. The delay is the time until one full token exists.
func (l *Limiter) ensureWakeLocked() {
	if l.wakeSet || len(l.waiters) == 0 {
		return
	}
	l.wakeSet = true

	deficit := 1 - l.tokens
	if deficit < 0 {
		deficit = 0
	}
	delayMs := math.Ceil(deficit / l.refill)
	l.schedule(time.Duration(delayMs)*time.Millisecond, l.drain)
}

// drain wakes queued callers in FIFO order while tokens remain, then
// reschedules itself if the queue is still non-empty.
func (l *Limiter) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.wakeSet = false
	l.refillLocked()

	for len(l.waiters) > 0 && l.tokens >= 1 {
		l.tokens--
		close(l.waiters[0])
		l.waiters = l.waiters[1:]
	}

	l.ensureWakeLocked()
}
