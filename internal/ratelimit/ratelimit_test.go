package ratelimit

import (
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the limiter deterministically: it owns the current
// time and runs scheduled callbacks when Advance passes their due time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

type fakeTimer struct {
	due time.Time
	fn  func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Schedule(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, fakeTimer{due: c.now.Add(d), fn: fn})
}

// Advance moves time forward and fires due timers in due order. Fired
// callbacks may schedule new timers, which fire too if already due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].due.Before(c.timers[j].due) })
		if len(c.timers) == 0 || c.timers[0].due.After(c.now) {
			c.mu.Unlock()
			return
		}
		next := c.timers[0]
		c.timers = c.timers[1:]
		c.mu.Unlock()

		next.fn()
	}
}

func newTestLimiter(capacity, refillPerMs float64) (*Limiter, *fakeClock) {
	clock := newFakeClock()
	l := NewWithClock(Config{Capacity: capacity, Refill: refillPerMs}, clock.Now, clock.Schedule)
	return l, clock
}

func (l *Limiter) waiterCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

func waitForWaiters(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.waiterCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters, have %d", n, l.waiterCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTryAcquire_ExhaustsBucket(t *testing.T) {
	l, _ := newTestLimiter(3, 0.001)

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("acquire %d should succeed against capacity 3", i+1)
		}
	}
	if l.TryAcquire() {
		t.Error("4th acquire should fail on an empty bucket")
	}
	if got := l.AvailableTokens(); got != 0 {
		t.Errorf("expected 0 available tokens, got %d", got)
	}
}

func TestRefill_NeverExceedsCapacity(t *testing.T) {
	l, clock := newTestLimiter(5, 1.0)

	for i := 0; i < 5; i++ {
		l.TryAcquire()
	}
	clock.Advance(time.Hour)

	if got := l.AvailableTokens(); got != 5 {
		t.Errorf("expected refill capped at capacity 5, got %d", got)
	}
}

func TestRefill_IsContinuous(t *testing.T) {
	// 0.5 tokens/ms: after 1ms only half a token exists.
	l, clock := newTestLimiter(2, 0.5)
	l.TryAcquire()
	l.TryAcquire()

	clock.Advance(time.Millisecond)
	if l.TryAcquire() {
		t.Error("half a token should not satisfy an acquire")
	}

	clock.Advance(time.Millisecond)
	if !l.TryAcquire() {
		t.Error("one full token should satisfy an acquire")
	}
}

func TestAcquire_BlocksUntilRefill(t *testing.T) {
	l, clock := newTestLimiter(1, 0.001) // 1 token per second

	l.TryAcquire()

	done := make(chan struct{})
	go func() {
		l.Acquire()
		close(done)
	}()
	waitForWaiters(t, l, 1)

	select {
	case <-done:
		t.Fatal("acquire resolved before refill")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not resolve after refill")
	}
}

func TestAcquire_ServesWaitersFIFO(t *testing.T) {
	l, clock := newTestLimiter(1, 0.001)
	l.TryAcquire()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Acquire()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		// Each waiter must be queued before the next starts so that
		// arrival order is deterministic.
		waitForWaiters(t, l, i)
	}

	// Three refill periods release the three waiters one at a time.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		// Give the released goroutine a moment to record itself.
		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			n := len(order)
			mu.Unlock()
			if n > i || time.Now().After(deadline) {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("expected FIFO order [1 2 3], got %v", order)
		}
	}
}

func TestAcquire_ImmediateWhenTokensRemain(t *testing.T) {
	l, _ := newTestLimiter(2, 0.001)

	done := make(chan struct{})
	go func() {
		l.Acquire()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire with available tokens should not block")
	}
}
