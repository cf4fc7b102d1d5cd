package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket holding at most burst tokens, refilled at
// perSecond. Actions cost one token each.
type Limiter struct {
	perSecond  float64
	capacity   float64
	available  float64
	refilledAt time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return newLimiter(perSecond, burst, time.Now)
}

func newLimiter(perSecond float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		perSecond:  perSecond,
		capacity:   float64(burst),
		available:  float64(burst),
		refilledAt: now(),
		now:        now,
	}
}

// refill must be called with mu held.
func (l *Limiter) refill() {
	now := l.now()
	l.available += now.Sub(l.refilledAt).Seconds() * l.perSecond
	if l.available > l.capacity {
		l.available = l.capacity
	}
	l.refilledAt = now
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.available < float64(n) {
		return false
	}
	l.available -= float64(n)
	return true
}

// Delay is how long until the next action would be allowed.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	missing := 1 - l.available
	if missing <= 0 || l.perSecond <= 0 {
		return 0
	}
	return time.Duration(missing / l.perSecond * float64(time.Second))
}

func (l *Limiter) lastActive() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refilledAt
}

// ClientLimiters hands out one Limiter per connection id and forgets
// connections that stay quiet for idleTimeout.
type ClientLimiters struct {
	perSecond float64
	burst     int
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*Limiter

	sweepEvery  time.Duration
	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		perSecond:   perSecond,
		burst:       burst,
		now:         time.Now,
		limiters:    make(map[string]*Limiter),
		sweepEvery:  5 * time.Minute,
		idleTimeout: 30 * time.Minute,
		stop:        make(chan struct{}),
	}
	go cl.sweep()
	return cl
}

func (cl *ClientLimiters) Get(connID string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	l, ok := cl.limiters[connID]
	if !ok {
		l = newLimiter(cl.perSecond, cl.burst, cl.now)
		cl.limiters[connID] = l
	}
	return l
}

func (cl *ClientLimiters) Remove(connID string) {
	cl.mu.Lock()
	delete(cl.limiters, connID)
	cl.mu.Unlock()
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) sweep() {
	ticker := time.NewTicker(cl.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictIdle()
		}
	}
}

// evictIdle drops limiters of connections that went quiet without
// unregistering.
func (cl *ClientLimiters) evictIdle() int {
	cutoff := cl.now().Add(-cl.idleTimeout)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	evicted := 0
	for id, l := range cl.limiters {
		if l.lastActive().Before(cutoff) {
			delete(cl.limiters, id)
			evicted++
		}
	}
	return evicted
}
