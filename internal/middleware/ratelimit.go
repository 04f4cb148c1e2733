package middleware

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-auth budget per client address.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedClients bounds the number of addresses remembered at once.
	DefaultMaxTrackedClients = 10000

	sweepInterval = time.Minute
	idleAfter     = 5 * time.Minute
)

type clientBudget struct {
	addr     string
	limiter  *rate.Limiter
	lastFail time.Time
}

// RateLimiter throttles clients that keep presenting bad credentials. Only
// failures consume budget; a client that never fails is never tracked.
// Addresses are kept in least-recently-failed order so the oldest is evicted
// when the table is full.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*list.Element
	order      *list.List
	perMinute  int
	maxClients int
	now        func() time.Time
	cancel     context.CancelFunc
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedClients caps how many client addresses are remembered.
func WithMaxTrackedClients(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxClients = n
		}
	}
}

func withClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter allows perMinute failed attempts per client address, with
// the full budget available as a burst. Zero or less selects
// DefaultMaxAttemptsPerMinute. Idle entries are swept until ctx is done or
// Stop is called.
func NewRateLimiter(ctx context.Context, perMinute int, opts ...RateLimiterOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		clients:    make(map[string]*list.Element),
		order:      list.New(),
		perMinute:  perMinute,
		maxClients: DefaultMaxTrackedClients,
		now:        time.Now,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop(ctx)
	return rl
}

// RecordFailureAndAllow charges one failed attempt to addr and reports
// whether addr is still within its budget.
func (rl *RateLimiter) RecordFailureAndAllow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.budgetLocked(addr, now).limiter.AllowN(now, 1)
}

// Throttled reports whether addr has exhausted its budget, without charging it.
func (rl *RateLimiter) Throttled(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	el, ok := rl.clients[addr]
	if !ok {
		return false
	}
	return el.Value.(*clientBudget).limiter.TokensAt(rl.now()) < 1
}

// Tracked returns the number of client addresses currently remembered.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.order.Len()
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) budgetLocked(addr string, now time.Time) *clientBudget {
	if el, ok := rl.clients[addr]; ok {
		b := el.Value.(*clientBudget)
		b.lastFail = now
		rl.order.MoveToFront(el)
		return b
	}

	for rl.order.Len() >= rl.maxClients {
		rl.removeLocked(rl.order.Back())
	}
	b := &clientBudget{
		addr:     addr,
		limiter:  rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60), rl.perMinute),
		lastFail: now,
	}
	rl.clients[addr] = rl.order.PushFront(b)
	return b
}

func (rl *RateLimiter) removeLocked(el *list.Element) {
	b := rl.order.Remove(el).(*clientBudget)
	delete(rl.clients, b.addr)
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep drops addresses whose last failure is older than idleAfter. The
// list is ordered by last failure, so it stops at the first recent entry.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleAfter)
	for el := rl.order.Back(); el != nil; el = rl.order.Back() {
		if el.Value.(*clientBudget).lastFail.After(cutoff) {
			return
		}
		rl.removeLocked(el)
	}
}

// ExtractIP strips the port from a host:port address. Inputs without a port
// are returned unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
