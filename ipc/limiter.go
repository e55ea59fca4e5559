package ipc

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// senderLimiter applies a token bucket per bus sender and evicts idle senders.
type senderLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	bySender map[string]*limiterEntry
	hits     uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSenderLimiter allows one call per interval per sender. A non-positive
// interval disables limiting and returns nil.
func newSenderLimiter(interval time.Duration) *senderLimiter {
	if interval <= 0 {
		return nil
	}
	return &senderLimiter{
		limit:    rate.Every(interval),
		burst:    1,
		idleTTL:  10 * time.Minute,
		bySender: make(map[string]*limiterEntry),
	}
}

// Allow reports whether sender may make a call at now.
func (l *senderLimiter) Allow(sender string, now time.Time) bool {
	if l == nil {
		return true
	}
	sender = strings.TrimSpace(sender)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.bySender[sender]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.bySender[sender] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.bySender {
			if v.lastSeen.Before(cutoff) {
				delete(l.bySender, k)
			}
		}
	}
	return allowed
}

// Forget drops the bucket of a sender that left the bus.
func (l *senderLimiter) Forget(sender string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.bySender, sender)
	l.mu.Unlock()
}
