package ipc

import (
	"time"
)

// Mutations gates StoreKey and ClearKey. It is fixed when the daemon starts;
// a session whose owner has not enabled it cannot add or remove keys.
type Mutations struct {
	allowed bool
	limiter *senderLimiter
	now     func() time.Time
}

// NewMutations returns the capability. interval bounds how often a single
// sender may mutate; zero disables the limit.
func NewMutations(allowed bool, interval time.Duration) *Mutations {
	return &Mutations{allowed: allowed, limiter: newSenderLimiter(interval), now: time.Now}
}

// Allowed reports whether mutations are enabled at all.
func (m *Mutations) Allowed() bool {
	return m != nil && m.allowed
}

// Check returns ErrMutationsDisabled or ErrRateLimited when sender may not
// mutate now.
func (m *Mutations) Check(sender string) error {
	if !m.Allowed() {
		return ErrMutationsDisabled
	}
	if !m.limiter.Allow(sender, m.now()) {
		return ErrRateLimited
	}
	return nil
}

func (m *Mutations) forget(sender string) {
	if m != nil {
		m.limiter.Forget(sender)
	}
}
