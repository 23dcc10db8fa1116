package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Authenticator is the external credential oracle (PAM in production).
// It answers success or failure and nothing else.
type Authenticator interface {
	Verify(ctx context.Context, username, password string) error
}

// ErrAuthFailed is the oracle's uniform failure answer.
var ErrAuthFailed = errors.New("session: authentication failed")

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(ctx context.Context, username, password string) error

func (f AuthFunc) Verify(ctx context.Context, username, password string) error {
	return f(ctx, username, password)
}

// banList tracks failed attempts per peer IP and bans repeat offenders.
// Attempts older than the attempt window do not count.
type banList struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	banFor      time.Duration
	now         func() time.Time

	failures map[string][]time.Time
	bans     map[string]time.Time
}

const attemptWindow = 60 * time.Second

func newBanList(maxAttempts int, banFor time.Duration, now func() time.Time) *banList {
	if now == nil {
		now = time.Now
	}
	return &banList{
		maxAttempts: maxAttempts,
		window:      attemptWindow,
		banFor:      banFor,
		now:         now,
		failures:    map[string][]time.Time{},
		bans:        map[string]time.Time{},
	}
}

// Banned reports whether the peer is currently locked out. A banned peer
// is refused before any oracle call.
func (b *banList) Banned(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.bans[ip]
	if !ok {
		return false
	}
	if b.now().After(until) {
		delete(b.bans, ip)
		delete(b.failures, ip)
		return false
	}
	return true
}

// RecordFailure notes one failed attempt; the peer is banned once
// maxAttempts failures land inside the window.
func (b *banList) RecordFailure(ip string) (banned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.failures[ip][:0]
	for _, at := range b.failures[ip] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	b.failures[ip] = kept

	if len(kept) >= b.maxAttempts {
		b.bans[ip] = now.Add(b.banFor)
		delete(b.failures, ip)
		return true
	}
	return false
}

// RecordSuccess clears the peer's failure history.
func (b *banList) RecordSuccess(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, ip)
}
