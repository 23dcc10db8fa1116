package session

import (
	"errors"
	"sync"
)

// Connection limit errors.
var (
	ErrServerFull    = errors.New("session: max_connections reached")
	ErrPerIPExceeded = errors.New("session: per_ip_limit reached")
)

// limiter enforces the global and per-IP connection caps. The global cap
// applies before Connecting; the per-IP cap once the peer address is
// known.
type limiter struct {
	mu      sync.Mutex
	max     int
	perIP   int
	total   int
	byIP    map[string]int
}

func newLimiter(max, perIP int) *limiter {
	return &limiter{max: max, perIP: perIP, byIP: map[string]int{}}
}

// AcquireGlobal claims a connection slot.
func (l *limiter) AcquireGlobal() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total >= l.max {
		return ErrServerFull
	}
	l.total++
	return nil
}

// ClaimIP claims a per-IP slot; called once the peer is known. On error
// the global slot is still held and must be released by the caller.
func (l *limiter) ClaimIP(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byIP[ip] >= l.perIP {
		return ErrPerIPExceeded
	}
	l.byIP[ip]++
	return nil
}

// Release returns the slots. ip is empty when ClaimIP never succeeded.
func (l *limiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total > 0 {
		l.total--
	}
	if ip != "" {
		if l.byIP[ip] > 1 {
			l.byIP[ip]--
		} else {
			delete(l.byIP, ip)
		}
	}
}

// Counts reports current totals for diagnostics.
func (l *limiter) Counts() (total int, ips int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.byIP)
}
