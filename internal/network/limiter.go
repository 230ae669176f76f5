package network

import (
	"net"
	"sync"
)

// Limiter caps concurrent sessions per source IP. A max of 0 disables it.
type Limiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func NewLimiter(max int) *Limiter {
	return &Limiter{max: max, counts: make(map[string]int)}
}

func (l *Limiter) Acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *Limiter) Release(ip string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

// HostOf returns the IP portion of addr, or addr's string form when it has
// no port.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
