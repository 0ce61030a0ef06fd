package network

import (
	"net"
	"sync"
)

// ipLimiter caps concurrent inbound links per remote host. Zero disables it.
type ipLimiter struct {
	mu    sync.Mutex
	max   int
	inUse map[string]int
}

func newIPLimiter(max int) *ipLimiter {
	return &ipLimiter{max: max, inUse: make(map[string]int)}
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// acquire takes a slot for the host of addr. The returned release may be
// called more than once.
func (l *ipLimiter) acquire(addr string) (func(), bool) {
	if l.max <= 0 {
		return func() {}, true
	}
	host := hostOf(addr)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse[host] >= l.max {
		return nil, false
	}
	l.inUse[host]++
	var once sync.Once
	return func() { once.Do(func() { l.release(host) }) }, true
}

func (l *ipLimiter) release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse[host] <= 1 {
		delete(l.inUse, host)
		return
	}
	l.inUse[host]--
}

func (l *ipLimiter) count(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse[hostOf(addr)]
}
