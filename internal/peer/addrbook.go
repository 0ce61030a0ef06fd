package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultAddrCap     = 64
	DefaultAddrTTL     = 30 * time.Minute
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 2 * time.Minute
)

var parked = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// AddrBook remembers dial addresses and when each may be tried again.
// Static entries (configured peers) never expire.
type AddrBook struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type addrEntry struct {
	addr      string
	static    bool
	expiresAt time.Time
	nextTry   time.Time
	backoff   time.Duration
}

func NewAddrBook(capacity int, ttl time.Duration, now func() time.Time) *AddrBook {
	if capacity <= 0 {
		capacity = DefaultAddrCap
	}
	if ttl <= 0 {
		ttl = DefaultAddrTTL
	}
	if now == nil {
		now = time.Now
	}
	return &AddrBook{
		cap:   capacity,
		ttl:   ttl,
		now:   now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

func (b *AddrBook) Add(addr string, static bool) {
	if addr == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneLocked(now)
	if el, ok := b.hot[addr]; ok {
		ent := el.Value.(*addrEntry)
		ent.expiresAt = now.Add(b.ttl)
		ent.static = ent.static || static
		b.order.MoveToFront(el)
		return
	}
	if len(b.hot) >= b.cap {
		b.evictLocked(len(b.hot) - b.cap + 1)
	}
	ent := &addrEntry{addr: addr, static: static, expiresAt: now.Add(b.ttl)}
	b.hot[addr] = b.order.PushFront(ent)
}

func (b *AddrBook) Has(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	_, ok := b.hot[addr]
	return ok
}

func (b *AddrBook) List() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	out := make([]string, 0, len(b.hot))
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*addrEntry).addr)
	}
	return out
}

// Due returns the addresses whose backoff has elapsed and pushes their next
// attempt out by the current backoff so callers do not dial twice.
func (b *AddrBook) Due() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneLocked(now)
	var out []string
	for el := b.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*addrEntry)
		if ent.nextTry.After(now) {
			continue
		}
		if ent.backoff == 0 {
			ent.backoff = DefaultBackoffBase
		}
		ent.nextTry = now.Add(ent.backoff)
		out = append(out, ent.addr)
	}
	return out
}

// Failed doubles the backoff for addr up to DefaultBackoffMax.
func (b *AddrBook) Failed(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.hot[addr]
	if !ok {
		return
	}
	ent := el.Value.(*addrEntry)
	ent.backoff *= 2
	if ent.backoff < DefaultBackoffBase {
		ent.backoff = DefaultBackoffBase
	}
	if ent.backoff > DefaultBackoffMax {
		ent.backoff = DefaultBackoffMax
	}
	ent.nextTry = b.now().Add(ent.backoff)
}

// Connected parks addr until Disconnected is called.
func (b *AddrBook) Connected(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.hot[addr]
	if !ok {
		return
	}
	ent := el.Value.(*addrEntry)
	ent.backoff = 0
	ent.nextTry = parked
}

// Disconnected makes addr due again after the base backoff.
func (b *AddrBook) Disconnected(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.hot[addr]
	if !ok {
		return
	}
	ent := el.Value.(*addrEntry)
	ent.backoff = DefaultBackoffBase
	ent.nextTry = b.now().Add(ent.backoff)
	ent.expiresAt = b.now().Add(b.ttl)
}

func (b *AddrBook) pruneLocked(now time.Time) {
	for el := b.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*addrEntry)
		if ent.static || ent.expiresAt.After(now) || ent.nextTry.After(now.Add(b.ttl)) {
			el = prev
			continue
		}
		delete(b.hot, ent.addr)
		b.order.Remove(el)
		el = prev
	}
}

func (b *AddrBook) evictLocked(n int) {
	for el := b.order.Back(); el != nil && n > 0; {
		prev := el.Prev()
		ent := el.Value.(*addrEntry)
		if !ent.static {
			delete(b.hot, ent.addr)
			b.order.Remove(el)
			n--
		}
		el = prev
	}
}
