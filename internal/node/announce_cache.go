package node

import (
	"container/list"
	"crypto/sha256"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/yodablocks/bitchat/internal/proto"
)

type announceCacheEntry struct {
	key [32]byte
	pkt proto.Packet
	ts  time.Time
}

// announceCache reuses a signed announce for a short while so a burst of
// new links sends one packet id instead of many.
type announceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[[32]byte]*list.Element
	order   *list.List
}

func newAnnounceCache() *announceCache {
	ttl := 10 * time.Second
	if raw := os.Getenv("MESH_ANNOUNCE_CACHE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			ttl = time.Duration(v) * time.Second
		}
	}
	return &announceCache{
		ttl:     ttl,
		maxSize: 8,
		items:   make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

func announceKey(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

func (c *announceCache) get(key [32]byte, now time.Time) (proto.Packet, bool) {
	if c == nil || c.ttl <= 0 {
		return proto.Packet{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	el, ok := c.items[key]
	if !ok {
		return proto.Packet{}, false
	}
	return el.Value.(*announceCacheEntry).pkt, true
}

func (c *announceCache) put(key [32]byte, p proto.Packet, now time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*announceCacheEntry)
		ent.pkt = p
		ent.ts = now
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&announceCacheEntry{key: key, pkt: p, ts: now})
	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		back := c.order.Back()
		old := back.Value.(*announceCacheEntry)
		delete(c.items, old.key)
		c.order.Remove(back)
	}
}

func (c *announceCache) pruneExpiredLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*announceCacheEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(c.items, ent.key)
		c.order.Remove(back)
	}
}
