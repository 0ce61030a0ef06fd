package relay

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/yodablocks/bitchat/internal/proto"
)

const (
	DefaultDedupCapacity = 4096
	DefaultDedupFPR      = 0.001
)

// Dedup remembers recently seen packet ids in two Bloom generations. When
// the current one fills up it becomes the previous one, so an id is
// remembered for between one and two generations.
type Dedup struct {
	mu       sync.Mutex
	capacity uint
	fpr      float64
	cur      *bloom.BloomFilter
	prev     *bloom.BloomFilter
	inserts  uint
}

func NewDedup(capacity uint, fpr float64) *Dedup {
	if capacity == 0 {
		capacity = DefaultDedupCapacity
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultDedupFPR
	}
	return &Dedup{
		capacity: capacity,
		fpr:      fpr,
		cur:      bloom.NewWithEstimates(capacity, fpr),
	}
}

// Observe records id and reports whether it was new.
func (d *Dedup) Observe(id proto.PacketID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prev != nil && d.prev.Test(id[:]) {
		return false
	}
	if d.cur.TestAndAdd(id[:]) {
		return false
	}
	d.inserts++
	if d.inserts >= d.capacity {
		d.prev = d.cur
		d.cur = bloom.NewWithEstimates(d.capacity, d.fpr)
		d.inserts = 0
	}
	return true
}

func (d *Dedup) Seen(id proto.PacketID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur.Test(id[:]) || (d.prev != nil && d.prev.Test(id[:]))
}
