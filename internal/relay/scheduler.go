package relay

import (
	"sync"
	"time"

	"github.com/yodablocks/bitchat/internal/proto"
)

// Scheduler holds relays waiting out their jitter. A duplicate heard during
// the wait cancels the relay: a neighbor already covered it.
type Scheduler struct {
	mu      sync.Mutex
	pending map[proto.PacketID]*time.Timer
	closed  bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[proto.PacketID]*time.Timer)}
}

// Schedule runs fn after delay unless Cancel(id) comes first. A second
// schedule for a pending id is ignored.
func (s *Scheduler) Schedule(id proto.PacketID, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.pending[id]; ok {
		return false
	}
	s.pending[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, ok := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if ok {
			fn()
		}
	})
	return true
}

func (s *Scheduler) Cancel(id proto.PacketID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.pending, id)
	return true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
