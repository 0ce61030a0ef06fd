package gossip

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
)

const (
	DefaultCapacity      = 1000
	DefaultResponseEvery = 10 * time.Second
	DefaultResponseBurst = 2
	limiterIdleTTL       = 10 * time.Minute
)

var ErrRateLimited = errors.New("gossip: sync request rate limited")

type Options struct {
	Capacity       int
	MaxFilterBytes int
	TargetFPR      float64
	ResponseEvery  time.Duration
	ResponseBurst  int
	Now            func() time.Time
}

// SyncManager keeps the recent public traffic this node can offer to peers
// and answers their sync filters. Safe for concurrent use.
type SyncManager struct {
	mu       sync.Mutex
	opts     Options
	entries  map[proto.PacketID]*list.Element
	order    *list.List
	announce map[proto.ID]proto.PacketID
	limits   map[peerid.PeerID]*peerLimit
}

type entry struct {
	id     proto.PacketID
	packet proto.Packet
}

type peerLimit struct {
	lim  *rate.Limiter
	last time.Time
}

func NewSyncManager(opts Options) *SyncManager {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxFilterBytes <= 0 {
		opts.MaxFilterBytes = DefaultMaxFilterBytes
	}
	if !(opts.TargetFPR > 0 && opts.TargetFPR < 1) {
		opts.TargetFPR = DefaultTargetFPR
	}
	if opts.ResponseEvery <= 0 {
		opts.ResponseEvery = DefaultResponseEvery
	}
	if opts.ResponseBurst <= 0 {
		opts.ResponseBurst = DefaultResponseBurst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncManager{
		opts:     opts,
		entries:  make(map[proto.PacketID]*list.Element),
		order:    list.New(),
		announce: make(map[proto.ID]proto.PacketID),
		limits:   make(map[peerid.PeerID]*peerLimit),
	}
}

// Syncable reports whether p is public traffic worth offering to peers.
func Syncable(p proto.Packet) bool {
	switch p.Type {
	case proto.TypeMessage:
		return !p.IsDirected()
	case proto.TypeAnnounce:
		return true
	}
	return false
}

// Record remembers a public packet. Only the latest announce per sender is
// kept. It reports whether the packet was new.
func (s *SyncManager) Record(p proto.Packet) bool {
	if !Syncable(p) {
		return false
	}
	id := proto.IDOf(p)
	p.TTL = 0
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		s.order.MoveToFront(el)
		return false
	}
	if p.Type == proto.TypeAnnounce {
		if old, ok := s.announce[p.Sender]; ok {
			if el, ok := s.entries[old]; ok {
				if el.Value.(*entry).packet.Timestamp > p.Timestamp {
					return false
				}
				s.removeLocked(el)
			}
		}
		s.announce[p.Sender] = id
	}
	s.entries[id] = s.order.PushFront(&entry{id: id, packet: p})
	for s.order.Len() > s.opts.Capacity {
		s.removeLocked(s.order.Back())
	}
	return true
}

func (s *SyncManager) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	delete(s.entries, ent.id)
	if ent.packet.Type == proto.TypeAnnounce && s.announce[ent.packet.Sender] == ent.id {
		delete(s.announce, ent.packet.Sender)
	}
	s.order.Remove(el)
}

func (s *SyncManager) Has(id proto.PacketID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *SyncManager) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// BuildRequest encodes the ids we hold, newest first, as a sync filter.
func (s *SyncManager) BuildRequest() proto.RequestSync {
	s.mu.Lock()
	ids := make([]proto.PacketID, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*entry).id)
	}
	s.mu.Unlock()
	return Build(ids, s.opts.MaxFilterBytes, s.opts.TargetFPR)
}

// HandleRequest returns the packets the requester's filter lacks, oldest
// first, with ttl 0 so they stay with the requester.
func (s *SyncManager) HandleRequest(from peerid.PeerID, req proto.RequestSync) ([]proto.Packet, error) {
	if !s.allow(from) {
		return nil, ErrRateLimited
	}
	f := Decode(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Packet
	for el := s.order.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*entry)
		if f.M != 0 && f.Contains(ent.id) {
			continue
		}
		out = append(out, ent.packet)
	}
	return out, nil
}

func (s *SyncManager) allow(from peerid.PeerID) bool {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, l := range s.limits {
		if now.Sub(l.last) > limiterIdleTTL {
			delete(s.limits, p)
		}
	}
	l, ok := s.limits[from]
	if !ok {
		l = &peerLimit{lim: rate.NewLimiter(rate.Every(s.opts.ResponseEvery), s.opts.ResponseBurst)}
		s.limits[from] = l
	}
	l.last = now
	return l.lim.AllowN(now, 1)
}
