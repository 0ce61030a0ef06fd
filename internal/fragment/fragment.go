package fragment

import (
	"container/list"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yodablocks/bitchat/internal/proto"
)

const (
	DefaultChunkSize   = 469
	DefaultTimeout     = 30 * time.Second
	DefaultMaxSessions = 128

	maxFragments = 0xFFFF
)

var (
	ErrChunkSize    = errors.New("fragment: chunk size must be positive")
	ErrTooManyParts = errors.New("fragment: packet needs too many fragments")
)

// NeedsSplit reports whether an encoded packet exceeds one chunk.
func NeedsSplit(encoded []byte, chunkSize int) bool {
	return chunkSize > 0 && len(encoded) > chunkSize
}

// Split cuts the encoded form of p into fragment packets. Every fragment keeps
// p's routing fields so relays treat the group like the original.
func Split(p proto.Packet, chunkSize int) ([]proto.Packet, error) {
	encoded, err := proto.Encode(p)
	if err != nil {
		return nil, err
	}
	return SplitEncoded(p, encoded, chunkSize)
}

// SplitEncoded is Split for callers that already hold the encoded bytes.
func SplitEncoded(p proto.Packet, encoded []byte, chunkSize int) ([]proto.Packet, error) {
	if chunkSize <= 0 {
		return nil, ErrChunkSize
	}
	total := (len(encoded) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if total > maxFragments {
		return nil, fmt.Errorf("%w: %d", ErrTooManyParts, total)
	}
	var group proto.FragmentID
	if _, err := rand.Read(group[:]); err != nil {
		return nil, fmt.Errorf("fragment: group id: %w", err)
	}
	out := make([]proto.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		payload := proto.EncodeFragment(proto.Fragment{
			ID:           group,
			Index:        uint16(i),
			Total:        uint16(total),
			OriginalType: p.Type,
			Data:         encoded[start:end],
		})
		fp := proto.Packet{
			Version:   proto.Version,
			Type:      proto.TypeFragment,
			TTL:       p.TTL,
			Timestamp: p.Timestamp,
			Sender:    p.Sender,
			Payload:   payload,
		}
		if p.Recipient != nil {
			r := *p.Recipient
			fp.Recipient = &r
		}
		out = append(out, fp)
	}
	return out, nil
}

type Options struct {
	Timeout     time.Duration
	MaxSessions int
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Reassembler collects fragment groups until complete. Safe for concurrent use.
type Reassembler struct {
	mu       sync.Mutex
	timeout  time.Duration
	max      int
	now      func() time.Time
	log      zerolog.Logger
	sessions map[proto.FragmentID]*list.Element
	order    *list.List
}

type session struct {
	id        proto.FragmentID
	total     uint16
	origType  proto.MessageType
	chunks    map[uint16][]byte
	size      int
	firstSeen time.Time
	progress  time.Time
}

func NewReassembler(opts Options) *Reassembler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reassembler{
		timeout:  opts.Timeout,
		max:      opts.MaxSessions,
		now:      opts.Now,
		log:      opts.Logger,
		sessions: make(map[proto.FragmentID]*list.Element),
		order:    list.New(),
	}
}

// Add feeds one fragment packet. It returns the original packet once the
// group is complete. Malformed fragments are dropped without touching other
// groups; a repeated index is a no-op.
func (r *Reassembler) Add(p proto.Packet) (proto.Packet, bool) {
	f, err := proto.DecodeFragment(p.Payload)
	if err != nil {
		r.log.Debug().Str("reason", "short_header").Msg("fragment dropped")
		return proto.Packet{}, false
	}
	if f.Total == 0 || f.Index >= f.Total {
		r.log.Debug().Str("reason", "bad_index").Uint16("index", f.Index).Uint16("total", f.Total).Msg("fragment dropped")
		return proto.Packet{}, false
	}
	now := r.now()

	r.mu.Lock()
	r.pruneLocked(now)
	el, ok := r.sessions[f.ID]
	if !ok {
		if len(r.sessions) >= r.max {
			r.evictLocked(len(r.sessions) - r.max + 1)
		}
		s := &session{
			id:        f.ID,
			total:     f.Total,
			origType:  f.OriginalType,
			chunks:    make(map[uint16][]byte, f.Total),
			firstSeen: now,
		}
		el = r.order.PushFront(s)
		r.sessions[f.ID] = el
	}
	s := el.Value.(*session)
	if s.total != f.Total {
		r.mu.Unlock()
		r.log.Debug().Str("reason", "total_mismatch").Hex("group", f.ID[:]).Msg("fragment dropped")
		return proto.Packet{}, false
	}
	if _, dup := s.chunks[f.Index]; dup {
		r.mu.Unlock()
		return proto.Packet{}, false
	}
	// a group past the frame cap can never decode
	if s.size+len(f.Data) > proto.MaxFrameSize {
		delete(r.sessions, s.id)
		r.order.Remove(el)
		r.mu.Unlock()
		r.log.Debug().Str("reason", "oversize").Hex("group", f.ID[:]).Int("size", s.size+len(f.Data)).Msg("fragment group dropped")
		return proto.Packet{}, false
	}
	s.chunks[f.Index] = f.Data
	s.size += len(f.Data)
	s.progress = now
	r.order.MoveToFront(el)
	if len(s.chunks) < int(s.total) {
		r.mu.Unlock()
		return proto.Packet{}, false
	}
	delete(r.sessions, s.id)
	r.order.Remove(el)
	r.mu.Unlock()

	buf := make([]byte, 0, s.size)
	for i := uint16(0); i < s.total; i++ {
		buf = append(buf, s.chunks[i]...)
	}
	orig, err := proto.Decode(buf)
	if err != nil {
		r.log.Debug().Err(err).Hex("group", s.id[:]).Msg("reassembled packet invalid")
		return proto.Packet{}, false
	}
	return orig, true
}

// Prune evicts groups that made no progress within the timeout.
func (r *Reassembler) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(r.now())
}

func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Reassembler) pruneLocked(now time.Time) int {
	cutoff := now.Add(-r.timeout)
	n := 0
	for {
		back := r.order.Back()
		if back == nil {
			return n
		}
		s := back.Value.(*session)
		if s.progress.After(cutoff) {
			return n
		}
		delete(r.sessions, s.id)
		r.order.Remove(back)
		n++
	}
}

func (r *Reassembler) evictLocked(n int) {
	for n > 0 {
		back := r.order.Back()
		if back == nil {
			return
		}
		s := back.Value.(*session)
		r.log.Debug().Hex("group", s.id[:]).Dur("age", r.now().Sub(s.firstSeen)).Msg("fragment group evicted")
		delete(r.sessions, s.id)
		r.order.Remove(back)
		n--
	}
}
