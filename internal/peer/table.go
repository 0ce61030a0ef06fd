package peer

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
)

const (
	DefaultCap = 512
	DefaultTTL = 30 * time.Minute
)

var (
	ErrNotAnnounce    = errors.New("peer: not an announce")
	ErrSenderMismatch = errors.New("peer: sender does not match noise key")
	ErrUnsigned       = errors.New("peer: unsigned packet")
	ErrKeyChanged     = errors.New("peer: signing key changed")
	ErrUnknownPeer    = errors.New("peer: unknown peer")
)

// Identity is what a peer announced about itself.
type Identity struct {
	ID         peerid.PeerID
	Nickname   string
	NoiseKey   []byte
	SigningKey ed25519.PublicKey
	LastSeen   time.Time
}

func (i Identity) Fingerprint() string {
	return crypto.Fingerprint(i.NoiseKey)
}

// Link is a directly connected neighbor.
type Link struct {
	ID    peerid.PeerID
	Addr  string
	Since time.Time
}

type Options struct {
	Cap int
	TTL time.Duration
	Now func() time.Time
}

// Table tracks direct links and the identities learned from announces.
// Identities expire after TTL without a fresh announce; links live until
// removed.
type Table struct {
	mu     sync.Mutex
	cap    int
	ttl    time.Duration
	now    func() time.Time
	links  map[peerid.PeerID]Link
	idents map[peerid.PeerID]*list.Element
	order  *list.List
	// signing keys first seen per id; kept after the identity expires
	pins map[peerid.PeerID]Identity
}

type identEntry struct {
	ident     Identity
	expiresAt time.Time
}

func NewTable(opts Options) *Table {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table{
		cap:    opts.Cap,
		ttl:    opts.TTL,
		now:    opts.Now,
		links:  make(map[peerid.PeerID]Link),
		idents: make(map[peerid.PeerID]*list.Element),
		order:  list.New(),
		pins:   make(map[peerid.PeerID]Identity),
	}
}

// AddLink records a reachable neighbor and reports whether it is new.
func (t *Table) AddLink(id peerid.PeerID, addr string) bool {
	id = id.Short()
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[id]; ok {
		l.Addr = addr
		t.links[id] = l
		return false
	}
	t.links[id] = Link{ID: id, Addr: addr, Since: t.now()}
	return true
}

func (t *Table) RemoveLink(id peerid.PeerID) bool {
	id = id.Short()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[id]; !ok {
		return false
	}
	delete(t.links, id)
	return true
}

func (t *Table) IsNeighbor(id peerid.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.links[id.Short()]
	return ok
}

// Degree is the number of direct links.
func (t *Table) Degree() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

// Neighbors returns linked peer ids in sorted order.
func (t *Table) Neighbors() []peerid.PeerID {
	t.mu.Lock()
	out := make([]peerid.PeerID, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	t.mu.Unlock()
	slices.SortFunc(out, peerid.PeerID.Compare)
	return out
}

func (t *Table) Links() []Link {
	t.mu.Lock()
	out := make([]Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Link) int { return a.ID.Compare(b.ID) })
	return out
}

// ApplyAnnounce validates an announce packet and records the identity. The
// sender must be the short id of the announced noise key and the packet must
// carry a valid signature from the announced signing key. A known peer may
// not switch signing keys, even after its identity expired. It reports
// whether the identity was new.
func (t *Table) ApplyAnnounce(p proto.Packet) (Identity, bool, error) {
	if p.Type != proto.TypeAnnounce {
		return Identity{}, false, ErrNotAnnounce
	}
	a, err := proto.DecodeAnnounce(p.Payload)
	if err != nil {
		return Identity{}, false, err
	}
	id := peerid.FromNoiseKey(a.NoiseKey)
	if p.Sender.PeerID() != id {
		return Identity{}, false, fmt.Errorf("%w: sender %s, key %s", ErrSenderMismatch, p.Sender.PeerID(), id)
	}
	if len(p.Signature) == 0 {
		return Identity{}, false, ErrUnsigned
	}
	if err := proto.Verify(p, ed25519.PublicKey(a.SigningKey)); err != nil {
		return Identity{}, false, err
	}
	ident := Identity{
		ID:         id,
		Nickname:   a.Nickname,
		NoiseKey:   a.NoiseKey,
		SigningKey: ed25519.PublicKey(a.SigningKey),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)
	ident.LastSeen = now
	if pin, ok := t.pins[id]; ok && !bytes.Equal(pin.SigningKey, ident.SigningKey) {
		return pin, false, ErrKeyChanged
	}
	t.pins[id] = ident
	if el, ok := t.idents[id]; ok {
		ent := el.Value.(*identEntry)
		ent.ident = ident
		ent.expiresAt = now.Add(t.ttl)
		t.order.MoveToFront(el)
		return ident, false, nil
	}
	t.insertLocked(ident, now.Add(t.ttl))
	return ident, true, nil
}

// ApplyLeave removes the sender's identity. The packet must be signed by the
// key the sender announced.
func (t *Table) ApplyLeave(p proto.Packet) (Identity, error) {
	id := p.Sender.PeerID()
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.idents[id]
	if !ok {
		return Identity{}, ErrUnknownPeer
	}
	ent := el.Value.(*identEntry)
	if len(p.Signature) == 0 {
		return Identity{}, ErrUnsigned
	}
	if err := proto.Verify(p, ent.ident.SigningKey); err != nil {
		return Identity{}, err
	}
	delete(t.idents, id)
	t.order.Remove(el)
	return ent.ident, nil
}

// Pin inserts an identity without an announce, used when loading pinned
// keys from disk.
func (t *Table) Pin(ident Identity) {
	ident.ID = ident.ID.Short()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pins[ident.ID] = ident
	if el, ok := t.idents[ident.ID]; ok {
		t.order.Remove(el)
		delete(t.idents, ident.ID)
	}
	t.insertLocked(ident, t.now().Add(t.ttl))
}

func (t *Table) insertLocked(ident Identity, expiresAt time.Time) {
	if len(t.idents) >= t.cap {
		t.evictLocked(len(t.idents) - t.cap + 1)
	}
	t.idents[ident.ID] = t.order.PushFront(&identEntry{ident: ident, expiresAt: expiresAt})
}

func (t *Table) Lookup(id peerid.PeerID) (Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	el, ok := t.idents[id.Short()]
	if !ok {
		return Identity{}, false
	}
	return el.Value.(*identEntry).ident, true
}

func (t *Table) Remove(id peerid.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.idents[id.Short()]
	if !ok {
		return false
	}
	delete(t.idents, id.Short())
	t.order.Remove(el)
	return true
}

// Identities returns live identities, most recently seen first.
func (t *Table) Identities() []Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	out := make([]Identity, 0, len(t.idents))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*identEntry).ident)
	}
	return out
}

// Pinned returns every identity whose signing key is pinned, sorted by id.
func (t *Table) Pinned() []Identity {
	t.mu.Lock()
	out := make([]Identity, 0, len(t.pins))
	for _, id := range t.pins {
		out = append(out, id)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Identity) int { return a.ID.Compare(b.ID) })
	return out
}

// Prune drops expired identities and returns how many were removed.
func (t *Table) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(t.now())
}

func (t *Table) pruneLocked(now time.Time) int {
	n := 0
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*identEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(t.idents, ent.ident.ID)
		t.order.Remove(el)
		n++
		el = prev
	}
	return n
}

func (t *Table) evictLocked(n int) {
	for n > 0 {
		el := t.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*identEntry)
		delete(t.idents, ent.ident.ID)
		t.order.Remove(el)
		n--
	}
}
