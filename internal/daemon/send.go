package daemon

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/fragment"
	"github.com/yodablocks/bitchat/internal/peer"
	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
	"github.com/yodablocks/bitchat/internal/session"
)

var ErrBadPeer = errors.New("daemon: invalid peer id")

func (r *Runner) link() Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport
}

// frames encodes p for the link, splitting it into fragments above the
// configured chunk size. Fragments go out as they are; splitting them again
// would nest groups on every hop.
func (r *Runner) frames(p proto.Packet) ([][]byte, error) {
	if p.Type == proto.TypeFragment {
		b, err := proto.Encode(p)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}
	encoded, err := proto.EncodeWith(p, proto.EncodeOptions{Compress: true})
	if err != nil {
		return nil, err
	}
	if !fragment.NeedsSplit(encoded, r.cfg.Fragment.ChunkSize) {
		return [][]byte{encoded}, nil
	}
	parts, err := fragment.SplitEncoded(p, encoded, r.cfg.Fragment.ChunkSize)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(parts))
	for _, f := range parts {
		r.dedup.Observe(proto.IDOf(f))
		b, err := proto.Encode(f)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *Runner) sendTo(id peerid.PeerID, p proto.Packet) error {
	t := r.link()
	if t == nil {
		return ErrNoTransport
	}
	frames, err := r.frames(p)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := t.Send(id, f); err != nil {
			return err
		}
	}
	return nil
}

// flood sends p to every neighbor except the one it came from and returns
// how many neighbors it reached.
func (r *Runner) flood(p proto.Packet, except peerid.PeerID) (int, error) {
	t := r.link()
	if t == nil {
		return 0, ErrNoTransport
	}
	frames, err := r.frames(p)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range r.Self.Peers.Neighbors() {
		if n == except {
			continue
		}
		ok := true
		for _, f := range frames {
			if err := t.Send(n, f); err != nil {
				r.log.Debug().Err(err).Str("peer", n.String()).Msg("send failed")
				ok = false
				break
			}
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// originate sends a packet this node created. Directed packets go straight
// to the recipient when it is a neighbor and flood otherwise.
func (r *Runner) originate(p proto.Packet, to *peerid.PeerID) error {
	r.dedup.Observe(proto.IDOf(p))
	if to != nil && r.Self.Peers.IsNeighbor(*to) {
		return r.sendTo(*to, p)
	}
	n, err := r.flood(p, peerid.PeerID{})
	if err != nil {
		return err
	}
	if n == 0 && to != nil {
		return fmt.Errorf("%w: %s unreachable", ErrNoRoute, *to)
	}
	return nil
}

func (r *Runner) directed(typ proto.MessageType, to peerid.PeerID, payload []byte) (proto.Packet, error) {
	rid, ok := proto.IDFromPeer(to)
	if !ok {
		return proto.Packet{}, fmt.Errorf("%w: %s", ErrBadPeer, to)
	}
	return r.Self.NewPacket(typ, &rid, payload), nil
}

func (r *Runner) startHandshake(to peerid.PeerID) {
	msg, err := r.Sessions.InitiateHandshake(to)
	if err != nil {
		if !errors.Is(err, session.ErrAlreadyEstablished) {
			r.log.Debug().Err(err).Str("peer", to.String()).Msg("handshake not started")
		}
		return
	}
	if err := r.sendHandshake(to, msg); err != nil {
		r.log.Debug().Err(err).Str("peer", to.String()).Msg("handshake not sent")
	}
}

func (r *Runner) sendHandshake(to peerid.PeerID, msg []byte) error {
	p, err := r.directed(proto.TypeNoiseHandshake, to, msg)
	if err != nil {
		return err
	}
	return r.originate(p, &to)
}

func (r *Runner) sendEncrypted(to peerid.PeerID, inner []byte) error {
	ct, err := r.Sessions.Encrypt(to, inner)
	if err != nil {
		return err
	}
	p, err := r.directed(proto.TypeNoiseEncrypted, to, ct)
	if err != nil {
		return err
	}
	return r.originate(p, &to)
}

func (r *Runner) enqueue(to peerid.PeerID, inner []byte) {
	r.mu.Lock()
	q := r.pending[to]
	full := len(q) >= maxPendingPerPeer
	if full {
		crypto.Zero(q[0])
		q = q[1:]
	}
	r.pending[to] = append(q, inner)
	r.mu.Unlock()
	if full {
		r.Metrics.Drop(proto.TypeNoiseEncrypted.String(), to.String(), dropQueueFull)
	}
}

func (r *Runner) flush(to peerid.PeerID) {
	r.mu.Lock()
	q := r.pending[to]
	delete(r.pending, to)
	r.mu.Unlock()
	for _, inner := range q {
		if err := r.sendEncrypted(to, inner); err != nil {
			r.log.Debug().Err(err).Str("peer", to.String()).Msg("queued message not sent")
		}
		crypto.Zero(inner)
	}
}

// Pending reports how many private messages wait for a session with to.
func (r *Runner) Pending(to peerid.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[to.Short()])
}

func (r *Runner) onEstablished(p peerid.PeerID, remote []byte) {
	if peerid.FromNoiseKey(remote) != p {
		r.Sessions.RemoveSession(p)
		r.Metrics.IncSessionFailed()
		r.log.Warn().Str("peer", p.String()).Msg("session static key does not match peer id")
		r.emit(Event{Kind: EventSessionFailed, Peer: p, Err: fmt.Errorf("%w: static key mismatch", session.ErrHandshakeFailed)})
		return
	}
	fp := crypto.Fingerprint(remote)
	r.Metrics.IncSessionEstablished()
	r.emit(Event{Kind: EventSessionEstablished, Peer: p, Fingerprint: fp})
	r.flush(p)
}

func (r *Runner) onFailed(p peerid.PeerID, err error) {
	r.Metrics.IncSessionFailed()
	r.mu.Lock()
	dropped := len(r.pending[p])
	for _, inner := range r.pending[p] {
		crypto.Zero(inner)
	}
	delete(r.pending, p)
	r.mu.Unlock()
	r.log.Info().Err(err).Str("peer", p.String()).Int("dropped", dropped).Msg("session failed")
	r.emit(Event{Kind: EventSessionFailed, Peer: p, Err: err})
}

// Broadcast floods a public chat message.
func (r *Runner) Broadcast(content string) (proto.ChatMessage, error) {
	msg := proto.NewChatMessage(r.Self.Nickname(), content)
	body, err := proto.EncodeChatMessage(msg)
	if err != nil {
		return proto.ChatMessage{}, err
	}
	p := r.Self.NewPacket(proto.TypeMessage, nil, body)
	r.Sync.Record(p)
	return msg, r.originate(p, nil)
}

// SendPrivate encrypts a chat message to one peer. Without a session the
// message is queued and a handshake starts; it goes out once established.
func (r *Runner) SendPrivate(to peerid.PeerID, content string) (uuid.UUID, error) {
	to = to.Short()
	if !to.IsShort() {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrBadPeer, to)
	}
	if to == r.Self.ID {
		return uuid.Nil, fmt.Errorf("%w: cannot message self", ErrBadPeer)
	}
	msg := proto.NewChatMessage(r.Self.Nickname(), content)
	body, err := proto.EncodeChatMessage(msg)
	if err != nil {
		return uuid.Nil, err
	}
	inner := proto.EncodeNoisePayload(proto.NoisePayload{Type: proto.NoisePrivateMessage, Body: body})
	if r.Sessions.IsEstablished(to) {
		return msg.ID, r.sendEncrypted(to, inner)
	}
	r.enqueue(to, inner)
	if !r.Sessions.HasSession(to) {
		r.startHandshake(to)
	}
	if r.Sessions.IsEstablished(to) {
		r.flush(to)
	}
	return msg.ID, nil
}

// MarkRead sends a read receipt for a private message from peer.
func (r *Runner) MarkRead(from peerid.PeerID, id uuid.UUID) error {
	inner := proto.EncodeNoisePayload(proto.NoisePayload{Type: proto.NoiseReadReceipt, Body: proto.ReceiptBody(id)})
	return r.sendEncrypted(from.Short(), inner)
}

// Announce floods this node's signed announce.
func (r *Runner) Announce() error {
	ann, err := r.Self.AnnouncePacket()
	if err != nil {
		return err
	}
	r.Sync.Record(ann)
	return r.originate(ann, nil)
}

// RequestSync sends our gossip filter to one neighbor. The request has ttl
// 0 and is never relayed.
func (r *Runner) RequestSync(to peerid.PeerID) error {
	to = to.Short()
	p, err := r.directed(proto.TypeRequestSync, to, proto.EncodeRequestSync(r.Sync.BuildRequest()))
	if err != nil {
		return err
	}
	p.TTL = 0
	r.dedup.Observe(proto.IDOf(p))
	if err := r.sendTo(to, p); err != nil {
		return err
	}
	r.Metrics.IncSyncSent()
	return nil
}

// Fingerprint returns the fingerprint of the static key peer proved in an
// established session.
func (r *Runner) Fingerprint(p peerid.PeerID) (string, error) {
	remote, err := r.Sessions.RemoteStatic(p.Short())
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(remote), nil
}

func (r *Runner) Neighbors() []peer.Link {
	return r.Self.Peers.Links()
}

func (r *Runner) Identities() []peer.Identity {
	return r.Self.Peers.Identities()
}
