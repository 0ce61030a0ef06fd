package daemon

import (
	"errors"
	"time"

	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/debuglog"
	"github.com/yodablocks/bitchat/internal/gossip"
	"github.com/yodablocks/bitchat/internal/peer"
	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
	"github.com/yodablocks/bitchat/internal/relay"
	"github.com/yodablocks/bitchat/internal/session"
)

const prefixLogEvery = 10 * time.Second

// Drop reasons, also used as metric labels.
const (
	dropPrefix        = "stray_prefix"
	dropMalformed     = "malformed"
	dropTooLarge      = "frame_too_large"
	dropDuplicate     = "duplicate"
	dropOwn           = "own_packet"
	dropUnknownType   = "unknown_type"
	dropBadAnnounce   = "bad_announce"
	dropKeyChanged    = "key_changed"
	dropBadLeave      = "bad_leave"
	dropBadMessage    = "bad_message"
	dropNoRecipient   = "no_recipient"
	dropHandshake     = "handshake_failed"
	dropHandshakeRace = "handshake_race"
	dropDecrypt       = "decrypt_failed"
	dropBadSync       = "bad_sync"
	dropSyncRate      = "sync_rate_limited"
	dropQueueFull     = "queue_full"
)

// PeerReachable is called by the link when a neighbor connects.
func (r *Runner) PeerReachable(id peerid.PeerID, addr string) {
	id = id.Short()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.links[id]; !ok {
		r.links[id] = &linkState{asm: proto.NewStreamAssembler()}
	}
	r.mu.Unlock()
	r.Self.Peers.AddLink(id, addr)
	r.Metrics.SetLinks(r.Self.Peers.Degree())
	r.log.Info().Str("peer", id.String()).Str("addr", addr).Msg("link up")
	r.emit(Event{Kind: EventLinkUp, Peer: id})

	if ann, err := r.Self.AnnouncePacket(); err == nil {
		if err := r.sendTo(id, ann); err != nil {
			r.log.Debug().Err(err).Str("peer", id.String()).Msg("announce to new link failed")
		}
	}
	// only the smaller id opens the session
	if r.Self.ID.Less(id) && !r.Sessions.HasSession(id) {
		r.startHandshake(id)
	}
	r.after(syncInitialDelay, func() {
		if r.Self.Peers.IsNeighbor(id) {
			_ = r.RequestSync(id)
		}
	})
}

// PeerUnreachable is called by the link when a neighbor disconnects.
// Sessions survive: the peer may still be reachable over other hops.
func (r *Runner) PeerUnreachable(id peerid.PeerID) {
	id = id.Short()
	r.mu.Lock()
	delete(r.links, id)
	addr, dialed := r.dialed[id]
	delete(r.dialed, id)
	r.mu.Unlock()
	if dialed {
		r.Self.Addrs.Disconnected(addr)
	}
	r.Self.Peers.RemoveLink(id)
	r.Metrics.SetLinks(r.Self.Peers.Degree())
	r.log.Info().Str("peer", id.String()).Msg("link down")
	r.emit(Event{Kind: EventLinkDown, Peer: id})
}

// Receive feeds raw link bytes from a neighbor. Bytes from one neighbor must
// arrive in order; different neighbors may call concurrently.
func (r *Runner) Receive(from peerid.PeerID, data []byte) {
	from = from.Short()
	r.mu.Lock()
	ls, ok := r.links[from]
	if !ok && !r.closed {
		ls = &linkState{asm: proto.NewStreamAssembler()}
		r.links[from] = ls
		ok = true
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	res := ls.asm.Append(data)
	if len(res.Dropped) > 0 {
		r.Metrics.Drop("unknown", from.String(), dropPrefix)
		debuglog.RateLimitedf("prefix:"+from.String(), prefixLogEvery, "dropped %d stray bytes from %s", len(res.Dropped), from)
	}
	if res.Reset {
		r.Metrics.IncAssemblerReset()
		r.Metrics.Drop("unknown", from.String(), dropTooLarge)
		r.log.Warn().Str("peer", from.String()).Msg("stream desynchronized, buffer reset")
	}
	for _, frame := range res.Frames {
		r.handleFrame(from, frame)
	}
}

func (r *Runner) handleFrame(from peerid.PeerID, frame []byte) {
	p, err := proto.Decode(frame)
	if err != nil {
		reason := dropMalformed
		if errors.Is(err, proto.ErrFrameTooLarge) {
			reason = dropTooLarge
		}
		r.Metrics.Drop("unknown", from.String(), reason)
		r.log.Debug().Err(err).Str("peer", from.String()).Msg("frame dropped")
		return
	}
	r.Metrics.IncRecvByType(p.Type.String())
	r.handlePacket(from, p, true)
}

func (r *Runner) drop(p proto.Packet, from peerid.PeerID, reason string) {
	r.Metrics.Drop(p.Type.String(), from.String(), reason)
	r.log.Debug().Str("peer", from.String()).Str("type", p.Type.String()).Uint8("ttl", p.TTL).Str("reason", reason).Msg("packet dropped")
}

func (r *Runner) forMe(p proto.Packet) bool {
	return p.HasRecipient() && *p.Recipient == r.Self.Wire
}

// handlePacket dispatches one decoded packet. relayable is false for
// packets rebuilt from fragments, whose fragments were already relayed.
func (r *Runner) handlePacket(from peerid.PeerID, p proto.Packet, relayable bool) {
	if p.Sender == r.Self.Wire {
		r.drop(p, from, dropOwn)
		return
	}
	id := proto.IDOf(p)
	if !r.dedup.Observe(id) {
		if r.sched.Cancel(id) {
			r.Metrics.IncRelaySuppressed()
		}
		r.drop(p, from, dropDuplicate)
		return
	}
	switch p.Type {
	case proto.TypeRequestSync:
		r.handleRequestSync(from, p)
		return
	case proto.TypeFragment:
		if !p.IsDirected() || r.forMe(p) {
			r.handleFragment(from, p)
		}
		if r.forMe(p) {
			return
		}
	case proto.TypeAnnounce:
		if !r.handleAnnounce(from, p) {
			return
		}
	case proto.TypeLeave:
		if !r.handleLeave(from, p) {
			return
		}
	case proto.TypeMessage:
		if !p.IsDirected() {
			if !r.handlePublic(from, p) {
				return
			}
		} else if r.forMe(p) {
			r.drop(p, from, dropBadMessage)
			return
		}
	case proto.TypeNoiseHandshake:
		if !p.IsDirected() {
			r.drop(p, from, dropNoRecipient)
			return
		}
		if r.forMe(p) {
			r.handleHandshake(from, p)
			return
		}
	case proto.TypeNoiseEncrypted:
		if !p.IsDirected() {
			r.drop(p, from, dropNoRecipient)
			return
		}
		if r.forMe(p) {
			r.handleEncrypted(from, p)
			return
		}
	case proto.TypeDeliveryAck:
		if r.forMe(p) {
			return
		}
	default:
		r.drop(p, from, dropUnknownType)
		return
	}
	if relayable {
		r.maybeRelay(from, p, id)
	}
}

func (r *Runner) handleFragment(from peerid.PeerID, p proto.Packet) {
	orig, done := r.frags.Add(p)
	if !done {
		return
	}
	r.Metrics.IncFragmentsReassembled()
	r.log.Debug().Str("peer", from.String()).Str("type", orig.Type.String()).Msg("fragment group complete")
	r.handlePacket(from, orig, false)
}

func (r *Runner) handleAnnounce(from peerid.PeerID, p proto.Packet) bool {
	ident, isNew, err := r.Self.Peers.ApplyAnnounce(p)
	if err != nil {
		reason := dropBadAnnounce
		if errors.Is(err, peer.ErrKeyChanged) {
			reason = dropKeyChanged
			r.log.Warn().Str("peer", p.Sender.PeerID().String()).Msg("announce with a different signing key rejected")
		}
		r.drop(p, from, reason)
		return false
	}
	r.Sync.Record(p)
	if isNew {
		r.log.Info().Str("peer", ident.ID.String()).Str("nickname", ident.Nickname).Str("fingerprint", ident.Fingerprint()).Msg("peer announced")
		r.emit(Event{Kind: EventPeerJoined, Peer: ident.ID, Nickname: ident.Nickname, Fingerprint: ident.Fingerprint()})
	}
	return true
}

func (r *Runner) handleLeave(from peerid.PeerID, p proto.Packet) bool {
	ident, err := r.Self.Peers.ApplyLeave(p)
	if err != nil {
		r.drop(p, from, dropBadLeave)
		return false
	}
	r.Sessions.RemoveSession(ident.ID)
	r.emit(Event{Kind: EventPeerLeft, Peer: ident.ID, Nickname: ident.Nickname})
	return true
}

func (r *Runner) handlePublic(from peerid.PeerID, p proto.Packet) bool {
	msg, err := proto.DecodeChatMessage(p.Payload)
	if err != nil {
		r.drop(p, from, dropBadMessage)
		return false
	}
	r.Sync.Record(p)
	r.emit(Event{Kind: EventMessage, Peer: p.Sender.PeerID(), Nickname: msg.Nickname, Message: msg, MessageID: msg.ID})
	return true
}

func (r *Runner) handleHandshake(from peerid.PeerID, p proto.Packet) {
	sender := p.Sender.PeerID()
	if len(p.Payload) == crypto.XXMessage1Size {
		// both sides initiated: the smaller id keeps its initiator role
		if s, ok := r.Sessions.Get(sender); ok && s.State() == session.StateHandshaking &&
			s.Role() == crypto.Initiator && r.Self.ID.Less(sender) {
			r.drop(p, from, dropHandshakeRace)
			return
		}
	}
	reply, err := r.Sessions.HandleIncomingHandshake(sender, p.Payload)
	if err != nil {
		r.drop(p, from, dropHandshake)
		return
	}
	if reply != nil {
		if err := r.sendHandshake(sender, reply); err != nil {
			r.log.Debug().Err(err).Str("peer", sender.String()).Msg("handshake reply not sent")
		}
	}
}

func (r *Runner) handleEncrypted(from peerid.PeerID, p proto.Packet) {
	sender := p.Sender.PeerID()
	plain, err := r.Sessions.Decrypt(sender, p.Payload)
	if err != nil {
		r.drop(p, from, dropDecrypt)
		if errors.Is(err, session.ErrSessionNotFound) && r.Self.ID.Less(sender) {
			// the peer kept a session we lost
			r.startHandshake(sender)
		}
		return
	}
	np, err := proto.DecodeNoisePayload(plain)
	crypto.Zero(plain)
	if err != nil {
		r.drop(p, from, dropBadMessage)
		return
	}
	switch np.Type {
	case proto.NoisePrivateMessage:
		msg, err := proto.DecodeChatMessage(np.Body)
		if err != nil {
			r.drop(p, from, dropBadMessage)
			return
		}
		r.emit(Event{Kind: EventPrivateMessage, Peer: sender, Nickname: msg.Nickname, Message: msg, MessageID: msg.ID})
		ack := proto.EncodeNoisePayload(proto.NoisePayload{Type: proto.NoiseDeliveryAck, Body: proto.ReceiptBody(msg.ID)})
		if err := r.sendEncrypted(sender, ack); err != nil {
			r.log.Debug().Err(err).Str("peer", sender.String()).Msg("delivery ack not sent")
		}
	case proto.NoiseDeliveryAck, proto.NoiseReadReceipt:
		mid, err := proto.ParseReceiptBody(np.Body)
		if err != nil {
			r.drop(p, from, dropBadMessage)
			return
		}
		kind := EventDelivered
		if np.Type == proto.NoiseReadReceipt {
			kind = EventRead
		}
		r.emit(Event{Kind: kind, Peer: sender, MessageID: mid})
	default:
		r.drop(p, from, dropBadMessage)
	}
}

func (r *Runner) handleRequestSync(from peerid.PeerID, p proto.Packet) {
	r.Metrics.IncSyncReceived()
	req, err := proto.DecodeRequestSync(p.Payload)
	if err != nil {
		r.drop(p, from, dropBadSync)
		return
	}
	missing, err := r.Sync.HandleRequest(from, req)
	if err != nil {
		reason := dropBadSync
		if errors.Is(err, gossip.ErrRateLimited) {
			reason = dropSyncRate
		}
		r.drop(p, from, reason)
		return
	}
	sent := 0
	for _, m := range missing {
		if err := r.sendTo(from, m); err != nil {
			r.log.Debug().Err(err).Str("peer", from.String()).Msg("sync resend stopped")
			break
		}
		sent++
	}
	r.Metrics.AddSyncResent(sent)
	if sent > 0 {
		r.log.Debug().Str("peer", from.String()).Int("count", sent).Msg("sync resend")
	}
}

func (r *Runner) maybeRelay(from peerid.PeerID, p proto.Packet, id proto.PacketID) {
	d := relay.Decide(relay.Input{
		TTL:                 p.TTL,
		SenderIsSelf:        p.Sender == r.Self.Wire,
		Class:               relay.ClassOf(p),
		Degree:              r.Self.Peers.Degree(),
		HighDegreeThreshold: r.cfg.Relay.HighDegreeThreshold,
	}, r.rng)
	if !d.ShouldRelay {
		return
	}
	fwd := p
	fwd.TTL = d.NewTTL
	r.sched.Schedule(id, d.Delay(), func() {
		n, err := r.flood(fwd, from)
		if err != nil {
			r.log.Debug().Err(err).Str("type", fwd.Type.String()).Msg("relay failed")
			return
		}
		if n > 0 {
			r.Metrics.IncRelayed()
		}
	})
}
