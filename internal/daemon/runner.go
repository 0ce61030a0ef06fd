package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yodablocks/bitchat/internal/config"
	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/fragment"
	"github.com/yodablocks/bitchat/internal/gossip"
	"github.com/yodablocks/bitchat/internal/metrics"
	"github.com/yodablocks/bitchat/internal/node"
	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
	"github.com/yodablocks/bitchat/internal/relay"
	"github.com/yodablocks/bitchat/internal/session"
)

const (
	maintainEvery     = time.Second
	announceEvery     = time.Minute
	syncInitialDelay  = 2 * time.Second
	maxPendingPerPeer = 32
)

var (
	ErrNoTransport = errors.New("daemon: no transport bound")
	ErrNoRoute     = errors.New("daemon: no neighbors")
)

// Transport is the link layer: raw bytes to a directly connected peer.
type Transport interface {
	Send(id peerid.PeerID, data []byte) error
}

// Dialer is implemented by transports that can open links by address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (peerid.PeerID, error)
}

type Options struct {
	Config       config.Config
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Rand         relay.Source
	Now          func() time.Time
	OnEvent      func(Event)
	SnapshotPath string
}

// Runner is one mesh node: it takes raw bytes from the link, runs them
// through framing, fragments, sessions, relay and gossip, and originates
// this node's own traffic.
type Runner struct {
	Self     *node.Node
	Metrics  *metrics.Metrics
	Sessions *session.Manager
	Sync     *gossip.SyncManager

	cfg      config.Config
	log      zerolog.Logger
	rng      relay.Source
	now      func() time.Time
	onEvent  func(Event)
	snapPath string

	dedup  *relay.Dedup
	sched  *relay.Scheduler
	frags  *fragment.Reassembler
	static *crypto.KeyPair

	mu        sync.Mutex
	transport Transport
	links     map[peerid.PeerID]*linkState
	pending   map[peerid.PeerID][][]byte
	dialed    map[peerid.PeerID]string
	timers    map[*time.Timer]struct{}
	closed    bool
	closeOnce sync.Once

	lastSync     time.Time
	lastAnnounce time.Time
}

type linkState struct {
	mu  sync.Mutex
	asm *proto.StreamAssembler
}

// globalRand draws jitter from the concurrency-safe top-level generator.
type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

func NewRunner(self *node.Node, opts Options) (*Runner, error) {
	if self == nil {
		return nil, fmt.Errorf("daemon: missing node")
	}
	cfg := opts.Config
	// zero config means defaults
	if cfg.Fragment.ChunkSize == 0 {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Rand == nil {
		opts.Rand = globalRand{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Runner{
		Self:     self,
		Metrics:  opts.Metrics,
		cfg:      cfg,
		log:      opts.Logger.With().Str("component", "runner").Str("self", self.ID.String()).Logger(),
		rng:      opts.Rand,
		now:      opts.Now,
		onEvent:  opts.OnEvent,
		snapPath: opts.SnapshotPath,
		dedup:    relay.NewDedup(relay.DefaultDedupCapacity, relay.DefaultDedupFPR),
		sched:    relay.NewScheduler(),
		static:   self.Static(),
		links:    make(map[peerid.PeerID]*linkState),
		pending:  make(map[peerid.PeerID][][]byte),
		dialed:   make(map[peerid.PeerID]string),
		timers:   make(map[*time.Timer]struct{}),
	}
	r.frags = fragment.NewReassembler(fragment.Options{
		Timeout:     cfg.Fragment.Timeout.Duration,
		MaxSessions: cfg.Fragment.MaxSessions,
		Now:         opts.Now,
		Logger:      opts.Logger,
	})
	r.Sync = gossip.NewSyncManager(gossip.Options{
		Capacity:       cfg.Gossip.Capacity,
		MaxFilterBytes: cfg.Gossip.MaxFilterBytes,
		TargetFPR:      cfg.Gossip.TargetFPR,
		ResponseEvery:  cfg.Gossip.ResponseRate.Duration,
		ResponseBurst:  cfg.Gossip.ResponseBurst,
		Now:            opts.Now,
	})
	r.Sessions = session.NewManager(session.Options{
		Static:         r.static,
		Now:            opts.Now,
		Logger:         opts.Logger.With().Str("component", "session").Logger(),
		RekeyAfter:     cfg.Session.RekeyAfter.Duration,
		RekeyMessages:  cfg.Session.RekeyMessages,
		HandshakeRetry: cfg.Session.HandshakeRetry.Duration,
		MaxRetries:     cfg.Session.HandshakeMaxRetries,
		OnEstablished:  r.onEstablished,
		OnFailed:       r.onFailed,
	})
	return r, nil
}

// Bind attaches the link layer. Call it before the link starts delivering.
func (r *Runner) Bind(t Transport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
}

func (r *Runner) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// Run drives the maintenance loop until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Str("fingerprint", r.Self.Fingerprint()).Msg("runner started")
	ticker := time.NewTicker(maintainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Maintain(ctx)
		}
	}
}

// Maintain runs one pass of the periodic work: handshake retransmits,
// rekeys, pruning, announces, sync rounds, redials and the metrics snapshot.
func (r *Runner) Maintain(ctx context.Context) {
	for _, rt := range r.Sessions.HandshakeRetries() {
		r.log.Debug().Str("peer", rt.Peer.String()).Msg("handshake retransmit")
		if err := r.sendHandshake(rt.Peer, rt.Message); err != nil {
			r.log.Debug().Err(err).Str("peer", rt.Peer.String()).Msg("handshake retransmit failed")
		}
	}
	for _, p := range r.Sessions.NeedsRekey() {
		msg, err := r.Sessions.Rekey(p)
		if err != nil {
			continue
		}
		r.log.Info().Str("peer", p.String()).Msg("rekeying session")
		_ = r.sendHandshake(p, msg)
	}
	if n := r.frags.Prune(); n > 0 {
		r.log.Debug().Int("groups", n).Msg("fragment groups expired")
	}
	r.Self.Peers.Prune()
	r.Metrics.SetLinks(r.Self.Peers.Degree())

	now := r.now()
	r.mu.Lock()
	announceDue := now.Sub(r.lastAnnounce) >= announceEvery
	syncDue := now.Sub(r.lastSync) >= r.cfg.Gossip.Interval.Duration
	if announceDue {
		r.lastAnnounce = now
	}
	if syncDue {
		r.lastSync = now
	}
	r.mu.Unlock()
	if announceDue && r.Self.Peers.Degree() > 0 {
		_ = r.Announce()
	}
	if syncDue {
		for _, n := range r.Self.Peers.Neighbors() {
			_ = r.RequestSync(n)
		}
	}
	r.redial(ctx)
	if r.snapPath != "" {
		_ = r.Metrics.WriteSnapshot(r.snapPath)
	}
}

func (r *Runner) redial(ctx context.Context) {
	r.mu.Lock()
	d, ok := r.transport.(Dialer)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, addr := range r.Self.Addrs.Due() {
		go func() {
			if _, err := r.dial(ctx, d, addr); err != nil {
				r.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
			}
		}()
	}
}

// Dial connects to addr through the bound transport and remembers it for
// redials.
func (r *Runner) Dial(ctx context.Context, addr string) (peerid.PeerID, error) {
	r.mu.Lock()
	d, ok := r.transport.(Dialer)
	r.mu.Unlock()
	if !ok {
		return peerid.PeerID{}, ErrNoTransport
	}
	r.Self.Addrs.Add(addr, true)
	return r.dial(ctx, d, addr)
}

func (r *Runner) dial(ctx context.Context, d Dialer, addr string) (peerid.PeerID, error) {
	id, err := d.Dial(ctx, addr)
	if err != nil {
		r.Self.Addrs.Failed(addr)
		return peerid.PeerID{}, err
	}
	r.Self.Addrs.Connected(addr)
	r.mu.Lock()
	r.dialed[id] = addr
	r.mu.Unlock()
	return id, nil
}

// Close announces departure, stops pending relays and erases session keys.
// The node itself stays open; its owner closes it.
func (r *Runner) Close() error {
	r.closeOnce.Do(r.shutdown)
	return nil
}

func (r *Runner) shutdown() {
	if r.Self.Peers.Degree() > 0 {
		if leave, err := r.Self.LeavePacket(); err == nil {
			_ = r.originate(leave, nil)
		}
	}
	r.mu.Lock()
	r.closed = true
	for t := range r.timers {
		t.Stop()
		delete(r.timers, t)
	}
	r.mu.Unlock()
	r.sched.Stop()
	r.Sessions.RemoveAllSessions()
	r.static.Destroy()
	r.Metrics.SetLinks(0)
	if r.snapPath != "" {
		_ = r.Metrics.WriteSnapshot(r.snapPath)
	}
	r.log.Info().Msg("runner stopped")
}

func (r *Runner) after(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, t)
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			fn()
		}
	})
	r.timers[t] = struct{}{}
}
