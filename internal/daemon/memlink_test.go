package daemon

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yodablocks/bitchat/internal/config"
	"github.com/yodablocks/bitchat/internal/node"
	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
)

var errNotLinked = errors.New("memlink: not linked")

// hub is an in-memory radio: ordered byte pipes between runners.
type hub struct {
	mu    sync.Mutex
	pipes map[[2]peerid.PeerID]*pipe
	wg    sync.WaitGroup
	// lose, when set, swallows the frames it returns true for
	lose func(from, to peerid.PeerID, data []byte) bool
}

type pipe struct {
	ch   chan []byte
	done chan struct{}
}

func newHub(t *testing.T) *hub {
	h := &hub{pipes: make(map[[2]peerid.PeerID]*pipe)}
	t.Cleanup(h.close)
	return h
}

type memTransport struct {
	h    *hub
	self peerid.PeerID
}

func (m memTransport) Send(to peerid.PeerID, data []byte) error {
	m.h.mu.Lock()
	p, ok := m.h.pipes[[2]peerid.PeerID{m.self, to.Short()}]
	lose := m.h.lose
	m.h.mu.Unlock()
	if !ok {
		return errNotLinked
	}
	if lose != nil && lose(m.self, to.Short(), data) {
		return nil
	}
	select {
	case p.ch <- append([]byte(nil), data...):
		return nil
	case <-p.done:
		return errNotLinked
	}
}

func (h *hub) open(from, to *Runner) {
	p := &pipe{ch: make(chan []byte, 4096), done: make(chan struct{})}
	h.mu.Lock()
	h.pipes[[2]peerid.PeerID{from.Self.ID, to.Self.ID}] = p
	h.mu.Unlock()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case b := <-p.ch:
				to.Receive(from.Self.ID, b)
			case <-p.done:
				return
			}
		}
	}()
}

func (h *hub) connect(a, b *Runner) {
	h.open(a, b)
	h.open(b, a)
	a.PeerReachable(b.Self.ID, "mem:"+b.Self.ID.String())
	b.PeerReachable(a.Self.ID, "mem:"+a.Self.ID.String())
}

func (h *hub) disconnect(a, b *Runner) {
	h.mu.Lock()
	for _, k := range [][2]peerid.PeerID{{a.Self.ID, b.Self.ID}, {b.Self.ID, a.Self.ID}} {
		if p, ok := h.pipes[k]; ok {
			close(p.done)
			delete(h.pipes, k)
		}
	}
	h.mu.Unlock()
	a.PeerUnreachable(b.Self.ID)
	b.PeerUnreachable(a.Self.ID)
}

func (h *hub) close() {
	h.mu.Lock()
	for k, p := range h.pipes {
		close(p.done)
		delete(h.pipes, k)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// recordTransport keeps every frame sent, per neighbor.
type recordTransport struct {
	mu   sync.Mutex
	sent map[peerid.PeerID][][]byte
}

func newRecordTransport() *recordTransport {
	return &recordTransport{sent: make(map[peerid.PeerID][][]byte)}
}

func (t *recordTransport) Send(to peerid.PeerID, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[to] = append(t.sent[to], append([]byte(nil), data...))
	return nil
}

func (t *recordTransport) packets(to peerid.PeerID, typ proto.MessageType) []proto.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []proto.Packet
	for _, f := range t.sent[to] {
		p, err := proto.Decode(f)
		if err == nil && p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) find(kind EventKind, match func(Event) bool) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && (match == nil || match(ev)) {
			return ev, true
		}
	}
	return Event{}, false
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// fixedRand pins relay jitter to one end of its window.
type fixedRand struct{ max bool }

func (r fixedRand) IntN(n int) int {
	if r.max {
		return n - 1
	}
	return 0
}

type testNode struct {
	*Runner
	events *eventLog
}

func newTestRunner(t *testing.T, nick string, t2 Transport, rng fixedRand, mut func(*config.Config)) testNode {
	t.Helper()
	n, err := node.NewNode(t.TempDir(), node.Options{Nickname: nick})
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Home = n.Home
	cfg.Session.HandshakeRetry = config.Duration{Duration: 500 * time.Millisecond}
	if mut != nil {
		mut(&cfg)
	}
	ev := &eventLog{}
	r, err := NewRunner(n, Options{Config: cfg, Logger: zerolog.Nop(), OnEvent: ev.add, Rand: rng})
	require.NoError(t, err)
	if t2 != nil {
		r.Bind(t2)
	}
	t.Cleanup(func() {
		_ = r.Close()
		_ = n.Close()
	})
	return testNode{Runner: r, events: ev}
}

func (h *hub) node(t *testing.T, nick string, mut func(*config.Config)) testNode {
	t.Helper()
	tn := newTestRunner(t, nick, nil, fixedRand{}, mut)
	tn.Bind(memTransport{h: h, self: tn.Self.ID})
	return tn
}

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond
