package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/peerid"
)

func mustKey(t *testing.T) *crypto.KeyPair {
	t.Helper()
	k, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return k
}

func peerOf(k *crypto.KeyPair) peerid.PeerID {
	return peerid.FromNoiseKey(k.Public())
}

func TestSessionXXToCompletion(t *testing.T) {
	ak, bk := mustKey(t), mustKey(t)
	a := New(peerOf(bk), crypto.Initiator, ak, Config{})
	b := New(peerOf(ak), crypto.Responder, bk, Config{})

	if _, err := a.Encrypt([]byte("early")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected not established, got %v", err)
	}
	m1, err := a.StartHandshake()
	if err != nil || len(m1) == 0 {
		t.Fatalf("start: %v", err)
	}
	if a.State() != StateHandshaking {
		t.Fatalf("initiator state %s", a.State())
	}
	m2, err := b.ProcessHandshakeMessage(m1)
	if err != nil || len(m2) == 0 {
		t.Fatalf("responder m1: %v", err)
	}
	if _, err := b.Decrypt([]byte("x")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected not established mid handshake, got %v", err)
	}
	m3, err := a.ProcessHandshakeMessage(m2)
	if err != nil || len(m3) == 0 {
		t.Fatalf("initiator m2: %v", err)
	}
	if !a.IsEstablished() {
		t.Fatalf("initiator should be established after writing m3")
	}
	reply, err := b.ProcessHandshakeMessage(m3)
	if err != nil || reply != nil {
		t.Fatalf("responder m3: reply=%x err=%v", reply, err)
	}
	if !b.IsEstablished() {
		t.Fatalf("responder should be established")
	}
	if !bytes.Equal(a.HandshakeHash(), b.HandshakeHash()) || len(a.HandshakeHash()) != crypto.HashSize {
		t.Fatalf("transcript hashes differ")
	}
	if !bytes.Equal(a.RemoteStatic(), bk.Public()) || !bytes.Equal(b.RemoteStatic(), ak.Public()) {
		t.Fatalf("remote statics wrong")
	}
	if a.Fingerprint() != crypto.Fingerprint(bk.Public()) {
		t.Fatalf("fingerprint mismatch")
	}
	ct, err := a.Encrypt([]byte("hello b"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := b.Decrypt(ct)
	if err != nil || string(pt) != "hello b" {
		t.Fatalf("decrypt: %v", err)
	}
	ct, _ = b.Encrypt([]byte("hello a"))
	pt, err = a.Decrypt(ct)
	if err != nil || string(pt) != "hello a" {
		t.Fatalf("decrypt reverse: %v", err)
	}
	if _, err := a.ProcessHandshakeMessage(m2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("established session must refuse handshake input, got %v", err)
	}
}

func TestSessionResetErases(t *testing.T) {
	ak, bk := mustKey(t), mustKey(t)
	a := New(peerOf(bk), crypto.Initiator, ak, Config{})
	m1, _ := a.StartHandshake()
	if !bytes.Equal(a.LastSent(), m1) {
		t.Fatalf("handshake log should hold m1")
	}
	a.Reset()
	if a.State() != StateUninitialized {
		t.Fatalf("reset state %s", a.State())
	}
	if a.LastSent() != nil || a.HandshakeHash() != nil {
		t.Fatalf("reset must drop handshake material")
	}
	if _, err := a.StartHandshake(); err != nil {
		t.Fatalf("restart after reset: %v", err)
	}
}

func TestSessionStartTwiceFails(t *testing.T) {
	a := New(peerid.MustParse("0102030405060708"), crypto.Initiator, mustKey(t), Config{})
	if _, err := a.StartHandshake(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := a.StartHandshake(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	b := New(peerid.MustParse("0102030405060708"), crypto.Responder, mustKey(t), Config{})
	msg, err := b.StartHandshake()
	if err != nil || msg != nil {
		t.Fatalf("responder start must return nothing: %x %v", msg, err)
	}
}

func TestSessionGarbageFailsAndResets(t *testing.T) {
	b := New(peerid.MustParse("0102030405060708"), crypto.Responder, mustKey(t), Config{})
	_, err := b.ProcessHandshakeMessage([]byte{1, 2, 3})
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected handshake failed, got %v", err)
	}
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || !errors.Is(hsErr.Cause, ErrUnexpectedMessage) {
		t.Fatalf("expected wrapped unexpected message cause, got %v", err)
	}
	if b.State() != StateUninitialized {
		t.Fatalf("failed session must reset, state %s", b.State())
	}
}

func TestResponderRejectsSecondMessageFirst(t *testing.T) {
	ak, bk := mustKey(t), mustKey(t)
	a := New(peerOf(bk), crypto.Initiator, ak, Config{})
	b := New(peerOf(ak), crypto.Responder, bk, Config{})
	m1, err := a.StartHandshake()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	m2, err := b.ProcessHandshakeMessage(m1)
	if err != nil {
		t.Fatalf("b m1: %v", err)
	}
	if len(m2) != crypto.XXMessage2Size {
		t.Fatalf("unexpected m2 length %d", len(m2))
	}

	// a second message replayed to a fresh responder must not start a handshake
	fresh := New(peerOf(ak), crypto.Responder, mustKey(t), Config{})
	if _, err := fresh.ProcessHandshakeMessage(m2); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected unexpected message, got %v", err)
	}
	if fresh.State() != StateUninitialized {
		t.Fatalf("rejected responder must stay idle, state %s", fresh.State())
	}
}

type events struct {
	established chan peerid.PeerID
	failed      chan peerid.PeerID
}

func newEvents() *events {
	return &events{established: make(chan peerid.PeerID, 8), failed: make(chan peerid.PeerID, 8)}
}

func (e *events) opts(k *crypto.KeyPair) Options {
	return Options{
		Static:        k,
		OnEstablished: func(p peerid.PeerID, _ []byte) { e.established <- p },
		OnFailed:      func(p peerid.PeerID, _ error) { e.failed <- p },
	}
}

func wait(t *testing.T, ch chan peerid.PeerID, want peerid.PeerID) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("callback for %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback for %s not delivered", want)
	}
}

func pair(t *testing.T) (*Manager, *Manager, peerid.PeerID, peerid.PeerID, *events, *events) {
	t.Helper()
	ak, bk := mustKey(t), mustKey(t)
	ea, eb := newEvents(), newEvents()
	return NewManager(ea.opts(ak)), NewManager(eb.opts(bk)), peerOf(ak), peerOf(bk), ea, eb
}

func handshake(t *testing.T, a, b *Manager, aID, bID peerid.PeerID) {
	t.Helper()
	m1, err := a.InitiateHandshake(bID)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	m2, err := b.HandleIncomingHandshake(aID, m1)
	if err != nil {
		t.Fatalf("b m1: %v", err)
	}
	m3, err := a.HandleIncomingHandshake(bID, m2)
	if err != nil {
		t.Fatalf("a m2: %v", err)
	}
	if _, err := b.HandleIncomingHandshake(aID, m3); err != nil {
		t.Fatalf("b m3: %v", err)
	}
}

func TestManagerHandshakeAndCallbacks(t *testing.T) {
	a, b, aID, bID, ea, eb := pair(t)
	handshake(t, a, b, aID, bID)
	wait(t, ea.established, bID)
	wait(t, eb.established, aID)
	if !a.IsEstablished(bID) || !b.IsEstablished(aID) {
		t.Fatalf("both sides should be established")
	}
	ha, _ := a.HandshakeHash(bID)
	hb, _ := b.HandshakeHash(aID)
	if !bytes.Equal(ha, hb) {
		t.Fatalf("hash mismatch")
	}
	ct, err := a.Encrypt(bID, []byte("via manager"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := b.Decrypt(aID, ct)
	if err != nil || string(pt) != "via manager" {
		t.Fatalf("decrypt: %v", err)
	}
	if _, err := a.InitiateHandshake(bID); !errors.Is(err, ErrAlreadyEstablished) {
		t.Fatalf("expected already established, got %v", err)
	}
}

func TestManagerUnknownPeer(t *testing.T) {
	a, _, _, _, _, _ := pair(t)
	unknown := peerid.MustParse("ffffffffffffffff")
	if _, err := a.Encrypt(unknown, []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := a.RemoteStatic(unknown); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManagerInboundReplacesEstablished(t *testing.T) {
	a, b, aID, bID, ea, eb := pair(t)
	handshake(t, a, b, aID, bID)
	wait(t, ea.established, bID)
	wait(t, eb.established, aID)
	before, _ := b.HandshakeHash(aID)

	// a restarts and handshakes again; b drops its established session
	a.RemoveSession(bID)
	handshake(t, a, b, aID, bID)
	wait(t, ea.established, bID)
	wait(t, eb.established, aID)
	after, _ := b.HandshakeHash(aID)
	if bytes.Equal(before, after) {
		t.Fatalf("expected a fresh session")
	}
	ct, _ := b.Encrypt(aID, []byte("new keys"))
	if pt, err := a.Decrypt(bID, ct); err != nil || string(pt) != "new keys" {
		t.Fatalf("new session unusable: %v", err)
	}
}

func TestManagerFreshFirstMessageRestarts(t *testing.T) {
	a, b, aID, bID, _, _ := pair(t)
	m1, _ := a.InitiateHandshake(bID)
	if _, err := b.HandleIncomingHandshake(aID, m1); err != nil {
		t.Fatalf("b m1: %v", err)
	}
	// a lost state and starts over with a new first message
	a.RemoveSession(bID)
	m1b, _ := a.InitiateHandshake(bID)
	m2, err := b.HandleIncomingHandshake(aID, m1b)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	m3, err := a.HandleIncomingHandshake(bID, m2)
	if err != nil {
		t.Fatalf("a m2: %v", err)
	}
	if _, err := b.HandleIncomingHandshake(aID, m3); err != nil {
		t.Fatalf("b m3: %v", err)
	}
	if !a.IsEstablished(bID) || !b.IsEstablished(aID) {
		t.Fatalf("restarted handshake should complete")
	}
}

func TestManagerFailureRemovesSession(t *testing.T) {
	_, b, aID, _, _, eb := pair(t)
	if _, err := b.HandleIncomingHandshake(aID, []byte{0xde, 0xad}); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	wait(t, eb.failed, aID)
	if b.HasSession(aID) {
		t.Fatalf("failed session must be removed")
	}
}

func TestManagerCallbackMayReenter(t *testing.T) {
	ak, bk := mustKey(t), mustKey(t)
	aID, bID := peerOf(ak), peerOf(bk)
	done := make(chan struct{})
	var a *Manager
	a = NewManager(Options{Static: ak, OnEstablished: func(p peerid.PeerID, _ []byte) {
		a.IsEstablished(p)
		a.Peers()
		close(done)
	}})
	b := NewManager(Options{Static: bk})
	handshake(t, a, b, aID, bID)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reentrant callback deadlocked")
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestManagerHandshakeRetries(t *testing.T) {
	clk := &fakeClock{t: time.Unix(10_000, 0)}
	ev := newEvents()
	opts := ev.opts(mustKey(t))
	opts.Now = clk.now
	opts.HandshakeRetry = time.Second
	opts.MaxRetries = 2
	m := NewManager(opts)
	peer := peerid.MustParse("0a0b0c0d0e0f1011")
	m1, err := m.InitiateHandshake(peer)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := m.HandshakeRetries(); len(got) != 0 {
		t.Fatalf("nothing due yet, got %d", len(got))
	}
	for i := 0; i < 2; i++ {
		clk.advance(time.Second)
		got := m.HandshakeRetries()
		if len(got) != 1 || !bytes.Equal(got[0].Message, m1) || got[0].Peer != peer {
			t.Fatalf("retry %d: expected resend of m1, got %+v", i, got)
		}
	}
	clk.advance(time.Second)
	if got := m.HandshakeRetries(); len(got) != 0 {
		t.Fatalf("retries exhausted, got %d", len(got))
	}
	wait(t, ev.failed, peer)
	if m.HasSession(peer) {
		t.Fatalf("exhausted session must be removed")
	}
}

func TestManagerIgnoresStraySecondMessage(t *testing.T) {
	a, b, aID, bID, ea, eb := pair(t)
	m1, _ := a.InitiateHandshake(bID)
	m2, err := b.HandleIncomingHandshake(aID, m1)
	if err != nil {
		t.Fatalf("b m1: %v", err)
	}
	m3, err := a.HandleIncomingHandshake(bID, m2)
	if err != nil {
		t.Fatalf("a m2: %v", err)
	}
	if _, err := b.HandleIncomingHandshake(aID, m3); err != nil {
		t.Fatalf("b m3: %v", err)
	}
	wait(t, ea.established, bID)
	wait(t, eb.established, aID)
	before, _ := a.HandshakeHash(bID)

	if _, err := a.HandleIncomingHandshake(bID, m2); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected unexpected message, got %v", err)
	}
	if !a.IsEstablished(bID) {
		t.Fatalf("stray message must not tear down the session")
	}
	after, _ := a.HandshakeHash(bID)
	if !bytes.Equal(before, after) {
		t.Fatalf("session was replaced")
	}
	select {
	case p := <-ea.failed:
		t.Fatalf("unexpected failure callback for %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerLostFinalMessageRecovers(t *testing.T) {
	clk := &fakeClock{t: time.Unix(10_000, 0)}
	ak, bk := mustKey(t), mustKey(t)
	aID, bID := peerOf(ak), peerOf(bk)
	ea, eb := newEvents(), newEvents()
	bOpts := eb.opts(bk)
	bOpts.Now = clk.now
	bOpts.HandshakeRetry = time.Second
	bOpts.MaxRetries = 2
	a, b := NewManager(ea.opts(ak)), NewManager(bOpts)

	m1, _ := a.InitiateHandshake(bID)
	m2, err := b.HandleIncomingHandshake(aID, m1)
	if err != nil {
		t.Fatalf("b m1: %v", err)
	}
	if _, err := a.HandleIncomingHandshake(bID, m2); err != nil {
		t.Fatalf("a m2: %v", err)
	}
	wait(t, ea.established, bID)
	// the third message never reaches b

	clk.advance(time.Second)
	due := b.HandshakeRetries()
	if len(due) != 1 || due[0].Peer != aID {
		t.Fatalf("expected one resend to a, got %+v", due)
	}
	if len(due[0].Message) != crypto.XXMessage1Size {
		t.Fatalf("b must start over with a first message, got %d bytes", len(due[0].Message))
	}

	r2, err := a.HandleIncomingHandshake(bID, due[0].Message)
	if err != nil {
		t.Fatalf("a restart: %v", err)
	}
	r3, err := b.HandleIncomingHandshake(aID, r2)
	if err != nil {
		t.Fatalf("b r2: %v", err)
	}
	if _, err := a.HandleIncomingHandshake(bID, r3); err != nil {
		t.Fatalf("a r3: %v", err)
	}
	wait(t, eb.established, aID)
	wait(t, ea.established, bID)
	if !a.IsEstablished(bID) || !b.IsEstablished(aID) {
		t.Fatalf("both sides should be established")
	}
	ct, err := a.Encrypt(bID, []byte("after recovery"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if pt, err := b.Decrypt(aID, ct); err != nil || string(pt) != "after recovery" {
		t.Fatalf("decrypt: %v", err)
	}
	clk.advance(time.Second)
	if got := b.HandshakeRetries(); len(got) != 0 {
		t.Fatalf("established session must not resend, got %d", len(got))
	}
}

func TestManagerRekey(t *testing.T) {
	clk := &fakeClock{t: time.Unix(10_000, 0)}
	ak, bk := mustKey(t), mustKey(t)
	aID, bID := peerOf(ak), peerOf(bk)
	a := NewManager(Options{Static: ak, Now: clk.now, RekeyAfter: time.Minute})
	b := NewManager(Options{Static: bk, Now: clk.now, RekeyAfter: time.Minute})
	handshake(t, a, b, aID, bID)
	if len(a.NeedsRekey()) != 0 {
		t.Fatalf("fresh session must not need rekey")
	}
	clk.advance(2 * time.Minute)
	due := a.NeedsRekey()
	if len(due) != 1 || due[0] != bID {
		t.Fatalf("expected rekey due for %s, got %v", bID, due)
	}
	m1, err := a.Rekey(bID)
	if err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if a.IsEstablished(bID) {
		t.Fatalf("rekey replaces the session")
	}
	m2, err := b.HandleIncomingHandshake(aID, m1)
	if err != nil {
		t.Fatalf("b rekey m1: %v", err)
	}
	m3, _ := a.HandleIncomingHandshake(bID, m2)
	if _, err := b.HandleIncomingHandshake(aID, m3); err != nil {
		t.Fatalf("b rekey m3: %v", err)
	}
	if !a.IsEstablished(bID) || !b.IsEstablished(aID) {
		t.Fatalf("rekeyed sessions should be established")
	}
}

func TestManagerRemoveAll(t *testing.T) {
	a, b, aID, bID, _, _ := pair(t)
	handshake(t, a, b, aID, bID)
	s, _ := a.Get(bID)
	a.RemoveAllSessions()
	if len(a.Peers()) != 0 {
		t.Fatalf("table should be empty")
	}
	if s.State() != StateUninitialized || s.HandshakeHash() != nil {
		t.Fatalf("removed session must be erased")
	}
}
