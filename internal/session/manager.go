package session

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/peerid"
)

const (
	DefaultRekeyAfter     = time.Hour
	DefaultRekeyMessages  = 1 << 20
	DefaultHandshakeRetry = 5 * time.Second
	DefaultMaxRetries     = 3
)

type Options struct {
	Static   *crypto.KeyPair
	Prologue []byte
	Rand     io.Reader
	Now      func() time.Time
	Logger   zerolog.Logger

	RekeyAfter     time.Duration
	RekeyMessages  uint64
	HandshakeRetry time.Duration
	MaxRetries     int

	// Callbacks run on their own goroutine after the table lock is released.
	OnEstablished func(peer peerid.PeerID, remoteStatic []byte)
	OnFailed      func(peer peerid.PeerID, err error)
}

// Manager owns the peer to session table.
type Manager struct {
	mu       sync.RWMutex
	opts     Options
	log      zerolog.Logger
	sessions map[peerid.PeerID]*Session
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RekeyAfter <= 0 {
		opts.RekeyAfter = DefaultRekeyAfter
	}
	if opts.RekeyMessages == 0 {
		opts.RekeyMessages = DefaultRekeyMessages
	}
	if opts.HandshakeRetry <= 0 {
		opts.HandshakeRetry = DefaultHandshakeRetry
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[peerid.PeerID]*Session),
	}
}

func (m *Manager) newSession(peer peerid.PeerID, role crypto.Role) *Session {
	return New(peer, role, m.opts.Static, Config{
		Prologue: m.opts.Prologue,
		Rand:     m.opts.Rand,
		Now:      m.opts.Now,
	})
}

// CreateSession installs a fresh session, erasing any previous one.
func (m *Manager) CreateSession(peer peerid.PeerID, role crypto.Role) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[peer]; ok {
		old.Reset()
	}
	s := m.newSession(peer, role)
	m.sessions[peer] = s
	return s
}

func (m *Manager) Get(peer peerid.PeerID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	return s, ok
}

func (m *Manager) IsEstablished(peer peerid.PeerID) bool {
	s, ok := m.Get(peer)
	return ok && s.IsEstablished()
}

func (m *Manager) HasSession(peer peerid.PeerID) bool {
	_, ok := m.Get(peer)
	return ok
}

func (m *Manager) InitiateHandshake(peer peerid.PeerID) ([]byte, error) {
	m.mu.Lock()
	if s, ok := m.sessions[peer]; ok {
		if s.IsEstablished() {
			m.mu.Unlock()
			return nil, ErrAlreadyEstablished
		}
		s.Reset()
		delete(m.sessions, peer)
	}
	s := m.newSession(peer, crypto.Initiator)
	msg, err := s.StartHandshake()
	if err != nil {
		s.Reset()
		m.mu.Unlock()
		m.fireFailed(peer, err)
		return nil, err
	}
	m.sessions[peer] = s
	m.mu.Unlock()
	m.log.Debug().Str("peer", peer.String()).Msg("handshake initiated")
	return msg, nil
}

// HandleIncomingHandshake feeds an inbound handshake message and returns the
// reply to send, if any.
//
// An unsolicited handshake for an established peer replaces that session: the
// peer is assumed to have restarted. Anyone able to spoof the peer id can use
// this to tear the session down.
func (m *Manager) HandleIncomingHandshake(peer peerid.PeerID, msg []byte) ([]byte, error) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	if ok {
		switch {
		case s.IsEstablished() && len(msg) != crypto.XXMessage1Size:
			m.mu.Unlock()
			m.log.Debug().Str("peer", peer.String()).Int("len", len(msg)).Msg("stray handshake message for established session ignored")
			return nil, fmt.Errorf("%w: %d bytes from %s", ErrUnexpectedMessage, len(msg), peer)
		case s.IsEstablished():
			m.log.Info().Str("peer", peer.String()).Msg("inbound handshake replaces established session")
			s.Reset()
			delete(m.sessions, peer)
			ok = false
		case s.State() == StateHandshaking && len(msg) == crypto.XXMessage1Size:
			m.log.Debug().Str("peer", peer.String()).Msg("fresh first message restarts handshake")
			s.Reset()
			delete(m.sessions, peer)
			ok = false
		}
	}
	if !ok {
		s = m.newSession(peer, crypto.Responder)
		m.sessions[peer] = s
	}
	reply, err := s.ProcessHandshakeMessage(msg)
	if err != nil {
		s.Reset()
		delete(m.sessions, peer)
		m.mu.Unlock()
		m.log.Debug().Err(err).Str("peer", peer.String()).Msg("handshake failed")
		m.fireFailed(peer, err)
		return nil, err
	}
	established := s.IsEstablished()
	var remote []byte
	if established {
		remote = s.RemoteStatic()
	}
	m.mu.Unlock()
	if established {
		m.log.Info().Str("peer", peer.String()).Str("fingerprint", crypto.Fingerprint(remote)).Msg("session established")
		m.fireEstablished(peer, remote)
	}
	return reply, nil
}

func (m *Manager) Encrypt(peer peerid.PeerID, plaintext []byte) ([]byte, error) {
	s, ok := m.Get(peer)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Encrypt(plaintext)
}

func (m *Manager) Decrypt(peer peerid.PeerID, ciphertext []byte) ([]byte, error) {
	s, ok := m.Get(peer)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Decrypt(ciphertext)
}

func (m *Manager) RemoteStatic(peer peerid.PeerID) ([]byte, error) {
	s, ok := m.Get(peer)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.IsEstablished() {
		return nil, ErrNotEstablished
	}
	return s.RemoteStatic(), nil
}

func (m *Manager) HandshakeHash(peer peerid.PeerID) ([]byte, error) {
	s, ok := m.Get(peer)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.IsEstablished() {
		return nil, ErrNotEstablished
	}
	return s.HandshakeHash(), nil
}

func (m *Manager) RemoveSession(peer peerid.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peer]; ok {
		s.Reset()
		delete(m.sessions, peer)
	}
}

func (m *Manager) RemoveAllSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, s := range m.sessions {
		s.Reset()
		delete(m.sessions, peer)
	}
}

// Peers lists peers with a session of any state, sorted.
func (m *Manager) Peers() []peerid.PeerID {
	m.mu.RLock()
	out := make([]peerid.PeerID, 0, len(m.sessions))
	for p := range m.sessions {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// NeedsRekey lists established sessions past their age or message budget.
func (m *Manager) NeedsRekey() []peerid.PeerID {
	now := m.opts.Now()
	m.mu.RLock()
	var out []peerid.PeerID
	for p, s := range m.sessions {
		if !s.IsEstablished() {
			continue
		}
		if now.Sub(s.EstablishedAt()) >= m.opts.RekeyAfter || s.MessagesSent() >= m.opts.RekeyMessages {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Rekey replaces an established session with a new initiator handshake.
func (m *Manager) Rekey(peer peerid.PeerID) ([]byte, error) {
	m.RemoveSession(peer)
	return m.InitiateHandshake(peer)
}

type Retransmit struct {
	Peer    peerid.PeerID
	Message []byte
}

// HandshakeRetries returns the handshake messages due for resend. Only the
// initiator's first message is resent. A responder whose reply went
// unanswered starts over as initiator, since the peer may already consider
// itself established. Sessions that used up their retries are removed and
// reported as failed.
func (m *Manager) HandshakeRetries() []Retransmit {
	now := m.opts.Now()
	var out []Retransmit
	var failed, restarted []peerid.PeerID
	m.mu.Lock()
	for p, s := range m.sessions {
		s.mu.Lock()
		if s.state != StateHandshaking {
			s.mu.Unlock()
			continue
		}
		last := s.lastSent
		if last.IsZero() {
			last = s.created
		}
		if now.Sub(last) < m.opts.HandshakeRetry {
			s.mu.Unlock()
			continue
		}
		if s.role == crypto.Responder && len(s.sent) > 0 {
			s.resetLocked()
			s.mu.Unlock()
			fresh := m.newSession(p, crypto.Initiator)
			msg, err := fresh.StartHandshake()
			if err != nil {
				delete(m.sessions, p)
				failed = append(failed, p)
				continue
			}
			m.sessions[p] = fresh
			restarted = append(restarted, p)
			out = append(out, Retransmit{Peer: p, Message: msg})
			continue
		}
		if s.retries >= m.opts.MaxRetries || len(s.sent) == 0 {
			s.resetLocked()
			s.mu.Unlock()
			delete(m.sessions, p)
			failed = append(failed, p)
			continue
		}
		s.retries++
		s.lastSent = now
		out = append(out, Retransmit{Peer: p, Message: append([]byte(nil), s.sent[len(s.sent)-1]...)})
		s.mu.Unlock()
	}
	m.mu.Unlock()
	for _, p := range restarted {
		m.log.Debug().Str("peer", p.String()).Msg("unanswered responder restarts as initiator")
	}
	for _, p := range failed {
		m.log.Debug().Str("peer", p.String()).Msg("handshake retries exhausted")
		m.fireFailed(p, &HandshakeError{Peer: p, Cause: ErrHandshakeTimeout})
	}
	return out
}

func (m *Manager) fireEstablished(peer peerid.PeerID, remote []byte) {
	if m.opts.OnEstablished == nil {
		return
	}
	go m.opts.OnEstablished(peer, remote)
}

func (m *Manager) fireFailed(peer peerid.PeerID, err error) {
	if m.opts.OnFailed == nil {
		return
	}
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		err = &HandshakeError{Peer: peer, Cause: err}
	}
	go m.opts.OnFailed(peer, err)
}
