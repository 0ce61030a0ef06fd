package session

import (
	"io"
	"sync"
	"time"

	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/peerid"
)

type State uint8

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Session is one peer's Noise channel. Every mutating call takes the write
// lock, so handshake progress and transport use never interleave.
type Session struct {
	mu sync.RWMutex

	peer     peerid.PeerID
	role     crypto.Role
	static   *crypto.KeyPair
	prologue []byte
	rng      io.Reader
	now      func() time.Time

	state     State
	hs        *crypto.HandshakeState
	transport *crypto.Transport
	remote    []byte
	hash      []byte
	sent      [][]byte

	created     time.Time
	lastSent    time.Time
	established time.Time
	retries     int
}

type Config struct {
	Prologue []byte
	Rand     io.Reader
	Now      func() time.Time
}

func New(peer peerid.PeerID, role crypto.Role, static *crypto.KeyPair, cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		peer:     peer,
		role:     role,
		static:   static,
		prologue: append([]byte(nil), cfg.Prologue...),
		rng:      cfg.Rand,
		now:      cfg.Now,
		created:  cfg.Now(),
	}
}

func (s *Session) Peer() peerid.PeerID { return s.peer }

func (s *Session) Role() crypto.Role { return s.role }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsEstablished() bool {
	return s.State() == StateEstablished
}

// StartHandshake moves an uninitialized session to handshaking. The initiator
// gets the first pattern message back; the responder gets nil.
func (s *Session) StartHandshake() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return nil, ErrInvalidState
	}
	if err := s.beginLocked(); err != nil {
		return nil, err
	}
	if s.role != crypto.Initiator {
		return nil, nil
	}
	msg, err := s.hs.WriteMessage(nil)
	if err != nil {
		s.resetLocked()
		return nil, &HandshakeError{Peer: s.peer, Cause: err}
	}
	s.recordSentLocked(msg)
	return msg, nil
}

func (s *Session) beginLocked() error {
	hs, err := crypto.NewHandshake(s.role, s.static, s.prologue, s.rng)
	if err != nil {
		return &HandshakeError{Peer: s.peer, Cause: err}
	}
	s.hs = hs
	s.state = StateHandshaking
	return nil
}

// ProcessHandshakeMessage feeds one inbound handshake message and returns the
// reply to send, if any. Any failure resets the session.
func (s *Session) ProcessHandshakeMessage(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEstablished:
		return nil, ErrInvalidState
	case StateUninitialized:
		if s.role != crypto.Responder {
			return nil, ErrInvalidState
		}
		// a responder only starts from an empty-payload first message
		if len(msg) != crypto.XXMessage1Size {
			return nil, &HandshakeError{Peer: s.peer, Cause: ErrUnexpectedMessage}
		}
		if err := s.beginLocked(); err != nil {
			return nil, err
		}
	}
	if _, err := s.hs.ReadMessage(msg); err != nil {
		s.resetLocked()
		return nil, &HandshakeError{Peer: s.peer, Cause: err}
	}
	if s.hs.Complete() {
		if err := s.establishLocked(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	reply, err := s.hs.WriteMessage(nil)
	if err != nil {
		s.resetLocked()
		return nil, &HandshakeError{Peer: s.peer, Cause: err}
	}
	s.recordSentLocked(reply)
	if s.hs.Complete() {
		if err := s.establishLocked(); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func (s *Session) recordSentLocked(msg []byte) {
	s.sent = append(s.sent, append([]byte(nil), msg...))
	s.lastSent = s.now()
}

func (s *Session) establishLocked() error {
	send, recv, err := s.hs.Split()
	if err != nil {
		s.resetLocked()
		return &HandshakeError{Peer: s.peer, Cause: err}
	}
	s.transport = crypto.NewTransport(send, recv)
	s.remote = s.hs.PeerStatic()
	s.hash = s.hs.HandshakeHash()
	s.hs.Destroy()
	s.hs = nil
	s.zeroSentLocked()
	s.state = StateEstablished
	s.established = s.now()
	return nil
}

func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return s.transport.Seal(plaintext)
}

func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return s.transport.Open(ciphertext)
}

// RemoteStatic is the peer's static public key once established.
func (s *Session) RemoteStatic() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.remote...)
}

// HandshakeHash is the transcript hash used for channel binding.
func (s *Session) HandshakeHash() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.hash...)
}

func (s *Session) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.remote) == 0 {
		return ""
	}
	return crypto.Fingerprint(s.remote)
}

// LastSent returns a copy of the most recent handshake message we sent.
func (s *Session) LastSent() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sent) == 0 {
		return nil
	}
	return append([]byte(nil), s.sent[len(s.sent)-1]...)
}

func (s *Session) EstablishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.established
}

func (s *Session) MessagesSent() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport.Sent()
}

// Reset returns the session to uninitialized and zeroes all key material,
// the handshake log and the transcript hash.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	if s.hs != nil {
		s.hs.Destroy()
		s.hs = nil
	}
	if s.transport != nil {
		s.transport.Destroy()
		s.transport = nil
	}
	s.zeroSentLocked()
	crypto.Zero(s.hash)
	crypto.Zero(s.remote)
	s.hash, s.remote = nil, nil
	s.retries = 0
	s.state = StateUninitialized
}

func (s *Session) zeroSentLocked() {
	for _, m := range s.sent {
		crypto.Zero(m)
	}
	s.sent = nil
}
