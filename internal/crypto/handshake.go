package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

type Role uint8

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

var (
	ErrOutOfTurn         = errors.New("crypto: handshake message out of turn")
	ErrHandshakeComplete = errors.New("crypto: handshake already complete")
	ErrShortMessage      = errors.New("crypto: handshake message too short")
	ErrHandshakePending  = errors.New("crypto: handshake not complete")
)

// XX message sizes with empty payloads.
const (
	XXMessage1Size = KeySize
	XXMessage2Size = KeySize + KeySize + TagSize + TagSize
	XXMessage3Size = KeySize + TagSize + TagSize
)

type token uint8

const (
	tokE token = iota
	tokS
	tokEE
	tokES
	tokSE
)

// -> e
// <- e, ee, s, es
// -> s, se
var xxPattern = [][]token{
	{tokE},
	{tokE, tokEE, tokS, tokES},
	{tokS, tokSE},
}

// HandshakeState runs one side of Noise_XX_25519_ChaChaPoly_SHA256.
// It is not safe for concurrent use.
type HandshakeState struct {
	ss   *symmetricState
	role Role
	rng  io.Reader

	s  *KeyPair
	e  *KeyPair
	rs []byte
	re []byte

	msg       int
	completed bool
	send      *CipherState
	recv      *CipherState
	hash      [HashSize]byte
}

func NewHandshake(role Role, static *KeyPair, prologue []byte, rng io.Reader) (*HandshakeState, error) {
	if role != Initiator && role != Responder {
		return nil, fmt.Errorf("crypto: bad role %d", role)
	}
	if static == nil || static.destroyed {
		return nil, ErrKeyDestroyed
	}
	if rng == nil {
		rng = rand.Reader
	}
	hs := &HandshakeState{
		ss:   newSymmetricState(ProtocolName),
		role: role,
		rng:  rng,
		s:    static.Clone(),
	}
	hs.ss.mixHash(prologue)
	return hs, nil
}

func (hs *HandshakeState) String() string {
	return "HandshakeState{REDACTED}"
}

func (hs *HandshakeState) GoString() string {
	return "crypto.HandshakeState{REDACTED}"
}

func (hs *HandshakeState) Role() Role {
	return hs.role
}

// MyTurn reports whether the next pattern message is ours to write.
func (hs *HandshakeState) MyTurn() bool {
	if hs.completed {
		return false
	}
	initiatorTurn := hs.msg%2 == 0
	return initiatorTurn == (hs.role == Initiator)
}

func (hs *HandshakeState) Complete() bool {
	return hs.completed
}

func (hs *HandshakeState) WriteMessage(payload []byte) ([]byte, error) {
	if hs.completed {
		return nil, ErrHandshakeComplete
	}
	if !hs.MyTurn() {
		return nil, ErrOutOfTurn
	}
	var out []byte
	for _, tok := range xxPattern[hs.msg] {
		switch tok {
		case tokE:
			e, err := GenerateKeyPair(hs.rng)
			if err != nil {
				return nil, err
			}
			hs.e = e
			out = append(out, e.pub[:]...)
			hs.ss.mixHash(e.pub[:])
		case tokS:
			ct, err := hs.ss.encryptAndHash(hs.s.pub[:])
			if err != nil {
				return nil, err
			}
			out = append(out, ct...)
		default:
			if err := hs.mixDH(tok); err != nil {
				return nil, err
			}
		}
	}
	ct, err := hs.ss.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}
	out = append(out, ct...)
	if err := hs.advance(); err != nil {
		return nil, err
	}
	return out, nil
}

func (hs *HandshakeState) ReadMessage(msg []byte) ([]byte, error) {
	if hs.completed {
		return nil, ErrHandshakeComplete
	}
	if hs.MyTurn() {
		return nil, ErrOutOfTurn
	}
	for _, tok := range xxPattern[hs.msg] {
		switch tok {
		case tokE:
			if len(msg) < KeySize {
				return nil, ErrShortMessage
			}
			hs.re = append([]byte(nil), msg[:KeySize]...)
			msg = msg[KeySize:]
			hs.ss.mixHash(hs.re)
		case tokS:
			n := KeySize
			if hs.ss.cs.HasKey() {
				n += TagSize
			}
			if len(msg) < n {
				return nil, ErrShortMessage
			}
			rs, err := hs.ss.decryptAndHash(msg[:n])
			if err != nil {
				return nil, err
			}
			hs.rs = rs
			msg = msg[n:]
		default:
			if err := hs.mixDH(tok); err != nil {
				return nil, err
			}
		}
	}
	if hs.ss.cs.HasKey() && len(msg) < TagSize {
		return nil, ErrShortMessage
	}
	payload, err := hs.ss.decryptAndHash(msg)
	if err != nil {
		return nil, err
	}
	if err := hs.advance(); err != nil {
		return nil, err
	}
	return payload, nil
}

func (hs *HandshakeState) mixDH(tok token) error {
	var local *KeyPair
	var remote []byte
	switch tok {
	case tokEE:
		local, remote = hs.e, hs.re
	case tokES:
		if hs.role == Initiator {
			local, remote = hs.e, hs.rs
		} else {
			local, remote = hs.s, hs.re
		}
	case tokSE:
		if hs.role == Initiator {
			local, remote = hs.s, hs.re
		} else {
			local, remote = hs.e, hs.rs
		}
	}
	shared, err := local.DH(remote)
	if err != nil {
		return err
	}
	defer Zero(shared)
	return hs.ss.mixKey(shared)
}

func (hs *HandshakeState) advance() error {
	hs.msg++
	if hs.msg < len(xxPattern) {
		return nil
	}
	c1, c2, err := hs.ss.split()
	if err != nil {
		return err
	}
	if hs.role == Initiator {
		hs.send, hs.recv = c1, c2
	} else {
		hs.send, hs.recv = c2, c1
	}
	hs.hash = hs.ss.h
	hs.completed = true
	hs.ss.destroy()
	hs.e.Destroy()
	hs.e = nil
	Zero(hs.re)
	hs.re = nil
	return nil
}

// Split hands the transport ciphers to the caller. It can be called once.
func (hs *HandshakeState) Split() (send, recv *CipherState, err error) {
	if !hs.completed {
		return nil, nil, ErrHandshakePending
	}
	if hs.send == nil {
		return nil, nil, ErrHandshakeComplete
	}
	send, recv = hs.send, hs.recv
	hs.send, hs.recv = nil, nil
	return send, recv, nil
}

func (hs *HandshakeState) HandshakeHash() []byte {
	if !hs.completed {
		return nil
	}
	return append([]byte(nil), hs.hash[:]...)
}

func (hs *HandshakeState) PeerStatic() []byte {
	if hs.rs == nil {
		return nil
	}
	return append([]byte(nil), hs.rs...)
}

func (hs *HandshakeState) Destroy() {
	if hs == nil {
		return
	}
	hs.ss.destroy()
	hs.s.Destroy()
	hs.e.Destroy()
	Zero(hs.re)
	Zero(hs.rs)
	Zero(hs.hash[:])
	hs.send.Destroy()
	hs.recv.Destroy()
	hs.re, hs.rs, hs.send, hs.recv = nil, nil, nil, nil
}
