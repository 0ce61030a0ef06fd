package session

import (
	"errors"
	"fmt"

	"github.com/yodablocks/bitchat/internal/peerid"
)

var (
	ErrInvalidState       = errors.New("session: invalid state")
	ErrNotEstablished     = errors.New("session: not established")
	ErrSessionNotFound    = errors.New("session: not found")
	ErrAlreadyEstablished = errors.New("session: already established")
	ErrHandshakeFailed    = errors.New("session: handshake failed")
	ErrHandshakeTimeout   = errors.New("session: handshake retries exhausted")
	ErrUnexpectedMessage  = errors.New("session: unexpected handshake message")
)

// HandshakeError wraps the cause of a failed handshake. It matches
// ErrHandshakeFailed under errors.Is.
type HandshakeError struct {
	Peer  peerid.PeerID
	Cause error
}

func (e *HandshakeError) Error() string {
	if e.Peer.IsZero() {
		return fmt.Sprintf("session: handshake failed: %v", e.Cause)
	}
	return fmt.Sprintf("session: handshake with %s failed: %v", e.Peer, e.Cause)
}

func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshakeFailed
}
