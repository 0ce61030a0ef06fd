package proto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/yodablocks/bitchat/internal/peerid"
)

type PacketID [16]byte

func (id PacketID) String() string {
	return hex.EncodeToString(id[:])
}

// IDOf identifies a packet across relays: ttl and signature are excluded so
// every hop computes the same value.
func IDOf(p Packet) PacketID {
	h := sha256.New()
	h.Write(p.Sender[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	h.Write(ts[:])
	h.Write([]byte{byte(p.Type)})
	h.Write(p.Payload)
	var id PacketID
	copy(id[:], h.Sum(nil))
	return id
}

func IDFromPeer(p peerid.PeerID) (ID, bool) {
	r, ok := p.Routing()
	return ID(r), ok
}

func (id ID) PeerID() peerid.PeerID {
	return peerid.FromRouting([peerid.RoutingLen]byte(id))
}

var ErrBadSignature = errors.New("proto: bad signature")

// SigningBytes is the encoding covered by a packet signature: ttl zeroed,
// signature stripped, no compression.
func SigningBytes(p Packet) ([]byte, error) {
	p.TTL = 0
	p.Signature = nil
	return Encode(p)
}

func Sign(p Packet, priv ed25519.PrivateKey) (Packet, error) {
	msg, err := SigningBytes(p)
	if err != nil {
		return Packet{}, err
	}
	p.Signature = ed25519.Sign(priv, msg)
	return p, nil
}

func Verify(p Packet, pub ed25519.PublicKey) error {
	if len(p.Signature) != SignatureSize || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	msg, err := SigningBytes(p)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, p.Signature) {
		return ErrBadSignature
	}
	return nil
}
