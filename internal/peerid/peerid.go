package peerid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	ShortLen    = 16
	NoiseKeyLen = 64
	RoutingLen  = 8
	maxBareLen  = 63
)

var (
	ErrEmpty        = errors.New("peerid: empty")
	ErrInvalid      = errors.New("peerid: invalid characters")
	ErrTooLong      = errors.New("peerid: too long")
	ErrBadNamespace = errors.New("peerid: value does not fit namespace")
)

type Namespace uint8

const (
	NamespaceNone Namespace = iota
	NamespaceMesh
	NamespaceName
	NamespaceNoise
	NamespaceGeoDM
	NamespaceGeoChat
)

var prefixes = []struct {
	ns     Namespace
	prefix string
}{
	{NamespaceMesh, "mesh:"},
	{NamespaceName, "name:"},
	{NamespaceNoise, "noise:"},
	{NamespaceGeoDM, "geo-dm:"},
	{NamespaceGeoChat, "geo-chat:"},
}

func (n Namespace) Prefix() string {
	for _, p := range prefixes {
		if p.ns == n {
			return p.prefix
		}
	}
	return ""
}

func (n Namespace) String() string {
	switch n {
	case NamespaceMesh:
		return "mesh"
	case NamespaceName:
		return "name"
	case NamespaceNoise:
		return "noise"
	case NamespaceGeoDM:
		return "geo-dm"
	case NamespaceGeoChat:
		return "geo-chat"
	default:
		return "none"
	}
}

// PeerID is an immutable, normalized peer identifier. The zero value is the
// empty id. PeerID is comparable and safe to use as a map key.
type PeerID struct {
	ns   Namespace
	bare string
}

// Parse accepts a fully-qualified id ("noise:<64 hex>", "mesh:<16 hex>", ...)
// or a bare value, which is stored with NamespaceNone.
func Parse(s string) (PeerID, error) {
	s = strings.TrimSpace(s)
	for _, p := range prefixes {
		if strings.HasPrefix(s, p.prefix) {
			return New(p.ns, s[len(p.prefix):])
		}
	}
	return New(NamespaceNone, s)
}

func MustParse(s string) PeerID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func New(ns Namespace, bare string) (PeerID, error) {
	bare = strings.TrimSpace(bare)
	if bare == "" {
		return PeerID{}, ErrEmpty
	}
	if isHex(bare) && (len(bare) == ShortLen || len(bare) == NoiseKeyLen) {
		bare = strings.ToLower(bare)
	} else {
		if len(bare) > maxBareLen {
			return PeerID{}, ErrTooLong
		}
		if !isNameSafe(bare) {
			return PeerID{}, ErrInvalid
		}
	}
	if ns == NamespaceNoise && len(bare) != NoiseKeyLen {
		return PeerID{}, fmt.Errorf("%w: noise ids need %d hex chars", ErrBadNamespace, NoiseKeyLen)
	}
	if ns == NamespaceMesh && !(len(bare) == ShortLen && isHex(bare)) {
		return PeerID{}, fmt.Errorf("%w: mesh ids need %d hex chars", ErrBadNamespace, ShortLen)
	}
	return PeerID{ns: ns, bare: bare}, nil
}

// FromNoiseKey derives the short routing id of a Noise static public key:
// the first 16 hex characters of SHA-256 over the key.
func FromNoiseKey(pub []byte) PeerID {
	sum := sha256.Sum256(pub)
	return PeerID{ns: NamespaceNone, bare: hex.EncodeToString(sum[:])[:ShortLen]}
}

// NoiseKeyID returns the full-key form of a static public key.
func NoiseKeyID(pub []byte) PeerID {
	return PeerID{ns: NamespaceNoise, bare: hex.EncodeToString(pub)}
}

func FromRouting(b [RoutingLen]byte) PeerID {
	return PeerID{ns: NamespaceNone, bare: hex.EncodeToString(b[:])}
}

func (p PeerID) Namespace() Namespace { return p.ns }
func (p PeerID) Bare() string         { return p.bare }
func (p PeerID) IsZero() bool         { return p.bare == "" }

func (p PeerID) String() string {
	return p.ns.Prefix() + p.bare
}

func (p PeerID) IsShort() bool {
	return len(p.bare) == ShortLen && isHex(p.bare)
}

func (p PeerID) IsNoiseKey() bool {
	return len(p.bare) == NoiseKeyLen && isHex(p.bare)
}

// Routing returns the 8-byte wire form. Full Noise key ids are reduced to
// their short id first.
func (p PeerID) Routing() ([RoutingLen]byte, bool) {
	var out [RoutingLen]byte
	short := p.Short()
	if !short.IsShort() {
		return out, false
	}
	if _, err := hex.Decode(out[:], []byte(short.bare)); err != nil {
		return out, false
	}
	return out, true
}

// Short maps a Noise key id to its routing id; other ids are returned as-is
// with the namespace dropped when the bare value is already a short id.
func (p PeerID) Short() PeerID {
	switch {
	case p.IsNoiseKey():
		key, err := hex.DecodeString(p.bare)
		if err != nil {
			return p
		}
		return FromNoiseKey(key)
	case p.IsShort():
		return PeerID{ns: NamespaceNone, bare: p.bare}
	default:
		return p
	}
}

func (p PeerID) NoiseKey() ([]byte, bool) {
	if !p.IsNoiseKey() {
		return nil, false
	}
	key, err := hex.DecodeString(p.bare)
	if err != nil {
		return nil, false
	}
	return key, true
}

func (p PeerID) Less(o PeerID) bool {
	return p.String() < o.String()
}

func (p PeerID) Compare(o PeerID) int {
	return strings.Compare(p.String(), o.String())
}

func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PeerID) UnmarshalText(b []byte) error {
	id, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isNameSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
