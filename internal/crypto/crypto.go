package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize  = x25519.Size
	HashSize = sha256.Size
	TagSize  = chacha20poly1305.Overhead
)

var (
	ErrBadKey       = errors.New("crypto: bad key")
	ErrKeyDestroyed = errors.New("crypto: key destroyed")
	ErrWeakDH       = errors.New("crypto: dh produced low-order result")
)

// KeyPair is a Curve25519 key pair used for both static and ephemeral keys.
type KeyPair struct {
	priv      x25519.Key
	pub       x25519.Key
	destroyed bool
}

func (k *KeyPair) String() string {
	return "KeyPair{REDACTED}"
}

func (k *KeyPair) GoString() string {
	return "crypto.KeyPair{REDACTED}"
}

func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	k := &KeyPair{}
	if _, err := io.ReadFull(r, k.priv[:]); err != nil {
		return nil, fmt.Errorf("crypto: keygen: %w", err)
	}
	x25519.KeyGen(&k.pub, &k.priv)
	return k, nil
}

func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrBadKey, KeySize)
	}
	k := &KeyPair{}
	copy(k.priv[:], priv)
	x25519.KeyGen(&k.pub, &k.priv)
	return k, nil
}

func (k *KeyPair) Public() []byte {
	if k == nil || k.destroyed {
		return nil
	}
	out := make([]byte, KeySize)
	copy(out, k.pub[:])
	return out
}

// PrivateBytes returns a copy of the private scalar; callers own zeroing it.
func (k *KeyPair) PrivateBytes() []byte {
	if k == nil || k.destroyed {
		return nil
	}
	out := make([]byte, KeySize)
	copy(out, k.priv[:])
	return out
}

func (k *KeyPair) Clone() *KeyPair {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

func (k *KeyPair) DH(peerPub []byte) ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, ErrKeyDestroyed
	}
	if len(peerPub) != KeySize {
		return nil, fmt.Errorf("%w: peer key must be %d bytes", ErrBadKey, KeySize)
	}
	var pub, shared x25519.Key
	copy(pub[:], peerPub)
	if !x25519.Shared(&shared, &k.priv, &pub) {
		return nil, ErrWeakDH
	}
	out := make([]byte, KeySize)
	copy(out, shared[:])
	Zero(shared[:])
	return out, nil
}

func (k *KeyPair) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	Zero(k.priv[:])
	Zero(k.pub[:])
	k.destroyed = true
}

// Zero overwrites b in place.
func Zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// Fingerprint is the hex SHA-256 of a static public key.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

const staticKeyFile = "noise_static.hex"

func SaveStatic(dir string, k *KeyPair) error {
	if k == nil || k.destroyed {
		return ErrKeyDestroyed
	}
	priv := k.PrivateBytes()
	defer Zero(priv)
	return os.WriteFile(filepath.Join(dir, staticKeyFile), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadStatic(dir string) (*KeyPair, error) {
	raw, err := os.ReadFile(filepath.Join(dir, staticKeyFile))
	if err != nil {
		return nil, err
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	Zero(raw)
	if err != nil {
		return nil, fmt.Errorf("bad %s", staticKeyFile)
	}
	defer Zero(priv)
	return KeyPairFromPrivate(priv)
}
