package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrDecrypt        = errors.New("crypto: decrypt failed")
	ErrNonceExhausted = errors.New("crypto: nonce exhausted")
	ErrNoKey          = errors.New("crypto: cipher has no key")
)

const maxNonce = ^uint64(0)

// CipherState is the Noise k/n pair. Nonce 2^64-1 is reserved and never used.
type CipherState struct {
	k      [32]byte
	hasKey bool
	n      uint64
	aead   cipher.AEAD
}

func (c *CipherState) String() string {
	return "CipherState{REDACTED}"
}

func (c *CipherState) GoString() string {
	return "crypto.CipherState{REDACTED}"
}

func (c *CipherState) InitializeKey(key []byte) {
	copy(c.k[:], key)
	c.hasKey = true
	c.n = 0
	c.aead = nil
}

func (c *CipherState) HasKey() bool {
	return c != nil && c.hasKey
}

func (c *CipherState) Nonce() uint64 {
	return c.n
}

func (c *CipherState) cipher() (cipher.AEAD, error) {
	if c.aead != nil {
		return c.aead, nil
	}
	aead, err := chacha20poly1305.New(c.k[:])
	if err != nil {
		return nil, err
	}
	c.aead = aead
	return aead, nil
}

func nonceBytes(n uint64) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return nonce[:]
}

// EncryptWithAd seals with the current nonce and advances it. Without a key
// the plaintext is returned unchanged, as the handshake requires.
func (c *CipherState) EncryptWithAd(ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), plaintext...), nil
	}
	if c.n == maxNonce {
		return nil, ErrNonceExhausted
	}
	out, err := c.SealAt(c.n, ad, plaintext)
	if err != nil {
		return nil, err
	}
	c.n++
	return out, nil
}

func (c *CipherState) DecryptWithAd(ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), ciphertext...), nil
	}
	if c.n == maxNonce {
		return nil, ErrNonceExhausted
	}
	out, err := c.OpenAt(c.n, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	c.n++
	return out, nil
}

// SealAt encrypts under an explicit nonce without touching the counter.
func (c *CipherState) SealAt(n uint64, ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		return nil, ErrNoKey
	}
	aead, err := c.cipher()
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceBytes(n), plaintext, ad), nil
}

func (c *CipherState) OpenAt(n uint64, ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		return nil, ErrNoKey
	}
	aead, err := c.cipher()
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonceBytes(n), ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}

// Destroy zeroes the key. The AEAD keeps its own expanded copy, so it is
// dropped as well.
func (c *CipherState) Destroy() {
	if c == nil {
		return
	}
	Zero(c.k[:])
	c.hasKey = false
	c.n = 0
	c.aead = nil
}
