package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

type symmetricState struct {
	cs CipherState
	ck [HashSize]byte
	h  [HashSize]byte
}

func newSymmetricState(protocol string) *symmetricState {
	s := &symmetricState{}
	if len(protocol) <= HashSize {
		copy(s.h[:], protocol)
	} else {
		s.h = sha256.Sum256([]byte(protocol))
	}
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.h[:])
	h.Write(data)
	h.Sum(s.h[:0])
}

// hkdf2 is the two-output Noise HKDF: salt is the chaining key, info empty.
func hkdf2(ck, ikm []byte) (out1, out2 [HashSize]byte, err error) {
	r := hkdf.New(sha256.New, ikm, ck, nil)
	if _, err = io.ReadFull(r, out1[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, out2[:])
	return
}

func (s *symmetricState) mixKey(ikm []byte) error {
	ck, k, err := hkdf2(s.ck[:], ikm)
	if err != nil {
		return err
	}
	s.ck = ck
	s.cs.InitializeKey(k[:])
	Zero(ck[:])
	Zero(k[:])
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := s.cs.EncryptWithAd(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := s.cs.DecryptWithAd(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

func (s *symmetricState) split() (*CipherState, *CipherState, error) {
	k1, k2, err := hkdf2(s.ck[:], nil)
	if err != nil {
		return nil, nil, err
	}
	c1, c2 := &CipherState{}, &CipherState{}
	c1.InitializeKey(k1[:])
	c2.InitializeKey(k2[:])
	Zero(k1[:])
	Zero(k2[:])
	return c1, c2, nil
}

func (s *symmetricState) destroy() {
	s.cs.Destroy()
	Zero(s.ck[:])
	Zero(s.h[:])
}
