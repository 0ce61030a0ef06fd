package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	NonceSize    = 8
	ReplayWindow = 1024
)

var (
	ErrReplay          = errors.New("crypto: replayed or stale nonce")
	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
)

// Transport frames Noise transport messages as nonce(8, BE) | ciphertext so a
// lossy, reordering link can still decrypt. Not safe for concurrent use.
type Transport struct {
	send   *CipherState
	recv   *CipherState
	window replayWindow
}

func NewTransport(send, recv *CipherState) *Transport {
	return &Transport{send: send, recv: recv}
}

func (t *Transport) String() string {
	return "Transport{REDACTED}"
}

func (t *Transport) GoString() string {
	return "crypto.Transport{REDACTED}"
}

func (t *Transport) Seal(plaintext []byte) ([]byte, error) {
	if t == nil || !t.send.HasKey() {
		return nil, ErrNoKey
	}
	n := t.send.n
	if n == maxNonce {
		return nil, ErrNonceExhausted
	}
	ct, err := t.send.SealAt(n, nil, plaintext)
	if err != nil {
		return nil, err
	}
	t.send.n++
	out := make([]byte, NonceSize+len(ct))
	binary.BigEndian.PutUint64(out[:NonceSize], n)
	copy(out[NonceSize:], ct)
	return out, nil
}

func (t *Transport) Open(msg []byte) ([]byte, error) {
	if t == nil || !t.recv.HasKey() {
		return nil, ErrNoKey
	}
	if len(msg) < NonceSize+TagSize {
		return nil, ErrShortCiphertext
	}
	n := binary.BigEndian.Uint64(msg[:NonceSize])
	if n == maxNonce {
		return nil, ErrNonceExhausted
	}
	if !t.window.check(n) {
		return nil, ErrReplay
	}
	pt, err := t.recv.OpenAt(n, nil, msg[NonceSize:])
	if err != nil {
		return nil, err
	}
	t.window.mark(n)
	return pt, nil
}

// Sent is the number of messages sealed so far.
func (t *Transport) Sent() uint64 {
	if t == nil || t.send == nil {
		return 0
	}
	return t.send.n
}

func (t *Transport) Destroy() {
	if t == nil {
		return
	}
	t.send.Destroy()
	t.recv.Destroy()
	t.window = replayWindow{}
}

// replayWindow tracks the highest accepted nonce and a bitmap of the
// ReplayWindow nonces below it.
type replayWindow struct {
	seen    bool
	highest uint64
	bits    [ReplayWindow / 64]uint64
}

func (w *replayWindow) check(n uint64) bool {
	if !w.seen || n > w.highest {
		return true
	}
	diff := w.highest - n
	if diff >= ReplayWindow {
		return false
	}
	return w.bits[diff/64]&(1<<(diff%64)) == 0
}

func (w *replayWindow) mark(n uint64) {
	if !w.seen {
		w.seen = true
		w.highest = n
		w.bits = [ReplayWindow / 64]uint64{}
		w.bits[0] = 1
		return
	}
	if n > w.highest {
		w.shift(n - w.highest)
		w.highest = n
		w.bits[0] |= 1
		return
	}
	diff := w.highest - n
	w.bits[diff/64] |= 1 << (diff % 64)
}

// shift moves every recorded offset up by d positions.
func (w *replayWindow) shift(d uint64) {
	if d >= ReplayWindow {
		w.bits = [ReplayWindow / 64]uint64{}
		return
	}
	words := int(d / 64)
	bitsN := d % 64
	var out [ReplayWindow / 64]uint64
	for i := len(w.bits) - 1; i >= words; i-- {
		v := w.bits[i-words] << bitsN
		if bitsN > 0 && i-words-1 >= 0 {
			v |= w.bits[i-words-1] >> (64 - bitsN)
		}
		out[i] = v
	}
	w.bits = out
}
