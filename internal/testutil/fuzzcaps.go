package testutil

import (
	"math/rand/v2"
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 17
	DefaultFuzzTimeout  = 200 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// SplitRandom cuts b into chunks of 1..maxChunk bytes at positions drawn
// from a seeded source, so failures replay.
func SplitRandom(b []byte, maxChunk int, seed uint64) [][]byte {
	if maxChunk <= 0 {
		maxChunk = 1
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var out [][]byte
	for len(b) > 0 {
		n := 1 + r.IntN(maxChunk)
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

// Shuffle returns a permutation of 0..n-1 drawn from a seeded source.
func Shuffle(n int, seed uint64) []int {
	r := rand.New(rand.NewPCG(seed, seed+1))
	return r.Perm(n)
}
