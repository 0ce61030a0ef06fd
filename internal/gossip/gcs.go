package gossip

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"slices"

	"github.com/yodablocks/bitchat/internal/proto"
)

const (
	DefaultMaxFilterBytes = 400
	DefaultTargetFPR      = 0.01

	maxGolombP = 32
)

// Filter is a decoded Golomb-coded set: sorted, distinct buckets in [1, M).
type Filter struct {
	P       uint8
	M       uint64
	Buckets []uint64
}

// GolombP is ceil(log2(1/fpr)), at least 1.
func GolombP(fpr float64) uint8 {
	if !(fpr > 0 && fpr < 1) {
		return 1
	}
	p := int(math.Ceil(math.Log2(1 / fpr)))
	if p < 1 {
		p = 1
	}
	if p > maxGolombP {
		p = maxGolombP
	}
	return uint8(p)
}

// Bucket hashes id into [1, m). Zero is remapped to 1 so no delta is ever
// zero; m of 0 yields 0.
func Bucket(id proto.PacketID, m uint64) uint64 {
	if m == 0 {
		return 0
	}
	sum := sha256.Sum256(id[:])
	v := binary.BigEndian.Uint64(sum[:8]) % m
	if v == 0 {
		v = 1
	}
	return v
}

// Build encodes ids into a filter of at most maxBytes. ids are expected
// newest first; when the budget is tight the oldest are left out.
func Build(ids []proto.PacketID, maxBytes int, fpr float64) proto.RequestSync {
	p := GolombP(fpr)
	if maxBytes <= 0 {
		return proto.RequestSync{P: p}
	}
	maxN := maxBytes * 8 / (int(p) + 2)
	if len(ids) > maxN {
		ids = ids[:maxN]
	}
	for len(ids) > 0 {
		m := uint64(len(ids)) << p
		data := encode(buckets(ids, m), p)
		if len(data) <= maxBytes {
			return proto.RequestSync{P: p, M: m, Data: data}
		}
		shrink := len(ids) / 10
		if shrink < 1 {
			shrink = 1
		}
		ids = ids[:len(ids)-shrink]
	}
	return proto.RequestSync{P: p}
}

func buckets(ids []proto.PacketID, m uint64) []uint64 {
	vals := make([]uint64, 0, len(ids))
	for _, id := range ids {
		vals = append(vals, Bucket(id, m))
	}
	slices.Sort(vals)
	return slices.Compact(vals)
}

func encode(sorted []uint64, p uint8) []byte {
	var w bitWriter
	mask := uint64(1)<<p - 1
	prev := uint64(0)
	for _, v := range sorted {
		x := v - prev
		prev = v
		q := (x - 1) >> p
		for ; q > 0; q-- {
			w.writeBit(1)
		}
		w.writeBit(0)
		w.writeBits((x-1)&mask, p)
	}
	return w.finish()
}

// Decode reads a filter produced by Build. Truncated or padded input simply
// ends the set.
func Decode(req proto.RequestSync) Filter {
	f := Filter{P: req.P, M: req.M}
	if req.P == 0 || req.P > maxGolombP || req.M == 0 {
		return f
	}
	r := bitReader{data: req.Data}
	// any larger quotient already lands past M, and stopping there keeps
	// q<<P from wrapping
	maxQ := (req.M - 1) >> req.P
	acc := uint64(0)
	for {
		var q uint64
		ok := true
		for {
			b, more := r.readBit()
			if !more {
				ok = false
				break
			}
			if b == 0 {
				break
			}
			q++
			if q > maxQ {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		rem, more := r.readBits(req.P)
		if !more {
			break
		}
		v := q<<req.P | rem
		if v >= req.M || acc >= req.M-1-v {
			break
		}
		acc += v + 1
		f.Buckets = append(f.Buckets, acc)
	}
	return f
}

func (f Filter) ContainsBucket(v uint64) bool {
	_, ok := slices.BinarySearch(f.Buckets, v)
	return ok
}

func (f Filter) Contains(id proto.PacketID) bool {
	return f.ContainsBucket(Bucket(id, f.M))
}

func (f Filter) Len() int {
	return len(f.Buckets)
}

type bitWriter struct {
	buf  []byte
	cur  byte
	nbit uint8
}

func (w *bitWriter) writeBit(b byte) {
	w.cur = w.cur<<1 | b&1
	w.nbit++
	if w.nbit == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.nbit = 0, 0
	}
}

func (w *bitWriter) writeBits(v uint64, n uint8) {
	for i := int(n) - 1; i >= 0; i-- {
		w.writeBit(byte(v >> uint(i)))
	}
}

// finish pads the last byte with one-bits: an unterminated unary run never
// decodes as an element.
func (w *bitWriter) finish() []byte {
	for w.nbit != 0 {
		w.writeBit(1)
	}
	return w.buf
}

type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) readBit() (byte, bool) {
	if r.pos >= len(r.data)*8 {
		return 0, false
	}
	b := r.data[r.pos/8] >> (7 - uint(r.pos%8)) & 1
	r.pos++
	return b, true
}

func (r *bitReader) readBits(n uint8) (uint64, bool) {
	var v uint64
	for i := uint8(0); i < n; i++ {
		b, ok := r.readBit()
		if !ok {
			return 0, false
		}
		v = v<<1 | uint64(b)
	}
	return v, true
}
