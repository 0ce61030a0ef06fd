package relay

import (
	"time"

	"github.com/yodablocks/bitchat/internal/proto"
)

const DefaultHighDegreeThreshold = 6

type Class uint8

const (
	ClassBroadcast Class = iota
	ClassAnnounce
	ClassHandshake
	ClassDirected
)

func (c Class) String() string {
	switch c {
	case ClassAnnounce:
		return "announce"
	case ClassHandshake:
		return "handshake"
	case ClassDirected:
		return "directed"
	default:
		return "broadcast"
	}
}

// ClassOf maps a packet onto the relay policy classes. Directed fragments and
// directed encrypted traffic are session-critical; everything else floods.
func ClassOf(p proto.Packet) Class {
	switch p.Type {
	case proto.TypeNoiseHandshake:
		return ClassHandshake
	case proto.TypeAnnounce:
		return ClassAnnounce
	case proto.TypeNoiseEncrypted, proto.TypeFragment, proto.TypeDeliveryAck:
		if p.IsDirected() {
			return ClassDirected
		}
	}
	return ClassBroadcast
}

type Input struct {
	TTL                 uint8
	SenderIsSelf        bool
	Class               Class
	Degree              int
	HighDegreeThreshold int
}

type Decision struct {
	ShouldRelay bool
	NewTTL      uint8
	DelayMs     uint32
}

func (d Decision) Delay() time.Duration {
	return time.Duration(d.DelayMs) * time.Millisecond
}

// Source is the randomness behind jitter; *math/rand/v2.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

// Decide is the flood-control policy. It keeps no state.
func Decide(in Input, rng Source) Decision {
	if in.TTL <= 1 || in.SenderIsSelf {
		return Decision{}
	}
	switch in.Class {
	case ClassHandshake:
		return Decision{ShouldRelay: true, NewTTL: in.TTL - 1, DelayMs: jitter(rng, 10, 35)}
	case ClassDirected:
		return Decision{ShouldRelay: true, NewTTL: in.TTL - 1, DelayMs: jitter(rng, 20, 60)}
	}
	ceiling := Ceiling(in.Degree, in.HighDegreeThreshold, in.Class == ClassAnnounce)
	ttl := in.TTL
	if ttl > ceiling {
		ttl = ceiling
	}
	lo, hi := jitterWindow(in.Degree, in.HighDegreeThreshold)
	return Decision{ShouldRelay: true, NewTTL: ttl - 1, DelayMs: jitter(rng, lo, hi)}
}

// Ceiling is the highest ttl a broadcast may carry on from a node with the
// given degree. Denser neighborhoods get fewer hops; announces get two more.
func Ceiling(degree, threshold int, announce bool) uint8 {
	threshold = normalize(threshold)
	var c uint8
	switch {
	case degree <= 2:
		c = 7
	case degree < threshold:
		c = 6
	default:
		c = 5
	}
	if announce {
		c += 2
	}
	return c
}

func normalize(threshold int) int {
	if threshold <= 0 {
		return DefaultHighDegreeThreshold
	}
	return threshold
}

// jitterWindow widens with density. The bands follow the high-degree
// threshold: below it, up to two thirds past it, and beyond.
func jitterWindow(degree, threshold int) (lo, hi uint32) {
	threshold = normalize(threshold)
	switch {
	case degree <= 2:
		return 10, 40
	case degree < threshold:
		return 60, 150
	case degree < threshold*5/3:
		return 80, 180
	default:
		return 100, 220
	}
}

func jitter(rng Source, lo, hi uint32) uint32 {
	if rng == nil || hi <= lo {
		return lo
	}
	return lo + uint32(rng.IntN(int(hi-lo+1)))
}
