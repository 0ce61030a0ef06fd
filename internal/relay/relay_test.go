package relay

import (
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yodablocks/bitchat/internal/proto"
)

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

func TestNeverRelayFloorOrSelf(t *testing.T) {
	rng := newRand()
	for _, class := range []Class{ClassBroadcast, ClassAnnounce, ClassHandshake, ClassDirected} {
		for _, ttl := range []uint8{0, 1} {
			d := Decide(Input{TTL: ttl, Class: class, Degree: 3}, rng)
			require.False(t, d.ShouldRelay, "class %s ttl %d", class, ttl)
		}
		d := Decide(Input{TTL: 7, SenderIsSelf: true, Class: class, Degree: 3}, rng)
		require.False(t, d.ShouldRelay, "self-sent %s", class)
	}
}

func TestSessionTrafficDecrementsByOne(t *testing.T) {
	rng := newRand()
	for ttl := uint8(2); ttl < 255; ttl++ {
		for degree := 0; degree < 15; degree += 4 {
			hs := Decide(Input{TTL: ttl, Class: ClassHandshake, Degree: degree}, rng)
			require.True(t, hs.ShouldRelay)
			require.Equal(t, ttl-1, hs.NewTTL)
			require.GreaterOrEqual(t, hs.DelayMs, uint32(10))
			require.LessOrEqual(t, hs.DelayMs, uint32(35))

			dir := Decide(Input{TTL: ttl, Class: ClassDirected, Degree: degree}, rng)
			require.True(t, dir.ShouldRelay)
			require.Equal(t, ttl-1, dir.NewTTL)
			require.GreaterOrEqual(t, dir.DelayMs, uint32(20))
			require.LessOrEqual(t, dir.DelayMs, uint32(60))
		}
	}
}

func TestBroadcastNeverExceedsCeiling(t *testing.T) {
	rng := newRand()
	for degree := 0; degree < 20; degree++ {
		for ttl := uint8(2); ttl < 255; ttl++ {
			for _, class := range []Class{ClassBroadcast, ClassAnnounce} {
				d := Decide(Input{TTL: ttl, Class: class, Degree: degree, HighDegreeThreshold: 6}, rng)
				require.True(t, d.ShouldRelay)
				ceiling := Ceiling(degree, 6, class == ClassAnnounce)
				require.Less(t, d.NewTTL, ttl)
				require.LessOrEqual(t, d.NewTTL, ceiling-1)
				if ttl <= ceiling {
					require.Equal(t, ttl-1, d.NewTTL)
				}
			}
		}
	}
}

func TestCeilingTable(t *testing.T) {
	require.Equal(t, uint8(7), Ceiling(0, 6, false))
	require.Equal(t, uint8(7), Ceiling(2, 6, false))
	require.Equal(t, uint8(6), Ceiling(3, 6, false))
	require.Equal(t, uint8(5), Ceiling(6, 6, false))
	require.Equal(t, uint8(5), Ceiling(40, 6, false))
	require.Equal(t, uint8(9), Ceiling(1, 6, true))
	require.Equal(t, uint8(7), Ceiling(10, 6, true))
	require.Equal(t, uint8(6), Ceiling(4, 0, false))
}

func TestJitterWidensWithDegree(t *testing.T) {
	rng := newRand()
	cases := []struct {
		degree int
		lo, hi uint32
	}{
		{1, 10, 40},
		{4, 60, 150},
		{8, 80, 180},
		{12, 100, 220},
	}
	for _, c := range cases {
		for i := 0; i < 200; i++ {
			d := Decide(Input{TTL: 5, Class: ClassBroadcast, Degree: c.degree}, rng)
			require.GreaterOrEqual(t, d.DelayMs, c.lo)
			require.LessOrEqual(t, d.DelayMs, c.hi)
		}
	}
	require.Equal(t, 10*time.Millisecond, Decision{DelayMs: 10}.Delay())
}

func TestJitterFollowsThreshold(t *testing.T) {
	rng := newRand()
	cases := []struct {
		degree, threshold int
		lo, hi            uint32
	}{
		{5, 6, 60, 150},
		{6, 6, 80, 180},
		{9, 6, 80, 180},
		{10, 6, 100, 220},
		{8, 12, 60, 150},
		{12, 12, 80, 180},
		{19, 12, 80, 180},
		{20, 12, 100, 220},
		{3, 3, 80, 180},
		{5, 3, 100, 220},
		{2, 3, 10, 40},
	}
	for _, c := range cases {
		lo, hi := jitterWindow(c.degree, c.threshold)
		require.Equal(t, c.lo, lo, "degree %d threshold %d", c.degree, c.threshold)
		require.Equal(t, c.hi, hi, "degree %d threshold %d", c.degree, c.threshold)
		d := Decide(Input{TTL: 5, Class: ClassBroadcast, Degree: c.degree, HighDegreeThreshold: c.threshold}, rng)
		require.GreaterOrEqual(t, d.DelayMs, c.lo)
		require.LessOrEqual(t, d.DelayMs, c.hi)
	}
	// an unset threshold behaves like the default
	lo, hi := jitterWindow(7, 0)
	dlo, dhi := jitterWindow(7, DefaultHighDegreeThreshold)
	require.Equal(t, dlo, lo)
	require.Equal(t, dhi, hi)
}

func TestClassOf(t *testing.T) {
	r := proto.ID{1, 2, 3, 4, 5, 6, 7, 8}
	b := proto.Broadcast
	require.Equal(t, ClassHandshake, ClassOf(proto.Packet{Type: proto.TypeNoiseHandshake, Recipient: &r}))
	require.Equal(t, ClassAnnounce, ClassOf(proto.Packet{Type: proto.TypeAnnounce}))
	require.Equal(t, ClassDirected, ClassOf(proto.Packet{Type: proto.TypeFragment, Recipient: &r}))
	require.Equal(t, ClassDirected, ClassOf(proto.Packet{Type: proto.TypeNoiseEncrypted, Recipient: &r}))
	require.Equal(t, ClassBroadcast, ClassOf(proto.Packet{Type: proto.TypeFragment, Recipient: &b}))
	require.Equal(t, ClassBroadcast, ClassOf(proto.Packet{Type: proto.TypeMessage}))
}

func fillGeneration(d *Dedup, tag byte) []proto.PacketID {
	var ids []proto.PacketID
	for i := 0; len(ids) < int(d.capacity); i++ {
		var id proto.PacketID
		id[0], id[1], id[2] = byte(i), byte(i>>8), tag
		if d.Observe(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestDedupRotation(t *testing.T) {
	d := NewDedup(16, 0.001)
	first := fillGeneration(d, 0xAA)
	require.NotNil(t, d.prev)
	for _, id := range first {
		require.False(t, d.Observe(id))
		require.True(t, d.Seen(id))
	}
	fillGeneration(d, 0xBB)
	// two rotations later the first generation is forgotten
	forgotten := 0
	for _, id := range first {
		if !d.Seen(id) {
			forgotten++
		}
	}
	require.Greater(t, forgotten, len(first)/2)
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	var fired atomic.Int32
	var a, b proto.PacketID
	a[0], b[0] = 1, 2
	require.True(t, s.Schedule(a, 20*time.Millisecond, func() { fired.Add(1) }))
	require.False(t, s.Schedule(a, 20*time.Millisecond, func() { fired.Add(1) }))
	require.True(t, s.Schedule(b, 20*time.Millisecond, func() { fired.Add(10) }))
	require.True(t, s.Cancel(b))
	require.False(t, s.Cancel(b))
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
	require.Equal(t, 0, s.Pending())
}
