package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/yodablocks/bitchat/internal/proto"
	"github.com/yodablocks/bitchat/internal/testutil"
)

func bigPacket(n int, fill byte) proto.Packet {
	r := proto.ID{7, 7, 7, 7, 7, 7, 7, 7}
	return proto.Packet{
		Version:   proto.Version,
		Type:      proto.TypeNoiseEncrypted,
		TTL:       5,
		Timestamp: 1_700_000_123_456,
		Sender:    proto.ID{1, 1, 1, 1, 2, 2, 2, 2},
		Recipient: &r,
		Payload:   bytes.Repeat([]byte{fill}, n),
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestSplitKeepsRoutingFields(t *testing.T) {
	p := bigPacket(2000, 0x42)
	frags, err := Split(p, 300)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	encoded, _ := proto.Encode(p)
	if want := (len(encoded) + 299) / 300; len(frags) != want {
		t.Fatalf("expected %d fragments, got %d", want, len(frags))
	}
	var group proto.FragmentID
	for i, fp := range frags {
		if fp.Type != proto.TypeFragment || fp.TTL != p.TTL || fp.Timestamp != p.Timestamp || fp.Sender != p.Sender {
			t.Fatalf("fragment %d lost routing fields", i)
		}
		if fp.Recipient == nil || *fp.Recipient != *p.Recipient {
			t.Fatalf("fragment %d lost recipient", i)
		}
		f, err := proto.DecodeFragment(fp.Payload)
		if err != nil {
			t.Fatalf("decode fragment: %v", err)
		}
		if i == 0 {
			group = f.ID
		} else if f.ID != group {
			t.Fatalf("fragment %d has a different group id", i)
		}
		if int(f.Index) != i || int(f.Total) != len(frags) || f.OriginalType != p.Type {
			t.Fatalf("fragment %d header mismatch: %+v", i, f)
		}
	}
}

func TestSplitRejectsBadChunk(t *testing.T) {
	if _, err := Split(bigPacket(10, 1), 0); err != ErrChunkSize {
		t.Fatalf("expected ErrChunkSize, got %v", err)
	}
}

func TestReassembleAnyOrder(t *testing.T) {
	p := bigPacket(3000, 0x5a)
	frags, err := Split(p, 256)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	for seed := uint64(0); seed < 25; seed++ {
		r := NewReassembler(Options{})
		var got proto.Packet
		done := 0
		for _, idx := range testutil.Shuffle(len(frags), seed) {
			if out, ok := r.Add(frags[idx]); ok {
				got = out
				done++
			}
		}
		if done != 1 {
			t.Fatalf("seed %d: expected exactly one completion, got %d", seed, done)
		}
		if diff := cmp.Diff(p, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("seed %d: reassembled mismatch:\n%s", seed, diff)
		}
		if r.Len() != 0 {
			t.Fatalf("seed %d: session not discarded", seed)
		}
	}
}

func TestDuplicateFragmentIsNoop(t *testing.T) {
	frags, err := Split(bigPacket(1000, 3), 200)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	r := NewReassembler(Options{})
	for i := 0; i < len(frags)-1; i++ {
		if _, ok := r.Add(frags[i]); ok {
			t.Fatalf("completed early at %d", i)
		}
		if _, ok := r.Add(frags[i]); ok {
			t.Fatalf("duplicate completed group at %d", i)
		}
	}
	if _, ok := r.Add(frags[len(frags)-1]); !ok {
		t.Fatalf("expected completion on last fragment")
	}
	if _, ok := r.Add(frags[len(frags)-1]); ok {
		t.Fatalf("late duplicate must not deliver twice")
	}
}

func TestCorruptHeaderIsolatesGroup(t *testing.T) {
	a, _ := Split(bigPacket(900, 0xAA), 200)
	b, _ := Split(bigPacket(900, 0xBB), 200)
	r := NewReassembler(Options{})

	// truncate one fragment of group a below the header size
	a[1].Payload = a[1].Payload[:proto.FragmentHeaderSize-1]

	completedA, completedB := false, false
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			if _, ok := r.Add(a[i]); ok {
				completedA = true
			}
		}
		if i < len(b) {
			if out, ok := r.Add(b[i]); ok {
				completedB = true
				if out.Payload[0] != 0xBB {
					t.Fatalf("wrong packet delivered for group b")
				}
			}
		}
	}
	if completedA {
		t.Fatalf("group with a corrupt fragment must not complete")
	}
	if !completedB {
		t.Fatalf("unrelated group must complete")
	}
	if r.Len() != 1 {
		t.Fatalf("expected the broken group to remain pending, got %d", r.Len())
	}
}

func TestTimeoutEviction(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	r := NewReassembler(Options{Timeout: 5 * time.Second, Now: c.now})
	frags, _ := Split(bigPacket(600, 1), 200)
	r.Add(frags[0])
	c.t = c.t.Add(4 * time.Second)
	r.Add(frags[1])
	c.t = c.t.Add(4 * time.Second)
	if n := r.Prune(); n != 0 {
		t.Fatalf("progress should keep the group alive, pruned %d", n)
	}
	c.t = c.t.Add(2 * time.Second)
	if n := r.Prune(); n != 1 {
		t.Fatalf("expected stale group pruned, got %d", n)
	}
	for i := 2; i < len(frags); i++ {
		if _, ok := r.Add(frags[i]); ok {
			t.Fatalf("evicted group must not complete")
		}
	}
}

func TestSessionCapEvictsOldest(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	r := NewReassembler(Options{MaxSessions: 2, Now: c.now})
	g1, _ := Split(bigPacket(500, 1), 200)
	g2, _ := Split(bigPacket(500, 2), 200)
	g3, _ := Split(bigPacket(500, 3), 200)
	r.Add(g1[0])
	c.t = c.t.Add(time.Second)
	r.Add(g2[0])
	c.t = c.t.Add(time.Second)
	r.Add(g3[0])
	if r.Len() != 2 {
		t.Fatalf("expected cap of 2 sessions, got %d", r.Len())
	}
	for i := 1; i < len(g1); i++ {
		if _, ok := r.Add(g1[i]); ok {
			t.Fatalf("oldest group should have been evicted")
		}
	}
	completed := false
	for i := 1; i < len(g3); i++ {
		if _, ok := r.Add(g3[i]); ok {
			completed = true
		}
	}
	if !completed {
		t.Fatalf("newest group should complete")
	}
}

func TestBadIndexDropped(t *testing.T) {
	r := NewReassembler(Options{})
	payload := proto.EncodeFragment(proto.Fragment{Index: 3, Total: 3, OriginalType: proto.TypeMessage, Data: []byte("x")})
	if _, ok := r.Add(proto.Packet{Type: proto.TypeFragment, Payload: payload}); ok {
		t.Fatalf("index beyond total must be dropped")
	}
	if r.Len() != 0 {
		t.Fatalf("bad fragment must not open a session")
	}
}

func TestOversizeGroupDropped(t *testing.T) {
	r := NewReassembler(Options{})
	id := proto.FragmentID{9, 9, 9}
	chunk := bytes.Repeat([]byte{0xAB}, 60000)
	add := func(i uint16) bool {
		payload := proto.EncodeFragment(proto.Fragment{ID: id, Index: i, Total: 0xFFFF, OriginalType: proto.TypeMessage, Data: chunk})
		_, ok := r.Add(proto.Packet{Type: proto.TypeFragment, Payload: payload})
		return ok
	}
	if add(0) || r.Len() != 1 {
		t.Fatalf("first chunk under the frame cap should open a group")
	}
	if add(1) {
		t.Fatalf("oversize group must not complete")
	}
	if r.Len() != 0 {
		t.Fatalf("group past the frame cap must be evicted, %d live", r.Len())
	}
	// later chunks start a fresh group that again stops at the cap
	for i := uint16(2); i < 40; i++ {
		add(i)
	}
	if r.Len() > 1 {
		t.Fatalf("expected at most one live group, got %d", r.Len())
	}
}
