package peerid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestParseNamespaces(t *testing.T) {
	key := strings.Repeat("ab", 32)
	cases := []struct {
		in   string
		ns   Namespace
		bare string
	}{
		{in: "0123456789ABCDEF", ns: NamespaceNone, bare: "0123456789abcdef"},
		{in: "mesh:0123456789abcdef", ns: NamespaceMesh, bare: "0123456789abcdef"},
		{in: "noise:" + strings.ToUpper(key), ns: NamespaceNoise, bare: key},
		{in: "name:alice_01", ns: NamespaceName, bare: "alice_01"},
		{in: "geo-dm:u4pruyd", ns: NamespaceGeoDM, bare: "u4pruyd"},
		{in: "geo-chat:room-9", ns: NamespaceGeoChat, bare: "room-9"},
	}
	for _, tc := range cases {
		id, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if id.Namespace() != tc.ns || id.Bare() != tc.bare {
			t.Fatalf("parse %q: got ns=%v bare=%q", tc.in, id.Namespace(), id.Bare())
		}
		again, err := Parse(id.String())
		if err != nil || again != id {
			t.Fatalf("reparse %q: got %v err=%v", id.String(), again, err)
		}
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"has space",
		"dots.are.bad",
		strings.Repeat("x", 64),
		"noise:0123456789abcdef",
		"mesh:not-hex-value!",
		"mesh:alice",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestFromNoiseKeyDerivesShortID(t *testing.T) {
	pub := bytes.Repeat([]byte{0x42}, 32)
	sum := sha256.Sum256(pub)
	want := hex.EncodeToString(sum[:])[:ShortLen]
	id := FromNoiseKey(pub)
	if id.Bare() != want || !id.IsShort() {
		t.Fatalf("short id mismatch: %q want %q", id.Bare(), want)
	}
	full := NoiseKeyID(pub)
	if !full.IsNoiseKey() {
		t.Fatalf("expected full key id")
	}
	if full.Short() != id {
		t.Fatalf("full id short form mismatch: %v vs %v", full.Short(), id)
	}
	rb, ok := full.Routing()
	if !ok {
		t.Fatalf("expected routing bytes")
	}
	if FromRouting(rb) != id {
		t.Fatalf("routing round trip mismatch")
	}
}

func TestEqualityIsFullyQualified(t *testing.T) {
	a := MustParse("0123456789abcdef")
	b := MustParse("mesh:0123456789abcdef")
	if a == b {
		t.Fatalf("different namespaces must not be equal")
	}
	if a.Short() != b.Short() {
		t.Fatalf("short forms should match")
	}
	if !a.Less(b) && !b.Less(a) {
		t.Fatalf("expected strict ordering")
	}
}

func TestTextMarshal(t *testing.T) {
	id := MustParse("name:bob")
	b, err := id.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out PeerID
	if err := out.UnmarshalText(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != id {
		t.Fatalf("text round trip mismatch: %v", out)
	}
}
