package peer

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/store"
)

// PinnedFile is the identity file name under the node home.
const PinnedFile = "known_peers.jsonl"

type diskIdentity struct {
	ID         string `json:"id"`
	Nickname   string `json:"nickname,omitempty"`
	NoiseKey   string `json:"noise_key"`
	SigningKey string `json:"signing_key"`
	LastSeen   int64  `json:"last_seen"`
}

// SaveIdentities writes the pinned identities to path, replacing its contents.
func (t *Table) SaveIdentities(path string) error {
	idents := t.Pinned()
	recs := make([]diskIdentity, 0, len(idents))
	for _, id := range idents {
		recs = append(recs, diskIdentity{
			ID:         id.ID.String(),
			Nickname:   id.Nickname,
			NoiseKey:   hex.EncodeToString(id.NoiseKey),
			SigningKey: hex.EncodeToString(id.SigningKey),
			LastSeen:   id.LastSeen.Unix(),
		})
	}
	return store.RewriteJSONL(path, recs)
}

// LoadIdentities pins the identities stored at path so a restarted node
// still rejects signing key changes. Records whose id does not match their
// noise key are skipped. It returns how many were loaded.
func (t *Table) LoadIdentities(path string) (int, error) {
	recs, err := store.ReadJSONL[diskIdentity](path)
	if err != nil {
		return 0, fmt.Errorf("load identities: %w", err)
	}
	n := 0
	for _, rec := range recs {
		noise, err := hex.DecodeString(rec.NoiseKey)
		if err != nil || len(noise) != 32 {
			continue
		}
		sign, err := hex.DecodeString(rec.SigningKey)
		if err != nil || len(sign) != ed25519.PublicKeySize {
			continue
		}
		id := peerid.FromNoiseKey(noise)
		if id.String() != rec.ID {
			continue
		}
		t.Pin(Identity{
			ID:         id,
			Nickname:   rec.Nickname,
			NoiseKey:   noise,
			SigningKey: ed25519.PublicKey(sign),
			LastSeen:   time.Unix(rec.LastSeen, 0),
		})
		n++
	}
	return n, nil
}
