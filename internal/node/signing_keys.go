package node

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/yodablocks/bitchat/internal/crypto"
)

const signingSeedFile = "signing_ed25519.hex"

// loadOrCreateSigningKey reads the Ed25519 seed under home, creating one on
// first run.
func loadOrCreateSigningKey(home string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	path := filepath.Join(home, signingSeedFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, derr := hex.DecodeString(strings.TrimSpace(string(raw)))
		crypto.Zero(raw)
		if derr != nil || len(seed) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("bad %s", signingSeedFile)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		crypto.Zero(seed)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	seed := priv.Seed()
	defer crypto.Zero(seed)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
