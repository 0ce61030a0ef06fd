package network

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/yodablocks/bitchat/internal/peerid"
)

const (
	prefaceMagic   = "BCHT"
	prefaceVersion = 1
	prefaceLen     = len(prefaceMagic) + 1 + peerid.RoutingLen
)

var ErrBadPreface = errors.New("network: bad stream preface")

// Each side opens the link stream with magic, version and its routing id.
func encodePreface(id [peerid.RoutingLen]byte) []byte {
	out := make([]byte, 0, prefaceLen)
	out = append(out, prefaceMagic...)
	out = append(out, prefaceVersion)
	return append(out, id[:]...)
}

func decodePreface(b []byte) (peerid.PeerID, error) {
	if len(b) != prefaceLen || !bytes.Equal(b[:len(prefaceMagic)], []byte(prefaceMagic)) {
		return peerid.PeerID{}, ErrBadPreface
	}
	if v := b[len(prefaceMagic)]; v != prefaceVersion {
		return peerid.PeerID{}, fmt.Errorf("%w: version %d", ErrBadPreface, v)
	}
	var id [peerid.RoutingLen]byte
	copy(id[:], b[len(prefaceMagic)+1:])
	return peerid.FromRouting(id), nil
}
