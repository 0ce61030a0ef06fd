package node

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/yodablocks/bitchat/internal/crypto"
	"github.com/yodablocks/bitchat/internal/peer"
	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
)

// PacketTTL is the hop budget this node stamps on packets it originates.
const PacketTTL = 7

var ErrClosed = errors.New("node: closed")

// Node is the local identity: static Noise key, Ed25519 signing key and
// nickname, persisted under Home, plus the peer table and address book.
type Node struct {
	Home    string
	ID      peerid.PeerID
	Wire    proto.ID
	SignPub ed25519.PublicKey
	Peers   *peer.Table
	Addrs   *peer.AddrBook

	mu        sync.Mutex
	nickname  string
	static    *crypto.KeyPair
	signPriv  ed25519.PrivateKey
	now       func() time.Time
	announces *announceCache
}

type Options struct {
	Nickname string
	PeerCap  int
	PeerTTL  time.Duration
	AddrCap  int
	AddrTTL  time.Duration
	Now      func() time.Time
}

func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	static, err := crypto.LoadStatic(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		static, err = crypto.GenerateKeyPair(nil)
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveStatic(home, static); err != nil {
			return nil, err
		}
	}
	pub, priv, err := loadOrCreateSigningKey(home)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id := peerid.FromNoiseKey(static.Public())
	wire, _ := proto.IDFromPeer(id)
	peers := peer.NewTable(peer.Options{Cap: opts.PeerCap, TTL: opts.PeerTTL, Now: opts.Now})
	if _, err := peers.LoadIdentities(filepath.Join(home, peer.PinnedFile)); err != nil {
		return nil, err
	}
	return &Node{
		Home:      home,
		ID:        id,
		Wire:      wire,
		SignPub:   pub,
		Peers:     peers,
		Addrs:     peer.NewAddrBook(opts.AddrCap, opts.AddrTTL, opts.Now),
		nickname:  opts.Nickname,
		static:    static,
		signPriv:  priv,
		now:       opts.Now,
		announces: newAnnounceCache(),
	}, nil
}

// Static returns a copy of the static key pair for the session layer.
func (n *Node) Static() *crypto.KeyPair {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.static.Clone()
}

func (n *Node) StaticPublic() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.static.Public()
}

func (n *Node) Fingerprint() string {
	return crypto.Fingerprint(n.StaticPublic())
}

func (n *Node) Nickname() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nickname
}

func (n *Node) SetNickname(nick string) {
	n.mu.Lock()
	n.nickname = nick
	n.mu.Unlock()
}

// NewPacket stamps a packet originated by this node.
func (n *Node) NewPacket(typ proto.MessageType, recipient *proto.ID, payload []byte) proto.Packet {
	return proto.Packet{
		Version:   proto.Version,
		Type:      typ,
		TTL:       PacketTTL,
		Timestamp: uint64(n.now().UnixMilli()),
		Sender:    n.Wire,
		Recipient: recipient,
		Payload:   payload,
	}
}

func (n *Node) Sign(p proto.Packet) (proto.Packet, error) {
	n.mu.Lock()
	priv := n.signPriv
	n.mu.Unlock()
	if priv == nil {
		return proto.Packet{}, ErrClosed
	}
	return proto.Sign(p, priv)
}

// AnnouncePacket returns a signed announce of the current nickname and keys.
// The same packet is reused while the announce cache holds it.
func (n *Node) AnnouncePacket() (proto.Packet, error) {
	payload, err := proto.EncodeAnnounce(proto.Announce{
		Nickname:   n.Nickname(),
		NoiseKey:   n.StaticPublic(),
		SigningKey: n.SignPub,
	})
	if err != nil {
		return proto.Packet{}, err
	}
	now := n.now()
	key := announceKey(payload)
	if p, ok := n.announces.get(key, now); ok {
		return p, nil
	}
	p, err := n.Sign(n.NewPacket(proto.TypeAnnounce, nil, payload))
	if err != nil {
		return proto.Packet{}, err
	}
	n.announces.put(key, p, now)
	return p, nil
}

func (n *Node) LeavePacket() (proto.Packet, error) {
	return n.Sign(n.NewPacket(proto.TypeLeave, nil, nil))
}

// Save persists the pinned peer identities.
func (n *Node) Save() error {
	return n.Peers.SaveIdentities(filepath.Join(n.Home, peer.PinnedFile))
}

// Close saves state and destroys key material.
func (n *Node) Close() error {
	err := n.Save()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.static != nil {
		n.static.Destroy()
	}
	crypto.Zero(n.signPriv)
	n.signPriv = nil
	return err
}

// LoadIdentity reads the persisted identity without creating one.
func LoadIdentity(home string) (peerid.PeerID, string, error) {
	static, err := crypto.LoadStatic(home)
	if err != nil {
		return peerid.PeerID{}, "", err
	}
	defer static.Destroy()
	pub := static.Public()
	return peerid.FromNoiseKey(pub), crypto.Fingerprint(pub), nil
}
