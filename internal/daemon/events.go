package daemon

import (
	"github.com/google/uuid"

	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
)

type EventKind uint8

const (
	EventLinkUp EventKind = iota + 1
	EventLinkDown
	EventPeerJoined
	EventPeerLeft
	EventMessage
	EventPrivateMessage
	EventDelivered
	EventRead
	EventSessionEstablished
	EventSessionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventLinkUp:
		return "link_up"
	case EventLinkDown:
		return "link_down"
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventMessage:
		return "message"
	case EventPrivateMessage:
		return "private_message"
	case EventDelivered:
		return "delivered"
	case EventRead:
		return "read"
	case EventSessionEstablished:
		return "session_established"
	case EventSessionFailed:
		return "session_failed"
	default:
		return "unknown"
	}
}

// Event is what the runner reports to its owner. Fields not relevant to
// Kind are zero.
type Event struct {
	Kind        EventKind
	Peer        peerid.PeerID
	Nickname    string
	Message     proto.ChatMessage
	MessageID   uuid.UUID
	Fingerprint string
	Err         error
}
