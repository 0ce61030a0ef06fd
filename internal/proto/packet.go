package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	Version byte = 1

	HeaderSize    = 14
	SenderIDSize  = 8
	RecipientSize = 8
	SignatureSize = 64
	MinFrameSize  = HeaderSize + SenderIDSize

	MaxPayloadSize = 0xFFFF
	// MaxFrameSize bounds what a peer can make us buffer.
	MaxFrameSize = 64 << 10

	compressMinSize = 256
)

var (
	ErrMalformedHeader = errors.New("proto: malformed header")
	ErrLengthMismatch  = errors.New("proto: length mismatch")
	ErrFrameTooLarge   = errors.New("proto: frame too large")
)

type MessageType byte

const (
	TypeAnnounce       MessageType = 0x01
	TypeMessage        MessageType = 0x02
	TypeLeave          MessageType = 0x03
	TypeDeliveryAck    MessageType = 0x0A
	TypeNoiseHandshake MessageType = 0x10
	TypeNoiseEncrypted MessageType = 0x11
	TypeFragment       MessageType = 0x20
	TypeRequestSync    MessageType = 0x21
)

func (t MessageType) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeMessage:
		return "message"
	case TypeLeave:
		return "leave"
	case TypeDeliveryAck:
		return "delivery_ack"
	case TypeNoiseHandshake:
		return "noise_handshake"
	case TypeNoiseEncrypted:
		return "noise_encrypted"
	case TypeFragment:
		return "fragment"
	case TypeRequestSync:
		return "request_sync"
	default:
		return fmt.Sprintf("type_%#02x", byte(t))
	}
}

const (
	FlagHasRecipient byte = 1 << 0
	FlagHasSignature byte = 1 << 1
	FlagIsCompressed byte = 1 << 2

	structuralFlags = FlagHasRecipient | FlagHasSignature | FlagIsCompressed
)

type ID [SenderIDSize]byte

// Broadcast is the all-ones recipient used by directed-looking broadcasts.
var Broadcast = ID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Packet is one wire unit. Recipient and Signature are nil when absent;
// Payload always holds the uncompressed bytes. Flags carries only the bits
// not implied by the other fields.
type Packet struct {
	Version   byte
	Type      MessageType
	TTL       uint8
	Timestamp uint64
	Flags     byte
	Sender    ID
	Recipient *ID
	Payload   []byte
	Signature []byte
}

func (p Packet) HasRecipient() bool {
	return p.Recipient != nil
}

// IsDirected reports whether the packet targets one peer rather than the
// broadcast address.
func (p Packet) IsDirected() bool {
	return p.Recipient != nil && *p.Recipient != Broadcast
}

type EncodeOptions struct {
	Compress bool
}

func Encode(p Packet) ([]byte, error) {
	return EncodeWith(p, EncodeOptions{})
}

func EncodeWith(p Packet, opts EncodeOptions) ([]byte, error) {
	payload := p.Payload
	flags := p.Flags &^ structuralFlags
	if opts.Compress && len(payload) >= compressMinSize {
		if packed, ok := compressPayload(payload); ok {
			payload = packed
			flags |= FlagIsCompressed
		}
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrFrameTooLarge, len(payload))
	}
	if p.Recipient != nil {
		flags |= FlagHasRecipient
	}
	if p.Signature != nil {
		if len(p.Signature) != SignatureSize {
			return nil, fmt.Errorf("%w: signature must be %d bytes", ErrLengthMismatch, SignatureSize)
		}
		flags |= FlagHasSignature
	}
	total := frameLen(flags, len(payload))
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	version := p.Version
	if version == 0 {
		version = Version
	}
	out := make([]byte, total)
	out[0] = version
	out[1] = byte(p.Type)
	out[2] = p.TTL
	binary.BigEndian.PutUint64(out[3:11], p.Timestamp)
	out[11] = flags
	binary.BigEndian.PutUint16(out[12:14], uint16(len(payload)))
	off := HeaderSize
	off += copy(out[off:], p.Sender[:])
	if p.Recipient != nil {
		off += copy(out[off:], p.Recipient[:])
	}
	off += copy(out[off:], payload)
	if p.Signature != nil {
		copy(out[off:], p.Signature)
	}
	return out, nil
}

func Decode(data []byte) (Packet, error) {
	if len(data) < MinFrameSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(data))
	}
	if data[0] != Version {
		return Packet{}, fmt.Errorf("%w: version %d", ErrMalformedHeader, data[0])
	}
	if len(data) > MaxFrameSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	flags := data[11]
	payloadLen := int(binary.BigEndian.Uint16(data[12:14]))
	if want := frameLen(flags, payloadLen); want != len(data) {
		return Packet{}, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, want, len(data))
	}
	p := Packet{
		Version:   data[0],
		Type:      MessageType(data[1]),
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[3:11]),
		Flags:     flags &^ structuralFlags,
	}
	off := HeaderSize
	copy(p.Sender[:], data[off:off+SenderIDSize])
	off += SenderIDSize
	if flags&FlagHasRecipient != 0 {
		var r ID
		copy(r[:], data[off:off+RecipientSize])
		p.Recipient = &r
		off += RecipientSize
	}
	payload := data[off : off+payloadLen]
	off += payloadLen
	if flags&FlagIsCompressed != 0 {
		plain, err := decompressPayload(payload)
		if err != nil {
			return Packet{}, err
		}
		p.Payload = plain
	} else {
		p.Payload = append([]byte(nil), payload...)
	}
	if flags&FlagHasSignature != 0 {
		p.Signature = append([]byte(nil), data[off:off+SignatureSize]...)
	}
	return p, nil
}

// FrameLength returns the total encoded size implied by a header prefix, or
// 0 when fewer than HeaderSize bytes are given.
func FrameLength(header []byte) int {
	if len(header) < HeaderSize {
		return 0
	}
	return frameLen(header[11], int(binary.BigEndian.Uint16(header[12:14])))
}

func frameLen(flags byte, payloadLen int) int {
	n := HeaderSize + SenderIDSize + payloadLen
	if flags&FlagHasRecipient != 0 {
		n += RecipientSize
	}
	if flags&FlagHasSignature != 0 {
		n += SignatureSize
	}
	return n
}

func compressPayload(payload []byte) ([]byte, bool) {
	if len(payload) > MaxPayloadSize {
		return nil, false
	}
	var buf bytes.Buffer
	var sz [2]byte
	binary.BigEndian.PutUint16(sz[:], uint16(len(payload)))
	buf.Write(sz[:])
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(payload) {
		return nil, false
	}
	return buf.Bytes(), true
}

func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: compressed payload too short", ErrLengthMismatch)
	}
	want := int(binary.BigEndian.Uint16(data[:2]))
	zr, err := zlib.NewReader(bytes.NewReader(data[2:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	defer zr.Close()
	out := make([]byte, want)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrLengthMismatch, err)
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("%w: inflated past declared size", ErrLengthMismatch)
	}
	return out, nil
}
