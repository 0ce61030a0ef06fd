package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrBadMessage = errors.New("proto: bad message")

// ChatMessage is the application payload of public messages and of private
// messages inside a Noise transport payload.
type ChatMessage struct {
	ID       uuid.UUID
	Nickname string
	Content  string
}

func NewChatMessage(nickname, content string) ChatMessage {
	return ChatMessage{ID: uuid.New(), Nickname: nickname, Content: content}
}

// EncodeChatMessage: id(16) | nickLen(1) | nick | contentLen(2, BE) | content.
func EncodeChatMessage(m ChatMessage) ([]byte, error) {
	if len(m.Nickname) > maxNicknameLen {
		return nil, fmt.Errorf("%w: nickname too long", ErrBadMessage)
	}
	if len(m.Content) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: content too long", ErrBadMessage)
	}
	buf := make([]byte, 0, 16+1+len(m.Nickname)+2+len(m.Content))
	buf = append(buf, m.ID[:]...)
	buf = append(buf, byte(len(m.Nickname)))
	buf = append(buf, m.Nickname...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Content)))
	buf = append(buf, m.Content...)
	return buf, nil
}

func DecodeChatMessage(data []byte) (ChatMessage, error) {
	if len(data) < 16+1+2 {
		return ChatMessage{}, fmt.Errorf("%w: short", ErrBadMessage)
	}
	var m ChatMessage
	copy(m.ID[:], data[:16])
	off := 16
	nl := int(data[off])
	off++
	if off+nl+2 > len(data) {
		return ChatMessage{}, fmt.Errorf("%w: nickname overruns", ErrBadMessage)
	}
	m.Nickname = string(data[off : off+nl])
	off += nl
	cl := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if off+cl != len(data) {
		return ChatMessage{}, fmt.Errorf("%w: content length mismatch", ErrBadMessage)
	}
	m.Content = string(data[off:])
	return m, nil
}

type NoisePayloadType byte

const (
	NoisePrivateMessage NoisePayloadType = 0x01
	NoiseDeliveryAck    NoisePayloadType = 0x02
	NoiseReadReceipt    NoisePayloadType = 0x03
)

// NoisePayload is the plaintext carried inside a Noise transport message.
type NoisePayload struct {
	Type NoisePayloadType
	Body []byte
}

func EncodeNoisePayload(p NoisePayload) []byte {
	out := make([]byte, 1+len(p.Body))
	out[0] = byte(p.Type)
	copy(out[1:], p.Body)
	return out
}

func DecodeNoisePayload(data []byte) (NoisePayload, error) {
	if len(data) < 1 {
		return NoisePayload{}, fmt.Errorf("%w: empty noise payload", ErrBadMessage)
	}
	return NoisePayload{Type: NoisePayloadType(data[0]), Body: append([]byte(nil), data[1:]...)}, nil
}

func ReceiptBody(id uuid.UUID) []byte {
	return append([]byte(nil), id[:]...)
}

func ParseReceiptBody(b []byte) (uuid.UUID, error) {
	return uuid.FromBytes(b)
}
