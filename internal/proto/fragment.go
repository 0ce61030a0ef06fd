package proto

import (
	"encoding/binary"
	"errors"
)

const FragmentHeaderSize = 8 + 2 + 2 + 1

var ErrFragmentTooShort = errors.New("proto: fragment header too short")

type FragmentID [8]byte

type Fragment struct {
	ID           FragmentID
	Index        uint16
	Total        uint16
	OriginalType MessageType
	Data         []byte
}

func EncodeFragment(f Fragment) []byte {
	out := make([]byte, FragmentHeaderSize+len(f.Data))
	copy(out[0:8], f.ID[:])
	binary.BigEndian.PutUint16(out[8:10], f.Index)
	binary.BigEndian.PutUint16(out[10:12], f.Total)
	out[12] = byte(f.OriginalType)
	copy(out[FragmentHeaderSize:], f.Data)
	return out
}

func DecodeFragment(payload []byte) (Fragment, error) {
	if len(payload) < FragmentHeaderSize {
		return Fragment{}, ErrFragmentTooShort
	}
	var f Fragment
	copy(f.ID[:], payload[0:8])
	f.Index = binary.BigEndian.Uint16(payload[8:10])
	f.Total = binary.BigEndian.Uint16(payload[10:12])
	f.OriginalType = MessageType(payload[12])
	f.Data = append([]byte(nil), payload[FragmentHeaderSize:]...)
	return f, nil
}
