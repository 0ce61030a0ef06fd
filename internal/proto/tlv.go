package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrBadTLV = errors.New("proto: bad tlv")

type tlv struct {
	typ   byte
	value []byte
}

func appendTLV(buf []byte, typ byte, value []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(value)))
	buf = append(buf, typ)
	buf = append(buf, l[:]...)
	return append(buf, value...)
}

// parseTLV walks type(1) | len(2, BE) | value records. Unknown types are
// returned too; callers skip what they do not understand.
func parseTLV(data []byte) ([]tlv, error) {
	var out []tlv
	for off := 0; off < len(data); {
		if len(data)-off < 3 {
			return nil, fmt.Errorf("%w: truncated record at %d", ErrBadTLV, off)
		}
		typ := data[off]
		n := int(binary.BigEndian.Uint16(data[off+1 : off+3]))
		off += 3
		if n > len(data)-off {
			return nil, fmt.Errorf("%w: record %#x overruns payload", ErrBadTLV, typ)
		}
		out = append(out, tlv{typ: typ, value: data[off : off+n]})
		off += n
	}
	return out, nil
}

const (
	announceNickname   = 0x01
	announceNoiseKey   = 0x02
	announceSigningKey = 0x03

	maxNicknameLen = 64
)

type Announce struct {
	Nickname   string
	NoiseKey   []byte
	SigningKey []byte
}

func EncodeAnnounce(a Announce) ([]byte, error) {
	if len(a.Nickname) > maxNicknameLen {
		return nil, fmt.Errorf("%w: nickname too long", ErrBadTLV)
	}
	if len(a.NoiseKey) != 32 || len(a.SigningKey) != 32 {
		return nil, fmt.Errorf("%w: announce keys must be 32 bytes", ErrBadTLV)
	}
	buf := make([]byte, 0, 3*3+len(a.Nickname)+64)
	buf = appendTLV(buf, announceNickname, []byte(a.Nickname))
	buf = appendTLV(buf, announceNoiseKey, a.NoiseKey)
	buf = appendTLV(buf, announceSigningKey, a.SigningKey)
	return buf, nil
}

func DecodeAnnounce(data []byte) (Announce, error) {
	recs, err := parseTLV(data)
	if err != nil {
		return Announce{}, err
	}
	var a Announce
	for _, r := range recs {
		switch r.typ {
		case announceNickname:
			if len(r.value) > maxNicknameLen {
				return Announce{}, fmt.Errorf("%w: nickname too long", ErrBadTLV)
			}
			a.Nickname = string(r.value)
		case announceNoiseKey:
			a.NoiseKey = append([]byte(nil), r.value...)
		case announceSigningKey:
			a.SigningKey = append([]byte(nil), r.value...)
		}
	}
	if len(a.NoiseKey) != 32 || len(a.SigningKey) != 32 {
		return Announce{}, fmt.Errorf("%w: announce missing keys", ErrBadTLV)
	}
	return a, nil
}

const (
	syncP    = 0x01
	syncM    = 0x02
	syncData = 0x03
)

// RequestSync carries a GCS filter of the sender's recently seen ids.
type RequestSync struct {
	P    uint8
	M    uint64
	Data []byte
}

func EncodeRequestSync(r RequestSync) []byte {
	var m []byte
	if r.M <= 0xFFFFFFFF {
		m = binary.BigEndian.AppendUint32(nil, uint32(r.M))
	} else {
		m = binary.BigEndian.AppendUint64(nil, r.M)
	}
	buf := make([]byte, 0, 3*3+1+len(m)+len(r.Data))
	buf = appendTLV(buf, syncP, []byte{r.P})
	buf = appendTLV(buf, syncM, m)
	buf = appendTLV(buf, syncData, r.Data)
	return buf
}

func DecodeRequestSync(data []byte) (RequestSync, error) {
	recs, err := parseTLV(data)
	if err != nil {
		return RequestSync{}, err
	}
	var r RequestSync
	var haveP, haveM bool
	for _, rec := range recs {
		switch rec.typ {
		case syncP:
			if len(rec.value) != 1 {
				return RequestSync{}, fmt.Errorf("%w: p must be one byte", ErrBadTLV)
			}
			r.P = rec.value[0]
			haveP = true
		case syncM:
			switch len(rec.value) {
			case 4:
				r.M = uint64(binary.BigEndian.Uint32(rec.value))
			case 8:
				r.M = binary.BigEndian.Uint64(rec.value)
			default:
				return RequestSync{}, fmt.Errorf("%w: m must be 4 or 8 bytes", ErrBadTLV)
			}
			haveM = true
		case syncData:
			r.Data = append([]byte(nil), rec.value...)
		}
	}
	if !haveP || !haveM {
		return RequestSync{}, fmt.Errorf("%w: request sync missing p or m", ErrBadTLV)
	}
	return r, nil
}
