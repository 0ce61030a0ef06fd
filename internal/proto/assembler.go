package proto

// AppendResult reports what one Append call produced. Reset means the
// buffered stream was discarded because a header declared an impossible
// frame; the caller should treat the link as desynchronized.
type AppendResult struct {
	Frames  [][]byte
	Dropped []byte
	Reset   bool
}

// StreamAssembler turns an arbitrarily chunked byte stream into whole frames.
// It is not safe for concurrent use; keep one per inbound link.
type StreamAssembler struct {
	buf      []byte
	maxFrame int
}

func NewStreamAssembler() *StreamAssembler {
	return &StreamAssembler{maxFrame: MaxFrameSize}
}

func NewStreamAssemblerWithCap(maxFrame int) *StreamAssembler {
	if maxFrame <= 0 || maxFrame > MaxFrameSize {
		maxFrame = MaxFrameSize
	}
	return &StreamAssembler{maxFrame: maxFrame}
}

func (a *StreamAssembler) Buffered() int {
	return len(a.buf)
}

func (a *StreamAssembler) Append(chunk []byte) AppendResult {
	var res AppendResult
	a.buf = append(a.buf, chunk...)
	for len(a.buf) >= MinFrameSize {
		if a.buf[0] != Version {
			res.Dropped = append(res.Dropped, a.buf[0])
			a.buf = a.buf[1:]
			continue
		}
		total := FrameLength(a.buf)
		if total <= 0 || total > a.maxFrame {
			a.buf = nil
			res.Reset = true
			break
		}
		if len(a.buf) < total {
			skip := a.resyncOffset()
			if skip <= 0 {
				break
			}
			res.Dropped = append(res.Dropped, a.buf[:skip]...)
			a.buf = a.buf[skip:]
			continue
		}
		frame := make([]byte, total)
		copy(frame, a.buf[:total])
		res.Frames = append(res.Frames, frame)
		a.buf = a.buf[total:]
	}
	if len(a.buf) == 0 {
		a.buf = nil
	} else if cap(a.buf) > 4*a.maxFrame {
		a.buf = append([]byte(nil), a.buf...)
	}
	return res
}

// resyncOffset looks past an incomplete leading frame for a later version
// marker that starts a frame already complete in the buffer. A partial frame
// that is merely waiting for more bytes never qualifies, so normal chunking
// is left alone.
func (a *StreamAssembler) resyncOffset() int {
	for i := 1; i+MinFrameSize <= len(a.buf); i++ {
		if a.buf[i] != Version {
			continue
		}
		total := FrameLength(a.buf[i:])
		if total < MinFrameSize || total > a.maxFrame || i+total > len(a.buf) {
			continue
		}
		if !knownType(MessageType(a.buf[i+1])) {
			continue
		}
		if _, err := Decode(a.buf[i : i+total]); err != nil {
			continue
		}
		return i
	}
	return 0
}

func (a *StreamAssembler) Reset() {
	a.buf = nil
}

func knownType(t MessageType) bool {
	switch t {
	case TypeAnnounce, TypeMessage, TypeLeave, TypeDeliveryAck,
		TypeNoiseHandshake, TypeNoiseEncrypted, TypeFragment, TypeRequestSync:
		return true
	}
	return false
}
