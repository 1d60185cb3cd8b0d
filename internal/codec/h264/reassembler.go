// Package h264 rebuilds Annex-B access units from RFC 6184 RTP payloads.
package h264

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	fuStart = 0x80
	fuEnd   = 0x40
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Reassembler turns single NAL and FU-A payloads into Annex-B units.
// Fragmented pictures are only emitted once the first IDR has been seen.
type Reassembler struct {
	buf      []byte
	synced   bool
	keyFrame bool
}

func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// ResetSync makes the reassembler wait for the next IDR picture.
func (r *Reassembler) ResetSync() {
	r.synced = false
}

func (r *Reassembler) Synced() bool {
	return r.synced
}

// KeyFrame reports whether the last FU-A unit started an IDR picture.
func (r *Reassembler) KeyFrame() bool {
	return r.keyFrame
}

// Push consumes one payload. It returns the Annex-B unit and true once a
// NAL is complete. The returned slice is reused by the next call.
func (r *Reassembler) Push(payload []byte) ([]byte, bool) {
	if len(payload) < 1 {
		return nil, false
	}

	switch typ := h264.NALUType(payload[0] & 0x1F); typ {
	case h264.NALUTypeNonIDR, h264.NALUTypeSEI, h264.NALUTypeSPS, h264.NALUTypePPS:
		r.buf = append(append(r.buf[:0], startCode...), payload...)
		return r.buf, true

	case h264.NALUTypeIDR:
		r.synced = true
		r.keyFrame = true
		r.buf = append(append(r.buf[:0], startCode...), payload...)
		return r.buf, true

	case h264.NALUTypeFUA:
		return r.pushFragment(payload)

	default:
		return nil, false
	}
}

func (r *Reassembler) pushFragment(payload []byte) ([]byte, bool) {
	if len(payload) < 2 {
		return nil, false
	}
	indicator, header := payload[0], payload[1]

	if header&fuStart != 0 {
		r.keyFrame = h264.NALUType(header&0x1F) == h264.NALUTypeIDR
		r.buf = r.buf[:0]

		if !r.synced && r.keyFrame {
			r.synced = true
		}
		if r.synced {
			r.buf = append(r.buf, startCode...)
			r.buf = append(r.buf, indicator&0xE0|header&0x1F)
		}
	}

	if !r.synced {
		return nil, false
	}
	if len(payload) > 2 {
		r.buf = append(r.buf, payload[2:]...)
	}
	if header&fuEnd != 0 {
		return r.buf, true
	}
	return nil, false
}
