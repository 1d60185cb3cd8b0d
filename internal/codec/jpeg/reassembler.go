// Package jpeg rebuilds JFIF images from RFC 2435 RTP payloads.
package jpeg

import (
	"bytes"
	"errors"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/jpeg"
)

const (
	PayloadType = 26

	mainHeaderSize = 8

	// offset sentinel meaning "wait for the start of the next frame"
	offsetResync = 0xFFF
	// slack added to the first non-zero offset when bounding the next one
	offsetSlack = 200
	// headroom added when the output buffer grows
	bufferHeadroom = 10000
)

var (
	ErrShortPayload  = errors.New("jpeg payload too short")
	ErrFragmentLost  = errors.New("jpeg fragment offset error, data loss")
	ErrNoQuantTables = errors.New("jpeg quantization tables not received")
)

// Header holds the fields of the last parsed RTP/JPEG header.
type Header struct {
	FragmentOffset  uint32
	Type            uint8
	Q               uint8
	Width           int
	Height          int
	RestartInterval uint16
	// NumQTables is 2 for types 0, 1, 64 and 65 when tables are carried
	// in-band, -1 otherwise.
	NumQTables int
}

// Reassembler accumulates the fragments of one frame at a time. It is not
// safe for concurrent use.
type Reassembler struct {
	header         Header
	fragmentOffset uint32
	firstOffset    uint32
	qtables        []byte
	tablesQ        uint8

	inSequence bool
	scan       []byte
	jfif       []byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		fragmentOffset: offsetResync,
		inSequence:     true,
	}
}

func (r *Reassembler) Header() Header {
	return r.header
}

func (r *Reassembler) Width() int {
	return r.header.Width
}

func (r *Reassembler) Height() int {
	return r.header.Height
}

// ParseHeader reads the main, restart and quantization headers at the start
// of payload and returns how many bytes they span. A fragment offset that
// does not continue the current frame yields ErrFragmentLost and the frame
// in progress is discarded.
func (r *Reassembler) ParseHeader(payload []byte) (int, error) {
	if len(payload) < mainHeaderSize {
		return 0, ErrShortPayload
	}

	offset := uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	switch {
	case offset == 0:
		r.fragmentOffset = 0
		r.scan = r.scan[:0]
		r.inSequence = true
	case r.fragmentOffset == 0:
		r.fragmentOffset = offset
		r.firstOffset = offset + offsetSlack
	case offset > r.fragmentOffset && offset-r.fragmentOffset < r.firstOffset:
		r.fragmentOffset = offset
	default:
		r.fragmentOffset = offsetResync
		r.inSequence = false
		return 0, ErrFragmentLost
	}

	h := Header{
		FragmentOffset: offset,
		Type:           payload[4],
		Q:              payload[5],
		Width:          int(payload[6]) * 8,
		Height:         int(payload[7]) * 8,
	}
	n := mainHeaderSize

	if h.Type >= 64 && h.Type < 128 {
		if len(payload) < n+4 {
			return 0, ErrShortPayload
		}
		h.RestartInterval = uint16(payload[n])<<8 | uint16(payload[n+1])
		// restart count is not needed, frames are reassembled whole
		n += 4
	}

	if h.Q >= 128 && offset == 0 {
		if len(payload) < n+4 {
			return 0, ErrShortPayload
		}
		// MBZ and precision are skipped
		l := int(payload[n+2])<<8 | int(payload[n+3])
		n += 4
		if len(payload) < n+l {
			return 0, ErrShortPayload
		}
		r.qtables = append(r.qtables[:0], payload[n:n+l]...)
		r.tablesQ = h.Q
		n += l

		switch h.Type {
		case 0, 1, 64, 65:
			h.NumQTables = 2
		default:
			h.NumQTables = -1
		}
	} else if h.Q < 128 {
		if r.tablesQ != h.Q || len(r.qtables) == 0 {
			r.qtables = MakeTables(h.Q)
			r.tablesQ = h.Q
		}
		h.NumQTables = 2
	} else {
		h.NumQTables = r.header.NumQTables
	}

	r.header = h
	return n, nil
}

// Resync discards the frame in progress. Data is ignored until the end of
// the current frame.
func (r *Reassembler) Resync() {
	r.inSequence = false
}

// InSequence reports whether the current frame is still intact.
func (r *Reassembler) InSequence() bool {
	return r.inSequence
}

// Push appends scan data following a parsed header. When marker is set the
// frame ends: a complete JFIF image is returned if every fragment arrived,
// and the reassembler is reset for the next frame either way. The returned
// slice is reused by the next completed frame.
func (r *Reassembler) Push(data []byte, marker bool) ([]byte, error) {
	if r.inSequence {
		r.scan = append(r.scan, data...)
	}
	if !marker {
		return nil, nil
	}

	defer func() {
		r.inSequence = true
		r.scan = r.scan[:0]
	}()

	if !r.inSequence || len(r.scan) == 0 {
		return nil, ErrFragmentLost
	}
	return r.toJFIF()
}

func (r *Reassembler) toJFIF() ([]byte, error) {
	if len(r.qtables) == 0 {
		return nil, ErrNoQuantTables
	}

	need := HeaderSize(len(r.qtables), r.header.RestartInterval) + len(r.scan) + 2
	if cap(r.jfif) < need {
		r.jfif = make([]byte, 0, need+bufferHeadroom)
	}

	buf := appendHeader(r.jfif[:0], r.header.Type, r.header.Width, r.header.Height, r.qtables, r.header.RestartInterval)
	buf = append(buf, r.scan...)
	if !bytes.HasSuffix(r.scan, []byte{0xFF, jpeg.MarkerEndOfImage}) {
		buf = append(buf, 0xFF, jpeg.MarkerEndOfImage)
	}
	r.jfif = buf
	return buf, nil
}
