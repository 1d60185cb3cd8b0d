package mp4

import (
	"encoding/binary"
	"io"
)

// box is one ISO-BMFF box. Sizes are computed from the payload and the
// children, so the tree is complete before a single byte is written.
type box struct {
	typ      [4]byte
	payload  []byte
	children []*box
}

func newBox(typ string, children ...*box) *box {
	b := &box{children: children}
	copy(b.typ[:], typ)
	return b
}

// fullBox starts a box whose payload begins with version and flags.
func fullBox(typ string, version uint8, flags uint32) *box {
	b := newBox(typ)
	b.payload = []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return b
}

func (b *box) add(children ...*box) *box {
	b.children = append(b.children, children...)
	return b
}

func (b *box) size() int64 {
	n := int64(8 + len(b.payload))
	for _, c := range b.children {
		n += c.size()
	}
	return n
}

func (b *box) u8(v uint8) *box {
	b.payload = append(b.payload, v)
	return b
}

func (b *box) u16(v uint16) *box {
	b.payload = binary.BigEndian.AppendUint16(b.payload, v)
	return b
}

func (b *box) u32(v uint32) *box {
	b.payload = binary.BigEndian.AppendUint32(b.payload, v)
	return b
}

func (b *box) u64(v uint64) *box {
	b.payload = binary.BigEndian.AppendUint64(b.payload, v)
	return b
}

func (b *box) bytes(v []byte) *box {
	b.payload = append(b.payload, v...)
	return b
}

func (b *box) zero(n int) *box {
	b.payload = append(b.payload, make([]byte, n)...)
	return b
}

func (b *box) writeTo(w io.Writer) (int64, error) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(b.size()))
	copy(hdr[4:], b.typ[:])
	n, err := w.Write(hdr[:])
	total := int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(b.payload)
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, c := range b.children {
		cn, err := c.writeTo(w)
		total += cn
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// unity transformation matrix used by mvhd and tkhd
var matrix = []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func (b *box) matrix() *box {
	for _, v := range matrix {
		b.u32(v)
	}
	return b
}
