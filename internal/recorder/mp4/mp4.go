// Package mp4 writes progressive ISO-BMFF files holding one H.264 track.
package mp4

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	movieTimescale = 1000
	mediaTimescale = 90000

	// seconds between 1904-01-01 and the unix epoch
	epochOffset = 2082844800
)

var (
	ErrNoFrames         = errors.New("no picture in segment")
	ErrNoParameterSets  = errors.New("sps/pps not available")
	errInvalidParameter = errors.New("invalid sps")
)

// File describes one MP4 segment built from Annex-B units in decode order.
// SPS and PPS default to the first parameter sets found in Units.
type File struct {
	Start    time.Time
	Duration time.Duration
	Width    int
	Height   int
	SPS      []byte
	PPS      []byte
	Units    [][]byte
}

type sample struct {
	size uint32
	sync bool
}

type layout struct {
	samples []sample
	mdat    int64
	sps     []byte
	pps     []byte
}

func isPicture(typ h264.NALUType) bool {
	return typ == h264.NALUTypeNonIDR || typ == h264.NALUTypeIDR
}

// firstSlice reports whether a coded slice starts a new picture, which is
// the case when first_mb_in_slice is 0.
func firstSlice(nalu []byte) bool {
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

func (f *File) nalus(fn func(nalu []byte) error) error {
	for _, unit := range f.Units {
		var au h264.AnnexB
		if err := au.Unmarshal(unit); err != nil {
			// a bare NALU without a start code
			au = h264.AnnexB{unit}
		}
		for _, nalu := range au {
			if len(nalu) == 0 {
				continue
			}
			if err := fn(nalu); err != nil {
				return err
			}
		}
	}
	return nil
}

// scan groups NAL units into samples. Parameter sets and SEI are counted
// in the preceding sample; those ahead of the first picture open it.
func (f *File) scan() *layout {
	l := &layout{sps: f.SPS, pps: f.PPS}
	var leading uint32

	_ = f.nalus(func(nalu []byte) error {
		size := uint32(4 + len(nalu))
		l.mdat += int64(size)

		typ := h264.NALUType(nalu[0] & 0x1F)
		switch {
		case typ == h264.NALUTypeSPS && len(l.sps) == 0:
			l.sps = nalu
		case typ == h264.NALUTypePPS && len(l.pps) == 0:
			l.pps = nalu
		}

		switch {
		case len(l.samples) == 0 && !isPicture(typ):
			leading += size
		case len(l.samples) == 0 || isPicture(typ) && firstSlice(nalu):
			l.samples = append(l.samples, sample{size: leading + size, sync: typ == h264.NALUTypeIDR})
			leading = 0
		default:
			l.samples[len(l.samples)-1].size += size
		}
		return nil
	})
	return l
}

// WriteTo writes ftyp, free, mdat and moov in that order.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	l := f.scan()
	if len(l.samples) == 0 {
		return 0, ErrNoFrames
	}
	if len(l.sps) < 4 || len(l.pps) == 0 {
		return 0, ErrNoParameterSets
	}

	width, height := f.Width, f.Height
	var sps h264.SPS
	if err := sps.Unmarshal(l.sps); err == nil {
		width, height = sps.Width(), sps.Height()
	} else if width == 0 || height == 0 {
		return 0, fmt.Errorf("%w: %v", errInvalidParameter, err)
	}

	ftyp := newBox("ftyp").
		bytes([]byte("isom")).
		u32(0x200).
		bytes([]byte("isomiso2avc1mp41"))
	free := newBox("free")

	mdatHeader := int64(8)
	if l.mdat+8 > 0xFFFFFFFF {
		mdatHeader = 16
	}
	dataOffset := ftyp.size() + free.size() + mdatHeader
	moov := f.moov(l, dataOffset, width, height)

	bw := bufio.NewWriterSize(w, 64*1024)
	var total int64

	for _, b := range []*box{ftyp, free} {
		n, err := b.writeTo(bw)
		total += n
		if err != nil {
			return total, err
		}
	}

	var hdr []byte
	if mdatHeader == 16 {
		hdr = binary.BigEndian.AppendUint32(hdr, 1)
		hdr = append(hdr, "mdat"...)
		hdr = binary.BigEndian.AppendUint64(hdr, uint64(l.mdat+16))
	} else {
		hdr = binary.BigEndian.AppendUint32(hdr, uint32(l.mdat+8))
		hdr = append(hdr, "mdat"...)
	}
	n, err := bw.Write(hdr)
	total += int64(n)
	if err != nil {
		return total, err
	}

	var prefix [4]byte
	err = f.nalus(func(nalu []byte) error {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(nalu)))
		n, err := bw.Write(prefix[:])
		total += int64(n)
		if err != nil {
			return err
		}
		n, err = bw.Write(nalu)
		total += int64(n)
		return err
	})
	if err != nil {
		return total, err
	}

	mn, err := moov.writeTo(bw)
	total += mn
	if err != nil {
		return total, err
	}
	return total, bw.Flush()
}

func (f *File) creationTime() uint32 {
	if f.Start.IsZero() {
		return 0
	}
	return uint32(f.Start.Unix() + epochOffset)
}

func (f *File) moov(l *layout, dataOffset int64, width, height int) *box {
	created := f.creationTime()
	movieDuration := uint32(f.Duration.Milliseconds())
	mediaDuration := uint64(f.Duration) * mediaTimescale / uint64(time.Second)

	count := uint32(len(l.samples))
	delta := uint32(mediaDuration / uint64(count))
	if delta == 0 {
		delta = 1
	}

	mvhd := fullBox("mvhd", 0, 0).
		u32(created).
		u32(created).
		u32(movieTimescale).
		u32(movieDuration).
		u32(0x00010000). // rate
		u16(0x0100).     // volume
		zero(10).
		matrix().
		zero(24).
		u32(2) // next track id

	tkhd := fullBox("tkhd", 0, 3).
		u32(created).
		u32(created).
		u32(1). // track id
		zero(4).
		u32(movieDuration).
		zero(8).
		u16(0). // layer
		u16(0). // alternate group
		u16(0). // volume
		zero(2).
		matrix().
		u32(uint32(width) << 16).
		u32(uint32(height) << 16)

	elst := fullBox("elst", 0, 0).
		u32(1).
		u32(movieDuration).
		u32(0).
		u16(1).
		u16(0)

	mdhd := fullBox("mdhd", 0, 0).
		u32(created).
		u32(created).
		u32(mediaTimescale).
		u32(delta * count).
		u16(0x55C4). // und
		u16(0)

	hdlr := fullBox("hdlr", 0, 0).
		u32(0).
		bytes([]byte("vide")).
		zero(12).
		bytes([]byte("VideoHandler\x00"))

	vmhd := fullBox("vmhd", 0, 1).zero(8)
	dref := fullBox("dref", 0, 0).u32(1).add(fullBox("url ", 0, 1))

	stbl := newBox("stbl",
		stsd(l.sps, l.pps, width, height),
		fullBox("stts", 0, 0).u32(1).u32(count).u32(delta),
	)
	if stss := syncSamples(l.samples); stss != nil {
		stbl.add(stss)
	}
	stbl.add(fullBox("stsc", 0, 0).u32(1).u32(1).u32(count).u32(1))

	stsz := fullBox("stsz", 0, 0).u32(0).u32(count)
	for _, s := range l.samples {
		stsz.u32(s.size)
	}
	stbl.add(stsz)

	if dataOffset > 0xFFFFFFFF {
		stbl.add(fullBox("co64", 0, 0).u32(1).u64(uint64(dataOffset)))
	} else {
		stbl.add(fullBox("stco", 0, 0).u32(1).u32(uint32(dataOffset)))
	}

	return newBox("moov",
		mvhd,
		newBox("trak",
			tkhd,
			newBox("edts", elst),
			newBox("mdia",
				mdhd,
				hdlr,
				newBox("minf",
					vmhd,
					newBox("dinf", dref),
					stbl,
				),
			),
		),
	)
}

// syncSamples lists IDR pictures. It returns nil when every sample is a
// sync sample, the box being optional in that case.
func syncSamples(samples []sample) *box {
	var ids []uint32
	for i, s := range samples {
		if s.sync {
			ids = append(ids, uint32(i+1))
		}
	}
	if len(ids) == len(samples) {
		return nil
	}
	b := fullBox("stss", 0, 0).u32(uint32(len(ids)))
	for _, id := range ids {
		b.u32(id)
	}
	return b
}

func stsd(sps, pps []byte, width, height int) *box {
	avcC := newBox("avcC").
		u8(1).
		u8(sps[1]). // profile
		u8(sps[2]). // compatibility
		u8(sps[3]). // level
		u8(0xFF).   // 4 byte lengths
		u8(0xE1).   // one sps
		u16(uint16(len(sps))).
		bytes(sps).
		u8(1).
		u16(uint16(len(pps))).
		bytes(pps)

	avc1 := newBox("avc1").
		zero(6).
		u16(1). // data reference index
		zero(16).
		u16(uint16(width)).
		u16(uint16(height)).
		u32(0x00480000).
		u32(0x00480000).
		zero(4).
		u16(1). // frame count
		zero(32).
		u16(0x0018).
		u16(0xFFFF).
		add(avcC)

	return fullBox("stsd", 0, 0).u32(1).add(avc1)
}
