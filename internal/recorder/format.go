package recorder

import (
	"fmt"
	"io"
	"time"

	"github.com/opennetcam/vchannel/internal/recorder/avi"
	"github.com/opennetcam/vchannel/internal/recorder/mp4"
)

type Kind int

const (
	Video Kind = iota
	Audio
)

func (k Kind) String() string {
	if k == Audio {
		return "audio"
	}
	return "video"
}

type Codec int

const (
	CodecJPEG Codec = iota
	CodecH264
)

func (c Codec) String() string {
	if c == CodecH264 {
		return "h264"
	}
	return "jpeg"
}

// Buffer holds the frames of one segment in capture order.
type Buffer struct {
	Frames     [][]byte
	Video      []int
	Audio      []int
	VideoBytes int64
	AudioBytes int64
}

func (b *Buffer) Empty() bool {
	return len(b.Frames) == 0
}

func (b *Buffer) add(frame []byte, kind Kind) {
	if kind == Audio {
		b.Audio = append(b.Audio, len(b.Frames))
		b.AudioBytes += int64(len(frame))
	} else {
		b.Video = append(b.Video, len(b.Frames))
		b.VideoBytes += int64(len(frame))
	}
	b.Frames = append(b.Frames, frame)
}

func (b *Buffer) Bytes() int64 {
	return b.VideoBytes + b.AudioBytes
}

// Segment carries the metadata a container needs besides the frames.
type Segment struct {
	Start    time.Time
	Duration time.Duration
	Width    int
	Height   int
	SPS      []byte
	PPS      []byte
}

// Format is one container flavour. RecordFrame takes ownership of frame.
type Format interface {
	Name() string
	FileExtension() string
	RecordFrame(buf *Buffer, frame []byte, kind Kind) bool
	WriteAV(w io.Writer, buf *Buffer, seg *Segment) (int64, error)
	DeleteFrames(buf *Buffer)
}

// NewFormat picks the container for name and the stream codec. "auto"
// selects mp4 for H.264 and avi otherwise.
func NewFormat(name string, codec Codec, maxRiffSize int64) (Format, error) {
	switch name {
	case "", "auto":
		if codec == CodecH264 {
			return &mp4Format{}, nil
		}
		return newAviFormat(codec, maxRiffSize), nil
	case "avi":
		return newAviFormat(codec, maxRiffSize), nil
	case "mp4":
		if codec != CodecH264 {
			return nil, fmt.Errorf("mp4 requires h264, stream is %s", codec)
		}
		return &mp4Format{}, nil
	default:
		return nil, fmt.Errorf("unsupported format %s", name)
	}
}

func deleteFrames(buf *Buffer) {
	for i := range buf.Frames {
		buf.Frames[i] = nil
	}
	*buf = Buffer{Frames: buf.Frames[:0], Video: buf.Video[:0], Audio: buf.Audio[:0]}
}

type aviFormat struct {
	compression [4]byte
	maxRiffSize int64
}

func newAviFormat(codec Codec, maxRiffSize int64) *aviFormat {
	f := &aviFormat{compression: [4]byte{'M', 'J', 'P', 'G'}, maxRiffSize: maxRiffSize}
	if codec == CodecH264 {
		f.compression = [4]byte{'H', '2', '6', '4'}
	}
	return f
}

func (f *aviFormat) Name() string          { return "avi" }
func (f *aviFormat) FileExtension() string { return ".avi" }

func (f *aviFormat) RecordFrame(buf *Buffer, frame []byte, kind Kind) bool {
	if kind == Video {
		frame = avi.Pad(frame)
	}
	buf.add(frame, kind)
	return true
}

func (f *aviFormat) WriteAV(w io.Writer, buf *Buffer, seg *Segment) (int64, error) {
	file := &avi.File{
		Width:       seg.Width,
		Height:      seg.Height,
		Duration:    seg.Duration,
		Compression: f.compression,
		Frames:      buf.Frames,
		Video:       buf.Video,
		Audio:       buf.Audio,
		MaxRiffSize: f.maxRiffSize,
	}
	return file.WriteTo(w)
}

func (f *aviFormat) DeleteFrames(buf *Buffer) {
	deleteFrames(buf)
}

// mp4Format keeps raw Annex-B units and drops audio.
type mp4Format struct{}

func (f *mp4Format) Name() string          { return "mp4" }
func (f *mp4Format) FileExtension() string { return ".mp4" }

func (f *mp4Format) RecordFrame(buf *Buffer, frame []byte, kind Kind) bool {
	if kind != Video {
		return false
	}
	buf.add(frame, kind)
	return true
}

func (f *mp4Format) WriteAV(w io.Writer, buf *Buffer, seg *Segment) (int64, error) {
	file := &mp4.File{
		Start:    seg.Start,
		Duration: seg.Duration,
		Width:    seg.Width,
		Height:   seg.Height,
		SPS:      seg.SPS,
		PPS:      seg.PPS,
		Units:    buf.Frames,
	}
	return file.WriteTo(w)
}

func (f *mp4Format) DeleteFrames(buf *Buffer) {
	deleteFrames(buf)
}
