// Package avi writes RIFF AVI files with an MJPEG video stream and an
// optional 8 kHz mono PCM audio stream.
package avi

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	DefaultMaxRiffSize = 2 << 30

	flagHasIndex        = 0x00000010
	flagIsInterleaved   = 0x00000100
	flagWasCaptureFile  = 0x00010000
	indexFlagKeyFrame   = 0x00000010
	audioSampleRate     = 8000
	audioBytesPerSample = 2

	avihSize = 56
	strhSize = 56
	bihSize  = 40
	wfxSize  = 18

	// chunk header plus idx1 entry per frame
	perFrameOverhead = 8 + 16
)

var (
	ErrRiffTooLarge = errors.New("riff size exceeds limit")
	ErrNoFrames     = errors.New("no video frames")
)

var (
	fccVideo = [4]byte{'0', '0', 'd', 'c'}
	fccAudio = [4]byte{'0', '1', 'w', 'b'}
)

// File describes one AVI segment. Frames holds video and audio payloads
// in capture order; Video and Audio list the indices of each kind.
type File struct {
	Width       int
	Height      int
	Duration    time.Duration
	Compression [4]byte
	Frames      [][]byte
	Video       []int
	Audio       []int
	// MaxRiffSize defaults to DefaultMaxRiffSize.
	MaxRiffSize int64
}

func (f *File) hasAudio() bool {
	return len(f.Audio) > 0
}

func (f *File) payloadBytes(idx []int) int64 {
	var n int64
	for _, i := range idx {
		n += int64(len(f.Frames[i]))
	}
	return n
}

func (f *File) strlSize(audio bool) int64 {
	// LIST + 'strl', strh chunk, strf chunk
	if audio {
		return 12 + 8 + strhSize + 8 + wfxSize
	}
	return 12 + 8 + strhSize + 8 + bihSize
}

func (f *File) hdrlSize() int64 {
	n := int64(12 + 8 + avihSize)
	n += f.strlSize(false)
	if f.hasAudio() {
		n += f.strlSize(true)
	}
	return n
}

// RiffSize is the value of the RIFF size field for this file.
func (f *File) RiffSize() int64 {
	count := int64(len(f.Video) + len(f.Audio))
	return 4 + f.hdrlSize() + 12 + 8 +
		f.payloadBytes(f.Video) + f.payloadBytes(f.Audio) +
		count*perFrameOverhead
}

// usPerFrame doubles as the video dwScale, which players divide by.
func (f *File) usPerFrame() uint32 {
	if len(f.Video) == 0 {
		return 1
	}
	return max(1, uint32(f.Duration.Milliseconds()*1000/int64(len(f.Video))))
}

func (f *File) largest(idx []int) uint32 {
	var n int
	for _, i := range idx {
		if l := len(f.Frames[i]); l > n {
			n = l
		}
	}
	return uint32(n)
}

// WriteTo writes the whole file. The RIFF size is checked before anything is
// written.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if len(f.Video) == 0 {
		return 0, ErrNoFrames
	}
	limit := f.MaxRiffSize
	if limit <= 0 {
		limit = DefaultMaxRiffSize
	}
	riff := f.RiffSize()
	if riff >= limit {
		return 0, ErrRiffTooLarge
	}

	bw := &writer{w: bufio.NewWriterSize(w, 64*1024)}

	bw.fourcc("RIFF")
	bw.u32(uint32(riff))
	bw.fourcc("AVI ")

	f.writeHeaders(bw)
	f.writeMovi(bw)
	f.writeIndex(bw)

	if bw.err == nil {
		bw.err = bw.w.Flush()
	}
	return bw.n, bw.err
}

func (f *File) writeHeaders(bw *writer) {
	streams := uint32(1)
	if f.hasAudio() {
		streams = 2
	}
	usPerFrame := f.usPerFrame()
	frames := uint32(len(f.Video))

	bw.fourcc("LIST")
	bw.u32(uint32(f.hdrlSize() - 8))
	bw.fourcc("hdrl")

	bw.fourcc("avih")
	bw.u32(avihSize)
	bw.u32(usPerFrame)
	var bytesPerSec uint32
	if ms := f.Duration.Milliseconds(); ms > 0 {
		total := f.payloadBytes(f.Video) + f.payloadBytes(f.Audio)
		bytesPerSec = uint32(total * 1000 / ms)
	}
	bw.u32(bytesPerSec)
	bw.u32(0) // padding granularity
	bw.u32(flagHasIndex | flagWasCaptureFile | flagIsInterleaved)
	bw.u32(frames)
	bw.u32(0) // initial frames
	bw.u32(streams)
	bw.u32(f.largest(f.Video))
	bw.u32(uint32(f.Width))
	bw.u32(uint32(f.Height))
	bw.zero(16)

	// video stream
	bw.fourcc("LIST")
	bw.u32(uint32(f.strlSize(false) - 8))
	bw.fourcc("strl")

	compression := f.Compression
	if compression == ([4]byte{}) {
		compression = [4]byte{'M', 'J', 'P', 'G'}
	}

	bw.fourcc("strh")
	bw.u32(strhSize)
	bw.fourcc("vids")
	bw.bytes(compression[:])
	bw.u32(0) // flags
	bw.u16(0) // priority
	bw.u16(0) // language
	bw.u32(0) // initial frames
	bw.u32(usPerFrame)
	bw.u32(1000000)
	bw.u32(0) // start
	bw.u32(frames)
	bw.u32(f.largest(f.Video))
	bw.u32(0xFFFFFFFF) // quality
	bw.u32(0)          // sample size
	bw.u16(0)
	bw.u16(0)
	bw.u16(uint16(f.Width))
	bw.u16(uint16(f.Height))

	bw.fourcc("strf")
	bw.u32(bihSize)
	bw.u32(bihSize)
	bw.u32(uint32(f.Width))
	bw.u32(uint32(f.Height))
	bw.u16(1)  // planes
	bw.u16(24) // bit count
	bw.bytes(compression[:])
	bw.u32(uint32(f.Width * f.Height * 3))
	bw.zero(16)

	if !f.hasAudio() {
		return
	}

	samples := uint32(f.payloadBytes(f.Audio) / audioBytesPerSample)

	bw.fourcc("LIST")
	bw.u32(uint32(f.strlSize(true) - 8))
	bw.fourcc("strl")

	bw.fourcc("strh")
	bw.u32(strhSize)
	bw.fourcc("auds")
	bw.u32(0) // handler
	bw.u32(0)
	bw.u16(0)
	bw.u16(0)
	bw.u32(0)
	bw.u32(1)
	bw.u32(audioSampleRate)
	bw.u32(0)
	bw.u32(samples)
	bw.u32(f.largest(f.Audio))
	bw.u32(0xFFFFFFFF)
	bw.u32(audioBytesPerSample)
	bw.zero(8)

	bw.fourcc("strf")
	bw.u32(wfxSize)
	bw.u16(1) // PCM
	bw.u16(1) // mono
	bw.u32(audioSampleRate)
	bw.u32(audioSampleRate * audioBytesPerSample)
	bw.u16(audioBytesPerSample)
	bw.u16(16)
	bw.u16(0)
}

// chunks yields frame indices in capture order using the two index lists.
func (f *File) chunks(fn func(i int, audio bool)) {
	v, a := 0, 0
	for v < len(f.Video) || a < len(f.Audio) {
		if a >= len(f.Audio) || (v < len(f.Video) && f.Video[v] < f.Audio[a]) {
			fn(f.Video[v], false)
			v++
		} else {
			fn(f.Audio[a], true)
			a++
		}
	}
}

func (f *File) writeMovi(bw *writer) {
	size := 4 + f.payloadBytes(f.Video) + f.payloadBytes(f.Audio) + int64(len(f.Video)+len(f.Audio))*8
	bw.fourcc("LIST")
	bw.u32(uint32(size))
	bw.fourcc("movi")

	f.chunks(func(i int, audio bool) {
		if audio {
			bw.bytes(fccAudio[:])
		} else {
			bw.bytes(fccVideo[:])
		}
		bw.u32(uint32(len(f.Frames[i])))
		bw.bytes(f.Frames[i])
	})
}

func (f *File) writeIndex(bw *writer) {
	bw.fourcc("idx1")
	bw.u32(uint32((len(f.Video) + len(f.Audio)) * 16))

	offset := uint32(4)
	f.chunks(func(i int, audio bool) {
		if audio {
			bw.bytes(fccAudio[:])
		} else {
			bw.bytes(fccVideo[:])
		}
		bw.u32(indexFlagKeyFrame)
		bw.u32(offset)
		bw.u32(uint32(len(f.Frames[i])))
		offset += 8 + uint32(len(f.Frames[i]))
	})
}

type writer struct {
	w   *bufio.Writer
	n   int64
	err error
	buf [4]byte
}

func (w *writer) bytes(b []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(b)
	w.n += int64(n)
	w.err = err
}

func (w *writer) fourcc(s string) {
	w.bytes([]byte(s))
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:], v)
	w.bytes(w.buf[:4])
}

func (w *writer) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[:], v)
	w.bytes(w.buf[:2])
}

func (w *writer) zero(n int) {
	for i := 0; i < n; i++ {
		w.bytes([]byte{0})
	}
}

// Pad returns frame extended with zeros to a multiple of 4 bytes.
func Pad(frame []byte) []byte {
	if r := len(frame) % 4; r != 0 {
		frame = append(frame, make([]byte, 4-r)...)
	}
	return frame
}
