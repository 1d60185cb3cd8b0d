package avi

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunk struct {
	id   string
	data []byte
}

// readChunks splits a RIFF payload into chunks, descending into LIST
// chunks and reporting them as "LIST:<type>".
func readChunks(t *testing.T, b []byte) []chunk {
	var out []chunk
	for len(b) >= 8 {
		id := string(b[:4])
		size := int(binary.LittleEndian.Uint32(b[4:8]))
		require.LessOrEqual(t, 8+size, len(b), "chunk %s overruns its parent", id)
		data := b[8 : 8+size]
		if id == "LIST" {
			out = append(out, chunk{id: "LIST:" + string(data[:4]), data: data[4:]})
			out = append(out, readChunks(t, data[4:])...)
		} else {
			out = append(out, chunk{id: id, data: data})
		}
		b = b[8+size:]
	}
	require.Empty(t, b)
	return out
}

func find(chunks []chunk, id string) []chunk {
	var out []chunk
	for _, c := range chunks {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

func testFile(video, audio int) *File {
	f := &File{Width: 320, Height: 240, Duration: 2 * time.Second}
	for i := 0; i < video; i++ {
		f.Video = append(f.Video, len(f.Frames))
		f.Frames = append(f.Frames, Pad(bytes.Repeat([]byte{byte(i + 1)}, 101+i)))
		if i < audio {
			f.Audio = append(f.Audio, len(f.Frames))
			f.Frames = append(f.Frames, make([]byte, 320))
		}
	}
	return f
}

func TestWriteVideoOnly(t *testing.T) {
	f := testFile(5, 0)
	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	require.NoError(t, err)
	out := buf.Bytes()
	assert.Equal(t, int64(len(out)), n)

	require.Equal(t, "RIFF", string(out[:4]))
	assert.Equal(t, uint32(len(out)-8), binary.LittleEndian.Uint32(out[4:8]))
	assert.Equal(t, int64(len(out)-8), f.RiffSize())
	assert.Equal(t, "AVI ", string(out[8:12]))

	chunks := readChunks(t, out[12:])
	avih := find(chunks, "avih")
	require.Len(t, avih, 1)
	h := avih[0].data
	assert.Equal(t, uint32(400000), binary.LittleEndian.Uint32(h[0:]), "us per frame")
	assert.Equal(t, uint32(0x10110), binary.LittleEndian.Uint32(h[12:]))
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(h[16:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(h[24:]))
	assert.Equal(t, uint32(320), binary.LittleEndian.Uint32(h[32:]))
	assert.Equal(t, uint32(240), binary.LittleEndian.Uint32(h[36:]))

	assert.Len(t, find(chunks, "LIST:strl"), 1)
	strf := find(chunks, "strf")
	require.Len(t, strf, 1)
	assert.Equal(t, "MJPG", string(strf[0].data[16:20]))

	frames := find(chunks, "00dc")
	require.Len(t, frames, 5)
	for i, c := range frames {
		assert.Equal(t, f.Frames[f.Video[i]], c.data)
		assert.Zero(t, len(c.data)%4)
	}
	assert.Empty(t, find(chunks, "01wb"))
}

func TestWriteInterleavedAudio(t *testing.T) {
	f := testFile(4, 3)
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)
	out := buf.Bytes()

	chunks := readChunks(t, out[12:])
	assert.Len(t, find(chunks, "LIST:strl"), 2)
	assert.Len(t, find(chunks, "00dc"), 4)
	assert.Len(t, find(chunks, "01wb"), 3)

	var order []string
	for _, c := range chunks {
		if c.id == "00dc" || c.id == "01wb" {
			order = append(order, c.id)
		}
	}
	assert.Equal(t, []string{"00dc", "01wb", "00dc", "01wb", "00dc", "01wb", "00dc"}, order)

	// every idx1 entry points at its chunk, relative to the 'movi' fourcc
	movi := bytes.Index(out, []byte("movi"))
	require.Positive(t, movi)
	idx := find(chunks, "idx1")
	require.Len(t, idx, 1)
	require.Len(t, idx[0].data, 7*16)
	for i := 0; i < 7; i++ {
		e := idx[0].data[i*16:]
		offset := int(binary.LittleEndian.Uint32(e[8:]))
		size := int(binary.LittleEndian.Uint32(e[12:]))
		assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(e[4:]))
		assert.Equal(t, order[i], string(out[movi+offset:movi+offset+4]))
		assert.Equal(t, uint32(size), binary.LittleEndian.Uint32(out[movi+offset+4:]))
	}
}

func TestZeroDurationSegment(t *testing.T) {
	f := testFile(1, 0)
	f.Duration = 0

	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	chunks := readChunks(t, buf.Bytes()[12:])
	avih := find(chunks, "avih")
	require.Len(t, avih, 1)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(avih[0].data[0:4]), "microseconds per frame")

	strh := find(chunks, "strh")
	require.Len(t, strh, 1)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(strh[0].data[20:24]), "scale")
	assert.Equal(t, uint32(1000000), binary.LittleEndian.Uint32(strh[0].data[24:28]), "rate")
}

func TestRiffCeiling(t *testing.T) {
	f := testFile(3, 0)
	f.MaxRiffSize = f.RiffSize()

	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	assert.ErrorIs(t, err, ErrRiffTooLarge)
	assert.Zero(t, buf.Len())

	f.MaxRiffSize++
	_, err = f.WriteTo(&buf)
	assert.NoError(t, err)
}

func TestNoFrames(t *testing.T) {
	_, err := (&File{}).WriteTo(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestPad(t *testing.T) {
	assert.Len(t, Pad(make([]byte, 5)), 8)
	assert.Len(t, Pad(make([]byte, 8)), 8)
	assert.Len(t, Pad(nil), 0)
}
