package jpeg

import (
	"bytes"
	"image"
	"image/color"
	stdjpeg "image/jpeg"
	"testing"

	"github.com/AlekSi/pointer"
	"github.com/bluenviron/gortsplib/v5/pkg/format/rtpmjpeg"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 0x80, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, stdjpeg.Encode(&buf, img, &stdjpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func packetize(t *testing.T, frame []byte) []*rtp.Packet {
	enc := &rtpmjpeg.Encoder{
		SSRC:                  pointer.ToUint32(0x11223344),
		InitialSequenceNumber: pointer.ToUint16(100),
		PayloadMaxSize:        300,
	}
	require.NoError(t, enc.Init())
	pkts, err := enc.Encode(frame)
	require.NoError(t, err)
	require.Greater(t, len(pkts), 2)
	return pkts
}

func feed(r *Reassembler, pkts []*rtp.Packet) ([]byte, error) {
	var out []byte
	var lastErr error
	for _, pkt := range pkts {
		n, err := r.ParseHeader(pkt.Payload)
		if err != nil {
			lastErr = err
			continue
		}
		frame, err := r.Push(pkt.Payload[n:], pkt.Marker)
		if err != nil {
			lastErr = err
			continue
		}
		if frame != nil {
			out = append([]byte(nil), frame...)
			lastErr = nil
		}
	}
	return out, lastErr
}

func TestReassembleDecodable(t *testing.T) {
	pkts := packetize(t, testImage(t, 64, 48))

	r := NewReassembler()
	frame, err := feed(r, pkts)
	require.NoError(t, err)
	require.NotNil(t, frame)

	assert.Equal(t, []byte{0xFF, 0xD8}, frame[:2])
	assert.Equal(t, []byte{0xFF, 0xD9}, frame[len(frame)-2:])
	assert.Equal(t, 64, r.Width())
	assert.Equal(t, 48, r.Height())
	assert.Equal(t, 2, r.Header().NumQTables)

	img, err := stdjpeg.Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}

func TestReassembleIdempotent(t *testing.T) {
	pkts := packetize(t, testImage(t, 64, 48))

	r := NewReassembler()
	first, err := feed(r, pkts)
	require.NoError(t, err)
	second, err := feed(r, pkts)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	fresh, err := feed(NewReassembler(), pkts)
	require.NoError(t, err)
	assert.Equal(t, first, fresh)
}

func TestFragmentLossDropsOnlyThatFrame(t *testing.T) {
	pkts := packetize(t, testImage(t, 64, 48))

	lossy := append(append([]*rtp.Packet{}, pkts[:1]...), pkts[2:]...)

	r := NewReassembler()
	frame, err := feed(r, lossy)
	assert.ErrorIs(t, err, ErrFragmentLost)
	assert.Nil(t, frame)

	frame, err = feed(r, pkts)
	require.NoError(t, err)
	assert.NotNil(t, frame)
}

func TestResyncDiscardsFrame(t *testing.T) {
	pkts := packetize(t, testImage(t, 64, 48))
	r := NewReassembler()

	for i, pkt := range pkts {
		n, err := r.ParseHeader(pkt.Payload)
		require.NoError(t, err)
		if i == 1 {
			r.Resync()
			assert.False(t, r.InSequence())
		}
		frame, err := r.Push(pkt.Payload[n:], pkt.Marker)
		if pkt.Marker {
			assert.ErrorIs(t, err, ErrFragmentLost)
			assert.Nil(t, frame)
		}
	}
	assert.True(t, r.InSequence())
}

func payload(offset uint32, typ, q, w8, h8 uint8, extra ...[]byte) []byte {
	p := []byte{0, byte(offset >> 16), byte(offset >> 8), byte(offset), typ, q, w8, h8}
	for _, e := range extra {
		p = append(p, e...)
	}
	return p
}

func TestDefaultQuantizationTables(t *testing.T) {
	scan := []byte{0x01, 0x02, 0x03, 0x04}
	r := NewReassembler()

	n, err := r.ParseHeader(payload(0, 1, 50, 2, 2, scan))
	require.NoError(t, err)
	assert.Equal(t, mainHeaderSize, n)

	frame, err := r.Push(scan, true)
	require.NoError(t, err)

	assert.Len(t, frame, HeaderSize(128, 0)+len(scan)+2)
	assert.True(t, bytes.Contains(frame, defaultQuantizers[:64]))
	assert.True(t, bytes.Contains(frame, defaultQuantizers[64:]))
	// SOF0: 16x16, luma sampled 2x2
	assert.True(t, bytes.Contains(frame, []byte{0xFF, 0xC0, 0x00, 0x11, 0x08, 0x00, 0x10, 0x00, 0x10, 0x03, 0x01, 0x22}))
}

func TestRestartInterval(t *testing.T) {
	scan := []byte{0xAA, 0xBB}
	restart := []byte{0x01, 0x40, 0xFF, 0xFF}
	r := NewReassembler()

	n, err := r.ParseHeader(payload(0, 64, 75, 4, 4, restart, scan))
	require.NoError(t, err)
	assert.Equal(t, mainHeaderSize+4, n)
	assert.Equal(t, uint16(0x0140), r.Header().RestartInterval)

	frame, err := r.Push(scan, true)
	require.NoError(t, err)
	assert.Len(t, frame, HeaderSize(128, 0x0140)+len(scan)+2)
	assert.True(t, bytes.Contains(frame, []byte{0xFF, 0xDD, 0x00, 0x04, 0x01, 0x40}))
	// type 0 family uses 2x1 luma sampling
	assert.True(t, bytes.Contains(frame, []byte{0x03, 0x01, 0x21, 0x00}))
}

func TestInBandSingleTable(t *testing.T) {
	table := bytes.Repeat([]byte{7}, 64)
	qheader := append([]byte{0, 0, 0, 64}, table...)
	scan := []byte{0x10}
	r := NewReassembler()

	n, err := r.ParseHeader(payload(0, 3, 255, 1, 1, qheader, scan))
	require.NoError(t, err)
	assert.Equal(t, mainHeaderSize+4+64, n)
	assert.Equal(t, -1, r.Header().NumQTables)

	frame, err := r.Push(scan, true)
	require.NoError(t, err)
	// one DQT only, chroma components share table 0
	assert.Equal(t, 1, bytes.Count(frame, []byte{0xFF, 0xDB}))
	assert.True(t, bytes.Contains(frame, []byte{0x02, 0x11, 0x00, 0x03, 0x11, 0x01}))
}

func TestMissingTables(t *testing.T) {
	r := NewReassembler()
	// Q>=128 with an empty table header
	_, err := r.ParseHeader(payload(0, 1, 255, 1, 1, []byte{0, 0, 0, 0}))
	require.NoError(t, err)
	_, err = r.Push([]byte{1}, true)
	assert.ErrorIs(t, err, ErrNoQuantTables)
}

func TestShortPayload(t *testing.T) {
	r := NewReassembler()
	_, err := r.ParseHeader([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrShortPayload)

	_, err = r.ParseHeader(payload(0, 1, 255, 1, 1, []byte{0, 0, 0, 128}))
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestMakeTablesClamp(t *testing.T) {
	low := MakeTables(1)
	high := MakeTables(99)
	for i := range low {
		assert.GreaterOrEqual(t, low[i], high[i])
		assert.NotZero(t, high[i])
	}
	assert.Equal(t, byte(255), low[0])
	assert.Equal(t, defaultQuantizers[:], MakeTables(50))
}
