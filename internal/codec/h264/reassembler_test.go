package h264

import (
	"bytes"
	"testing"

	"github.com/AlekSi/pointer"
	"github.com/bluenviron/gortsplib/v5/pkg/format/rtph264"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
)

func nalu(header byte, size int) []byte {
	n := make([]byte, size)
	n[0] = header
	for i := 1; i < size; i++ {
		n[i] = byte(i)
	}
	return n
}

func encode(t *testing.T, nalus ...[]byte) []*rtp.Packet {
	enc := &rtph264.Encoder{
		PayloadType:           96,
		SSRC:                  pointer.ToUint32(0x0A0B0C0D),
		InitialSequenceNumber: pointer.ToUint16(1000),
		PayloadMaxSize:        100,
		PacketizationMode:     1,
	}
	require.NoError(t, enc.Init())

	var pkts []*rtp.Packet
	for _, n := range nalus {
		p, err := enc.Encode([][]byte{n})
		require.NoError(t, err)
		pkts = append(pkts, p...)
	}
	return pkts
}

func collect(r *Reassembler, pkts []*rtp.Packet) [][]byte {
	var out [][]byte
	for _, pkt := range pkts {
		if unit, ok := r.Push(pkt.Payload); ok {
			out = append(out, append([]byte(nil), unit...))
		}
	}
	return out
}

func annexB(n []byte) []byte {
	return append([]byte{0, 0, 0, 1}, n...)
}

func TestFUAReassembly(t *testing.T) {
	idr := nalu(0x65, 500)
	pkts := encode(t, idr)
	require.Greater(t, len(pkts), 1)
	assert.Equal(t, byte(28), pkts[0].Payload[0]&0x1F)

	r := NewReassembler()
	units := collect(r, pkts)
	require.Len(t, units, 1)
	assert.Equal(t, annexB(idr), units[0])
	assert.True(t, r.Synced())
	assert.True(t, r.KeyFrame())
}

func TestSingleNALUnits(t *testing.T) {
	r := NewReassembler()
	units := collect(r, encode(t, testSPS, testPPS, nalu(0x06, 20), nalu(0x41, 40)))

	require.Len(t, units, 4)
	assert.Equal(t, annexB(testSPS), units[0])
	assert.Equal(t, annexB(testPPS), units[1])
	assert.Equal(t, byte(0x06), units[2][4])
	assert.Equal(t, byte(0x41), units[3][4])
	assert.False(t, r.Synced())
}

func TestFragmentsBeforeFirstIDRAreDropped(t *testing.T) {
	slice := nalu(0x41, 300)
	idr := nalu(0x65, 300)

	r := NewReassembler()
	units := collect(r, encode(t, slice, idr, slice))

	require.Len(t, units, 2)
	assert.Equal(t, annexB(idr), units[0])
	assert.Equal(t, annexB(slice), units[1])
	assert.False(t, r.KeyFrame())
}

func TestResetSync(t *testing.T) {
	slice := nalu(0x41, 300)
	idr := nalu(0x65, 300)

	r := NewReassembler()
	require.Len(t, collect(r, encode(t, idr)), 1)

	r.ResetSync()
	assert.False(t, r.Synced())
	assert.Empty(t, collect(r, encode(t, slice)))
	assert.Len(t, collect(r, encode(t, idr, slice)), 2)
}

func TestIgnoredPayloads(t *testing.T) {
	r := NewReassembler()
	for _, p := range [][]byte{
		nil,
		{0x09, 0xF0},       // access unit delimiter
		{0x18, 0x00, 0x02}, // STAP-A
		{0x7C},             // FU-A without header
	} {
		_, ok := r.Push(p)
		assert.False(t, ok)
	}
}

func TestReturnedBufferIsReused(t *testing.T) {
	r := NewReassembler()
	first, ok := r.Push(testSPS)
	require.True(t, ok)
	snapshot := bytes.Clone(first)

	_, ok = r.Push(testPPS)
	require.True(t, ok)
	assert.NotEqual(t, snapshot, first)
}
