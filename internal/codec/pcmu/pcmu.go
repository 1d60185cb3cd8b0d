// Package pcmu expands G.711 mu-law audio into 16 bit linear PCM.
package pcmu

const (
	PayloadType = 0
	SampleRate  = 8000

	bias = 0x84
)

var table [256]int16

func init() {
	for i := range table {
		table[i] = expand(byte(i))
	}
}

func expand(u byte) int16 {
	u = ^u
	t := (int(u&0x0F) << 3) + bias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(bias - t)
	}
	return int16(t - bias)
}

// Decode returns one sample.
func Decode(u byte) int16 {
	return table[u]
}

// AppendPCM appends the little-endian 16 bit expansion of payload to dst.
func AppendPCM(dst, payload []byte) []byte {
	for _, u := range payload {
		s := table[u]
		dst = append(dst, byte(s), byte(s>>8))
	}
	return dst
}
