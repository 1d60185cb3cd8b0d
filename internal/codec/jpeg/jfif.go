package jpeg

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/jpeg"
)

const (
	markerApp0 = 0xE0

	// fixed part of a synthesized header: SOI, APP0, two DQT headers, SOF0,
	// four DHT segments and SOS
	baseHeaderSize = 495
)

// Standard Huffman tables (ITU T.81 Annex K.3).
var (
	lumDCCodeLens = [16]byte{0, 1, 5, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0}
	lumDCSymbols  = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

	lumACCodeLens = [16]byte{0, 2, 1, 3, 3, 2, 4, 3, 5, 5, 4, 4, 0, 0, 1, 0x7d}
	lumACSymbols  = []byte{
		0x01, 0x02, 0x03, 0x00, 0x04, 0x11, 0x05, 0x12,
		0x21, 0x31, 0x41, 0x06, 0x13, 0x51, 0x61, 0x07,
		0x22, 0x71, 0x14, 0x32, 0x81, 0x91, 0xa1, 0x08,
		0x23, 0x42, 0xb1, 0xc1, 0x15, 0x52, 0xd1, 0xf0,
		0x24, 0x33, 0x62, 0x72, 0x82, 0x09, 0x0a, 0x16,
		0x17, 0x18, 0x19, 0x1a, 0x25, 0x26, 0x27, 0x28,
		0x29, 0x2a, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39,
		0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49,
		0x4a, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59,
		0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69,
		0x6a, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79,
		0x7a, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89,
		0x8a, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98,
		0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7,
		0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4, 0xb5, 0xb6,
		0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3, 0xc4, 0xc5,
		0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2, 0xd3, 0xd4,
		0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda, 0xe1, 0xe2,
		0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8, 0xe9, 0xea,
		0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8,
		0xf9, 0xfa,
	}

	chmDCCodeLens = [16]byte{0, 3, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0}
	chmDCSymbols  = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

	chmACCodeLens = [16]byte{0, 2, 1, 2, 4, 4, 3, 4, 7, 5, 4, 4, 0, 1, 2, 0x77}
	chmACSymbols  = []byte{
		0x00, 0x01, 0x02, 0x03, 0x11, 0x04, 0x05, 0x21,
		0x31, 0x06, 0x12, 0x41, 0x51, 0x07, 0x61, 0x71,
		0x13, 0x22, 0x32, 0x81, 0x08, 0x14, 0x42, 0x91,
		0xa1, 0xb1, 0xc1, 0x09, 0x23, 0x33, 0x52, 0xf0,
		0x15, 0x62, 0x72, 0xd1, 0x0a, 0x16, 0x24, 0x34,
		0xe1, 0x25, 0xf1, 0x17, 0x18, 0x19, 0x1a, 0x26,
		0x27, 0x28, 0x29, 0x2a, 0x35, 0x36, 0x37, 0x38,
		0x39, 0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48,
		0x49, 0x4a, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58,
		0x59, 0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68,
		0x69, 0x6a, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78,
		0x79, 0x7a, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
		0x88, 0x89, 0x8a, 0x92, 0x93, 0x94, 0x95, 0x96,
		0x97, 0x98, 0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5,
		0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4,
		0xb5, 0xb6, 0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3,
		0xc4, 0xc5, 0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2,
		0xd3, 0xd4, 0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda,
		0xe2, 0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8, 0xe9,
		0xea, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8,
		0xf9, 0xfa,
	}
)

// default luma and chroma quantizers in zigzag order (RFC 2435 appendix A)
var defaultQuantizers = [128]byte{
	16, 11, 12, 14, 12, 10, 16, 14,
	13, 14, 18, 17, 16, 19, 24, 40,
	26, 24, 22, 22, 24, 49, 35, 37,
	29, 40, 58, 51, 61, 60, 57, 51,
	56, 55, 64, 72, 92, 78, 64, 68,
	87, 69, 55, 56, 80, 109, 81, 87,
	95, 98, 103, 104, 103, 62, 77, 113,
	121, 112, 100, 120, 92, 101, 103, 99,

	17, 18, 18, 24, 21, 24, 47, 26,
	26, 47, 99, 66, 56, 66, 99, 99,
	99, 99, 99, 99, 99, 99, 99, 99,
	99, 99, 99, 99, 99, 99, 99, 99,
	99, 99, 99, 99, 99, 99, 99, 99,
	99, 99, 99, 99, 99, 99, 99, 99,
	99, 99, 99, 99, 99, 99, 99, 99,
	99, 99, 99, 99, 99, 99, 99, 99,
}

// MakeTables scales the default quantizers by a Q factor in 1..99.
func MakeTables(q uint8) []byte {
	factor := int(q)
	if factor < 1 {
		factor = 1
	} else if factor > 99 {
		factor = 99
	}

	var scale int
	if factor < 50 {
		scale = 5000 / factor
	} else {
		scale = 200 - factor*2
	}

	tables := make([]byte, len(defaultQuantizers))
	for i, v := range defaultQuantizers {
		n := (int(v)*scale + 50) / 100
		if n < 1 {
			n = 1
		} else if n > 255 {
			n = 255
		}
		tables[i] = byte(n)
	}
	return tables
}

// HeaderSize is the length of the header written by appendHeader.
func HeaderSize(qtlen int, dri uint16) int {
	size := baseHeaderSize + qtlen/2*2
	if dri > 0 {
		size += 6
	}
	return size
}

func appendHuffman(buf []byte, codeLens [16]byte, symbols []byte, class, id byte) []byte {
	l := 3 + len(codeLens) + len(symbols)
	buf = append(buf, 0xFF, jpeg.MarkerDefineHuffmanTable, byte(l>>8), byte(l), class<<4|id)
	buf = append(buf, codeLens[:]...)
	return append(buf, symbols...)
}

// appendHeader writes a baseline JFIF header up to and including SOS.
func appendHeader(buf []byte, typ uint8, width, height int, qtables []byte, dri uint16) []byte {
	qtlen := len(qtables)
	numTables := 1
	if qtlen > 64 {
		numTables = 2
	}

	buf = append(buf, 0xFF, jpeg.MarkerStartOfImage)

	buf = append(buf,
		0xFF, markerApp0, 0x00, 0x10,
		'J', 'F', 'I', 'F', 0x00,
		0x01, 0x01, // version 1.1
		0x00,       // no units
		0x00, 0x01, // aspect 1:1
		0x00, 0x01,
		0x00, 0x00, // no thumbnail
	)

	if dri > 0 {
		buf = append(buf, 0xFF, jpeg.MarkerDefineRestartInterval, 0x00, 0x04, byte(dri>>8), byte(dri))
	}

	lumaSize := qtlen
	if numTables > 1 {
		lumaSize = qtlen / 2
	}
	buf = append(buf, 0xFF, jpeg.MarkerDefineQuantizationTable, 0x00, byte(lumaSize+3), 0x00)
	buf = append(buf, qtables[:lumaSize]...)

	if numTables > 1 {
		chroma := qtables[lumaSize:]
		buf = append(buf, 0xFF, jpeg.MarkerDefineQuantizationTable, 0x00, byte(len(chroma)+3), 0x01)
		buf = append(buf, chroma...)
	}

	// types 64..127 are 0..63 with restart markers
	lumaSampling := byte(0x21)
	if typ%64 != 0 {
		lumaSampling = 0x22
	}
	cbTable := byte(0x00)
	if numTables > 1 {
		cbTable = 0x01
	}
	buf = append(buf,
		0xFF, jpeg.MarkerStartOfFrame1, 0x00, 0x11,
		0x08,
		byte(height>>8), byte(height),
		byte(width>>8), byte(width),
		0x03,
		0x01, lumaSampling, 0x00,
		0x02, 0x11, cbTable,
		0x03, 0x11, 0x01,
	)

	buf = appendHuffman(buf, lumDCCodeLens, lumDCSymbols, 0, 0)
	buf = appendHuffman(buf, lumACCodeLens, lumACSymbols, 1, 0)
	buf = appendHuffman(buf, chmDCCodeLens, chmDCSymbols, 0, 1)
	buf = appendHuffman(buf, chmACCodeLens, chmACSymbols, 1, 1)

	return append(buf,
		0xFF, jpeg.MarkerStartOfScan, 0x00, 0x0C,
		0x03,
		0x01, 0x00,
		0x02, 0x11,
		0x03, 0x11,
		0x00, 0x3F, 0x00,
	)
}
