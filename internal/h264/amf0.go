package h264

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Minimal AMF0 encoder: just enough to write the onMetaData script tag
// (a string followed by an ECMA array of number properties).

const (
	amf0TypeNumber     = 0x00
	amf0TypeEcmaArray  = 0x08
	amf0TypeObjectEnd  = 0x09
	amf0TypeString     = 0x02
)

type amf0Entry struct {
	Key   string
	Value float64
}

func writeAMF0String(buf *bytes.Buffer, s string) {
	buf.WriteByte(amf0TypeString)
	writeAMF0RawString(buf, s)
}

func writeAMF0RawString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func writeAMF0EcmaArray(buf *bytes.Buffer, entries []amf0Entry) {
	buf.WriteByte(amf0TypeEcmaArray)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(entries)))
	buf.Write(countBuf[:])
	for _, e := range entries {
		writeAMF0RawString(buf, e.Key)
		buf.WriteByte(amf0TypeNumber)
		var numBuf [8]byte
		binary.BigEndian.PutUint64(numBuf[:], math.Float64bits(e.Value))
		buf.Write(numBuf[:])
	}
	// End marker: empty name + object-end type.
	writeAMF0RawString(buf, "")
	buf.WriteByte(amf0TypeObjectEnd)
}
