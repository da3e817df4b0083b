package h264

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/warpcomdev/camproxy/internal/frame"
)

// FLV tag types (Adobe FLV spec).
const (
	tagTypeAudio  = 8
	tagTypeVideo  = 9
	tagTypeScript = 18

	videoCodecIDAVC  = 7
	avcPacketSeqHdr  = 0
	avcPacketNALU    = 1
	frameTypeKey     = 1
	frameTypeInter   = 2
)

// Muxer repacks AVCC H.264 packets into an FLV byte stream: a 13-byte
// file header, one script (onMetaData) tag, one AVC sequence-header tag
// carrying the AVCDecoderConfigurationRecord, and one video tag per
// access unit thereafter (spec.md §4.10).
type Muxer struct {
	width, height int
	fps           int
	extradata     frame.Extradata
	timestampMs   int64
	wroteHeader   bool
	wroteSeqHdr   bool
}

func NewMuxer(width, height, fps int, extradata frame.Extradata) *Muxer {
	if fps <= 0 {
		fps = 10
	}
	return &Muxer{width: width, height: height, fps: fps, extradata: extradata}
}

// Header returns the FLV file header, the onMetaData script tag and the
// AVC sequence header tag, in order. Call once per new consumer.
func (m *Muxer) Header() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{'F', 'L', 'V', 1, 0x01})
	writeUint32(&buf, 9)  // header size
	writeUint32(&buf, 0)  // PreviousTagSize0
	m.writeTag(&buf, tagTypeScript, m.metadataPayload(), 0)
	m.writeTag(&buf, tagTypeVideo, m.seqHeaderPayload(), 0)
	m.wroteHeader = true
	m.wroteSeqHdr = true
	return buf.Bytes()
}

// WriteAccessUnit packs one decoded access unit (its AVCC-formatted NAL
// units) into a single FLV video tag, filtering out SPS/PPS NALs (they
// only live in the sequence-header tag) per spec.md §4.10.
func (m *Muxer) WriteAccessUnit(nals [][]byte, keyframe bool) []byte {
	var payload bytes.Buffer
	frameType := byte(frameTypeInter)
	if keyframe {
		frameType = frameTypeKey
	}
	payload.WriteByte(frameType<<4 | videoCodecIDAVC)
	payload.WriteByte(avcPacketNALU)
	writeInt24(&payload, 0) // composition time

	for _, nal := range nals {
		if len(nal) == 0 {
			continue
		}
		switch NALType(nal[0]) {
		case NALTypeSPS, NALTypePPS:
			continue
		}
		writeUint32(&payload, uint32(len(nal)))
		payload.Write(nal)
	}

	var buf bytes.Buffer
	m.writeTag(&buf, tagTypeVideo, payload.Bytes(), m.timestampMs)
	m.timestampMs += int64(1000 / m.fps)
	return buf.Bytes()
}

func (m *Muxer) writeTag(buf *bytes.Buffer, tagType byte, data []byte, timestampMs int64) {
	buf.WriteByte(tagType)
	writeInt24(buf, len(data))
	writeInt24(buf, int(timestampMs&0xffffff))
	buf.WriteByte(byte((timestampMs >> 24) & 0xff))
	writeInt24(buf, 0) // StreamID
	buf.Write(data)
	writeUint32(buf, uint32(11+len(data)))
}

func (m *Muxer) seqHeaderPayload() []byte {
	var buf bytes.Buffer
	buf.WriteByte(frameTypeKey<<4 | videoCodecIDAVC)
	buf.WriteByte(avcPacketSeqHdr)
	writeInt24(&buf, 0)
	buf.Write(buildAVCDecoderConfigurationRecord(m.extradata))
	return buf.Bytes()
}

func (m *Muxer) metadataPayload() []byte {
	var buf bytes.Buffer
	writeAMF0String(&buf, "onMetaData")
	writeAMF0EcmaArray(&buf, []amf0Entry{
		{"width", float64(m.width)},
		{"height", float64(m.height)},
		{"framerate", float64(m.fps)},
		{"videocodecid", float64(videoCodecIDAVC)},
	})
	return buf.Bytes()
}

func buildAVCDecoderConfigurationRecord(e frame.Extradata) []byte {
	var buf bytes.Buffer
	buf.WriteByte(1) // version
	if len(e.SPS) >= 4 {
		buf.Write(e.SPS[1:4])
	} else {
		buf.Write([]byte{0, 0, 0})
	}
	buf.WriteByte(0xfc | 0x03) // reserved + lengthSizeMinusOne=3 (4-byte lengths)
	buf.WriteByte(0xe0 | 0x01) // reserved + numSPS=1
	writeUint16(&buf, len(e.SPS))
	buf.Write(e.SPS)
	buf.WriteByte(1) // numPPS
	writeUint16(&buf, len(e.PPS))
	buf.Write(e.PPS)
	return buf.Bytes()
}

// ParseHeader validates the 13-byte FLV header and returns the slice
// following it.
func ParseHeader(data []byte) ([]byte, error) {
	if len(data) < 13 || data[0] != 'F' || data[1] != 'L' || data[2] != 'V' {
		return nil, fmt.Errorf("not an FLV stream")
	}
	headerSize := binary.BigEndian.Uint32(data[5:9])
	if int(headerSize)+4 > len(data) {
		return nil, fmt.Errorf("truncated FLV header")
	}
	return data[headerSize+4:], nil
}

// Tag is one parsed FLV tag.
type Tag struct {
	Type      byte
	Timestamp int64
	Data      []byte
}

// ParseTags parses a sequence of FLV tags (each followed by its 4-byte
// PreviousTagSize), used by the muxer round-trip test (spec.md §8
// testable property 4).
func ParseTags(data []byte) ([]Tag, error) {
	var tags []Tag
	off := 0
	for off+11 <= len(data) {
		tagType := data[off]
		dataSize := int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		ts := int64(data[off+4])<<16 | int64(data[off+5])<<8 | int64(data[off+6])
		ts |= int64(data[off+7]) << 24
		start := off + 11
		if start+dataSize > len(data) {
			return nil, fmt.Errorf("truncated tag body at offset %d", off)
		}
		tags = append(tags, Tag{Type: tagType, Timestamp: ts, Data: data[start : start+dataSize]})
		off = start + dataSize + 4 // skip PreviousTagSize
	}
	return tags, nil
}

// ExtractNALsFromVideoTag returns the AVCC NAL units carried in a video
// tag's payload (an AVCPacketType==NALU tag), for round-trip testing.
func ExtractNALsFromVideoTag(tagData []byte) ([][]byte, error) {
	if len(tagData) < 5 {
		return nil, fmt.Errorf("video tag too short")
	}
	if tagData[1] != avcPacketNALU {
		return nil, fmt.Errorf("not a NALU video tag")
	}
	return SplitAVCC(tagData[5:], 4)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v int) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	buf.Write(b[:])
}

func writeInt24(buf *bytes.Buffer, v int) {
	buf.WriteByte(byte((v >> 16) & 0xff))
	buf.WriteByte(byte((v >> 8) & 0xff))
	buf.WriteByte(byte(v & 0xff))
}
