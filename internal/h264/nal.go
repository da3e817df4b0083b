package h264

import (
	"encoding/binary"
	"fmt"
)

// NAL unit type values relevant to keyframe detection and extradata
// bootstrapping (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice    = 1
	NALTypeIDRSlice = 5
	NALTypeSEI      = 6
	NALTypeSPS      = 7
	NALTypePPS      = 8
	NALTypeAUD      = 9
)

// NALType extracts the NAL unit type from its header byte (low 5 bits).
func NALType(b byte) int {
	return int(b & 0x1f)
}

// IsKeyframeStart reports whether a NAL unit (header byte only needed)
// starts or belongs to an IDR access unit.
func IsKeyframeStart(nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	return NALType(nal[0]) == NALTypeIDRSlice
}

// SplitAVCC splits a single AVCC-formatted access unit (length-prefixed
// NAL units, as produced by FFmpeg's h264_mp4toannexb-free output) into
// its component NAL units.
func SplitAVCC(data []byte, lengthSize int) ([][]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("unsupported NAL length size %d", lengthSize)
	}
	var nals [][]byte
	off := 0
	for off < len(data) {
		if off+lengthSize > len(data) {
			return nil, fmt.Errorf("truncated NAL length prefix at offset %d", off)
		}
		var l int
		switch lengthSize {
		case 1:
			l = int(data[off])
		case 2:
			l = int(binary.BigEndian.Uint16(data[off : off+2]))
		case 4:
			l = int(binary.BigEndian.Uint32(data[off : off+4]))
		}
		off += lengthSize
		if off+l > len(data) {
			return nil, fmt.Errorf("truncated NAL payload at offset %d", off)
		}
		nals = append(nals, data[off:off+l])
		off += l
	}
	return nals, nil
}

// SplitAnnexB splits a byte-stream formatted buffer (0x000001 or
// 0x00000001 start codes) into its component NAL units.
func SplitAnnexB(data []byte) [][]byte {
	starts := findStartCodes(data)
	if len(starts) == 0 {
		return nil
	}
	var nals [][]byte
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		nal := data[s.offset+s.length : end]
		if len(nal) > 0 {
			nals = append(nals, nal)
		}
	}
	return nals
}

type startCode struct {
	offset int
	length int
}

func findStartCodes(data []byte) []startCode {
	var out []startCode
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				out = append(out, startCode{offset: i, length: 3})
				i += 3
				continue
			}
			if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				out = append(out, startCode{offset: i, length: 4})
				i += 4
				continue
			}
		}
		i++
	}
	return out
}

// AnnexBPrefix is the 4-byte start code used when framing NAL units for
// transports that expect Annex-B (spec.md §4.2 WebSocket framing).
var AnnexBPrefix = []byte{0, 0, 0, 1}

// ToAnnexB prefixes a bare NAL unit with a 4-byte start code.
func ToAnnexB(nal []byte) []byte {
	out := make([]byte, 0, len(AnnexBPrefix)+len(nal))
	out = append(out, AnnexBPrefix...)
	out = append(out, nal...)
	return out
}
