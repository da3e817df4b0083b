// Package h264 provides the NAL/Annex-B/AVCC plumbing shared by the FLV
// muxer, the WebSocket NAL framer and the RTP packetizer: parsing the
// AVCDecoderConfigurationRecord FFmpeg hands back as "extradata", and
// splitting access units into individual NAL units.
package h264

import (
	"encoding/binary"
	"fmt"

	"github.com/warpcomdev/camproxy/internal/frame"
)

// ParseAVCDecoderConfigurationRecord parses the ISO/IEC 14496-15 "avcC"
// box body FFmpeg exposes as a stream's extradata, extracting the SPS,
// PPS and NAL length field size PrinterWorker needs to hand to the
// FrameHub (spec.md §4.5 step 4).
func ParseAVCDecoderConfigurationRecord(data []byte) (frame.Extradata, error) {
	if len(data) < 7 {
		return frame.Extradata{}, fmt.Errorf("avcC record too short: %d bytes", len(data))
	}
	if data[0] != 1 {
		return frame.Extradata{}, fmt.Errorf("unsupported avcC version %d", data[0])
	}
	lengthSize := int(data[4]&0x03) + 1
	numSPS := int(data[5] & 0x1f)
	off := 6

	var sps []byte
	for i := 0; i < numSPS; i++ {
		if off+2 > len(data) {
			return frame.Extradata{}, fmt.Errorf("avcC record truncated in SPS length")
		}
		l := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+l > len(data) {
			return frame.Extradata{}, fmt.Errorf("avcC record truncated in SPS data")
		}
		if i == 0 {
			sps = append([]byte(nil), data[off:off+l]...)
		}
		off += l
	}

	if off >= len(data) {
		return frame.Extradata{}, fmt.Errorf("avcC record truncated before PPS count")
	}
	numPPS := int(data[off])
	off++

	var pps []byte
	for i := 0; i < numPPS; i++ {
		if off+2 > len(data) {
			return frame.Extradata{}, fmt.Errorf("avcC record truncated in PPS length")
		}
		l := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+l > len(data) {
			return frame.Extradata{}, fmt.Errorf("avcC record truncated in PPS data")
		}
		if i == 0 {
			pps = append([]byte(nil), data[off:off+l]...)
		}
		off += l
	}

	if len(sps) == 0 || len(pps) == 0 {
		return frame.Extradata{}, fmt.Errorf("avcC record missing SPS or PPS")
	}
	return frame.Extradata{SPS: sps, PPS: pps, NALLengthSize: lengthSize}, nil
}
