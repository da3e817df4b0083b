package h264

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const rtpClockRateHz = 90000

// Packetizer wraps pion's generic RTP packetizer with the H.264 FU-A
// payloader, used by ObicoBridge's RTP streamer to hand raw AVCC access
// units to Janus (spec.md §4.10, §4.7).
type Packetizer struct {
	pktizer rtp.Packetizer
}

// NewPacketizer builds a packetizer for a newly (re)established RTP
// session. payloadType is the dynamic RTP payload type negotiated with
// Janus; ssrc identifies this source.
func NewPacketizer(payloadType uint8, ssrc uint32) *Packetizer {
	return &Packetizer{
		pktizer: rtp.NewPacketizer(
			1200,
			payloadType,
			ssrc,
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			rtpClockRateHz,
		),
	}
}

// Packetize splits one access unit's AVCC NAL units into RTP packets,
// converting each to Annex-B first (pion's H264Payloader expects Annex-B
// framed input) and setting the marker bit on the last packet of the
// access unit.
func (p *Packetizer) Packetize(nals [][]byte, samples uint32) []*rtp.Packet {
	var annexB []byte
	for _, nal := range nals {
		annexB = append(annexB, ToAnnexB(nal)...)
	}
	if len(annexB) == 0 {
		return nil
	}
	return p.pktizer.Packetize(annexB, samples)
}
