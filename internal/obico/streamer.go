package obico

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"

	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/h264"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// jpegChunkInterval throttles MJPEG-mode UDP sends so a single frame's
// chunks don't burst the socket (spec.md §4.8's "~4ms inter-chunk
// throttle").
const jpegChunkInterval = 4 * time.Millisecond

// jpegChunkSize is the maximum base64 payload size per UDP datagram.
const jpegChunkSize = 1200

// Streamer feeds decoded video to Janus: RTP/H.264 when the bridge
// negotiated an H.264 mountpoint, base64-chunked MJPEG-over-UDP
// otherwise (spec.md §4.8).
type Streamer struct {
	logger servicelog.Logger
	hub    *frame.Hub

	mode       string // "h264" or "mjpeg"
	remoteAddr *net.UDPAddr
	conn       *net.UDPConn

	packetizer *h264.Packetizer
	ssrc       uint32
}

// NewStreamer dials a UDP socket toward the Janus mountpoint's video
// port, in the mode Janus negotiated.
func NewStreamer(logger servicelog.Logger, hub *frame.Hub, mode string, host string, port int, ssrc uint32) (*Streamer, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("resolving janus video address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing janus video socket: %w", err)
	}
	s := &Streamer{
		logger:     logger,
		hub:        hub,
		mode:       mode,
		remoteAddr: addr,
		conn:       conn,
		ssrc:       ssrc,
	}
	if mode == "h264" {
		s.packetizer = h264.NewPacketizer(96, ssrc)
	}
	return s, nil
}

func (s *Streamer) Close() error {
	return s.conn.Close()
}

// Run streams until ctx is cancelled, dispatching to the RTP/H.264 path
// or the MJPEG path depending on the negotiated mode.
func (s *Streamer) Run(ctx context.Context) {
	switch s.mode {
	case "h264":
		s.runH264(ctx)
	default:
		s.runMjpeg(ctx)
	}
}

func (s *Streamer) runH264(ctx context.Context) {
	sub := s.hub.Subscribe(64)
	defer sub.Close()

	for {
		pkt, ok := sub.Next(ctx)
		if !ok {
			return
		}
		extradata := sub.Bootstrap()
		nalLen := extradata.NALLengthSize
		if nalLen == 0 {
			nalLen = 4
		}
		nals, err := h264.SplitAVCC(pkt.Data, nalLen)
		if err != nil {
			s.logger.Warn("splitting access unit for janus rtp stream", servicelog.Error(err))
			continue
		}
		// SPS/PPS must precede every keyframe at the transport level
		// so Janus (and any downstream viewer) can decode without
		// having attached before the stream started.
		if pkt.IsKeyframe && extradata.IsSet() {
			nals = append([][]byte{extradata.SPS, extradata.PPS}, nals...)
		}
		for _, rtpPkt := range s.packetizer.Packetize(nals, rtpSamplesForPacket(pkt)) {
			s.writeRTP(rtpPkt)
		}
	}
}

func rtpSamplesForPacket(pkt frame.H264Packet) uint32 {
	// One access unit per RTP timestamp tick; the caller supplies a
	// frame-duration-derived step via Packetize's cumulative clock, so a
	// constant works here because pion's packetizer advances its own
	// internal timestamp by this value per call.
	return 3000
}

func (s *Streamer) writeRTP(pkt *rtp.Packet) {
	raw, err := pkt.Marshal()
	if err != nil {
		s.logger.Warn("marshaling rtp packet", servicelog.Error(err))
		return
	}
	if _, err := s.conn.Write(raw); err != nil {
		s.logger.Warn("writing rtp packet to janus", servicelog.Error(err))
	}
}

// runMjpeg polls the hub's latest JPEG cache and sends it to Janus's
// MJPEG relay as base64-encoded chunks, one UDP datagram per chunk.
func (s *Streamer) runMjpeg(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var lastSeq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j, ok := s.hub.LatestJpeg()
			if !ok || j.Sequence == lastSeq {
				continue
			}
			lastSeq = j.Sequence
			s.sendMjpegFrame(ctx, j.Data)
		}
	}
}

func (s *Streamer) sendMjpegFrame(ctx context.Context, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for off := 0; off < len(encoded); off += jpegChunkSize {
		end := off + jpegChunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		if _, err := s.conn.Write([]byte(encoded[off:end])); err != nil {
			s.logger.Warn("writing mjpeg chunk to janus", servicelog.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jpegChunkInterval):
		}
	}
}
