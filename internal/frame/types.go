// Package frame implements the per-worker frame distribution surface
// described in spec.md §4.1 (FrameHub): a single-slot latest-YUV-frame,
// a single-slot latest-JPEG cache, and a bounded per-subscriber broadcast
// of H.264 AVCC packets. The concurrency shape (a lock-guarded slot plus
// a channel closed on each publish to wake waiters, bounded per-consumer
// queues that drop rather
// than block producers) generalizes a frame pool solving the same "one
// producer, many readers at their own pace" problem for compressed
// camera frames.
package frame

import (
	"bytes"
	"time"
)

// Frame is the latest decoded YUV image. At most one slot exists per
// worker; it is overwritten on every decoded frame.
type Frame struct {
	Data     []byte
	Stride   int
	Width    int
	Height   int
	Sequence uint64
}

// JpegFrame is the cached encoded snapshot/MJPEG frame.
type JpegFrame struct {
	Data     []byte
	Width    int
	Height   int
	Sequence uint64
	At       time.Time
}

// H264Packet is one AVCC-formatted access unit.
type H264Packet struct {
	Data       []byte
	IsKeyframe bool
	PTS90kHz   int64
	Sequence   uint64
}

// Extradata holds the SPS/PPS/NAL-length-size tuple shared by a worker's
// stream (spec.md §3 H264Packet note).
type Extradata struct {
	SPS           []byte
	PPS           []byte
	NALLengthSize int
}

func (e Extradata) IsSet() bool {
	return len(e.SPS) > 0 && len(e.PPS) > 0
}

// Equal reports whether two Extradata values describe the same
// SPS/PPS/NAL-length-size tuple.
func (e Extradata) Equal(o Extradata) bool {
	return e.NALLengthSize == o.NALLengthSize && bytes.Equal(e.SPS, o.SPS) && bytes.Equal(e.PPS, o.PPS)
}
