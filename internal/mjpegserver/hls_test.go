package mjpegserver

import (
	"testing"
	"time"

	"github.com/warpcomdev/camproxy/internal/frame"
)

// TestHLSMuxerTracksRealPerUnitDuration guards against the per-access-unit
// duration silently falling back to a fixed 25fps assumption: curDurations
// must carry the caller-supplied ptsDelta90k through to closePartLocked
// rather than recomputing hlsTimescale/25 for every sample.
func TestHLSMuxerTracksRealPerUnitDuration(t *testing.T) {
	m := newHLSMuxer(0, false)

	const ptsStep = uint32(90000 / 15) // 15fps source, not the 25fps placeholder

	m.PushAccessUnit(frame.H264Packet{IsKeyframe: true, PTS90kHz: 0}, ptsStep)
	m.PushAccessUnit(frame.H264Packet{PTS90kHz: int64(ptsStep)}, ptsStep)

	m.mu.Lock()
	durations := append([]uint32(nil), m.curDurations...)
	m.mu.Unlock()

	if len(durations) != 2 {
		t.Fatalf("expected 2 recorded durations, got %d", len(durations))
	}
	for _, d := range durations {
		if d != ptsStep {
			t.Fatalf("expected recorded duration %d to match ptsStep %d", d, ptsStep)
		}
	}
}

func TestHLSMuxerClosePartResetsDurationsAfterFlush(t *testing.T) {
	// A partDuration below one access unit's own duration forces
	// closePartLocked on the very first PushAccessUnit call.
	m := newHLSMuxer(1*time.Millisecond, false)

	const ptsStep = uint32(90000 / 30)
	m.PushAccessUnit(frame.H264Packet{IsKeyframe: true, PTS90kHz: 0}, ptsStep)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.curParts) != 1 {
		t.Fatalf("expected one flushed part, got %d", len(m.curParts))
	}
	if len(m.curDurations) != 0 {
		t.Fatalf("expected curDurations to reset after flushing a part, got %d entries", len(m.curDurations))
	}
}
