package clientcount

import "testing"

func TestCounterTracksPerKindAndTotal(t *testing.T) {
	c := New()
	c.Inc(MJPEG)
	c.Inc(MJPEG)
	c.Inc(H264WS)
	c.Inc(Janus)
	c.Dec(MJPEG)

	snap := c.Snapshot()
	if snap.MJPEG != 1 || snap.H264WS != 1 || snap.Janus != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Total() != 3 {
		t.Fatalf("expected total 3, got %d", snap.Total())
	}
}

func TestCounterDecBelowZero(t *testing.T) {
	c := New()
	c.Dec(Janus)
	if got := c.Snapshot().Janus; got != -1 {
		t.Fatalf("expected unmatched Dec to go negative (caller bug signal), got %d", got)
	}
}
