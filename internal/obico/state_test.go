package obico

import (
	"testing"
	"time"
)

func TestReconcilePrintStateReusesSavedTimestampWhenFilenameMatchesAndPrintIsEstablished(t *testing.T) {
	saved := printState{Filename: "benchy.gcode", Timestamp: 1000}
	now := time.Unix(2000, 0)

	got := reconcilePrintState(saved, "benchy.gcode", 2*time.Minute, nil, 0, now)

	if got != saved {
		t.Fatalf("expected saved state to be reused, got %+v", got)
	}
}

func TestReconcilePrintStateIgnoresSavedTimestampForNewPrint(t *testing.T) {
	saved := printState{Filename: "old.gcode", Timestamp: 1000}
	now := time.Unix(5000, 0)
	history := []jobHistoryEntry{
		{Filename: "new.gcode", StartTime: 100},
	}
	// eventtime - StartTime = 50s elapsed since the print started; epoch start = now - 50s
	got := reconcilePrintState(saved, "new.gcode", 10*time.Second, history, 150, now)

	wantTimestamp := now.Add(-50 * time.Second).Unix()
	if got.Filename != "new.gcode" || got.Timestamp != wantTimestamp {
		t.Fatalf("expected derived timestamp %d for new.gcode, got %+v", wantTimestamp, got)
	}
}

func TestReconcilePrintStateIgnoresSavedTimestampWhenPrintJustStarted(t *testing.T) {
	saved := printState{Filename: "benchy.gcode", Timestamp: 1000}
	now := time.Unix(1010, 0)

	got := reconcilePrintState(saved, "benchy.gcode", 10*time.Second, nil, 0, now)

	if got.Timestamp == saved.Timestamp {
		t.Fatalf("expected a fresh timestamp for a print that only just started, got %+v", got)
	}
	if got.Timestamp != now.Unix() {
		t.Fatalf("expected fallback to now() when no job history matches, got %d want %d", got.Timestamp, now.Unix())
	}
}

func TestSnapshotIntervalVariesByTierAndViewingState(t *testing.T) {
	cases := []struct {
		name    string
		tier    Tier
		viewing bool
		maxFps  int
		want    time.Duration
	}{
		{"cloud free idle", TierCloudFree, false, 10, 15 * time.Second},
		{"cloud pro idle", TierCloudPro, false, 10, 5 * time.Second},
		{"local idle", TierLocal, false, 10, time.Second},
		{"local viewing capped at 5fps", TierLocal, true, 30, time.Second / 5},
		{"local viewing below cap uses camera fps", TierLocal, true, 3, time.Second / 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := snapshotInterval(c.tier, c.viewing, c.maxFps)
			if got != c.want {
				t.Fatalf("snapshotInterval(%v, %v, %d) = %v, want %v", c.tier, c.viewing, c.maxFps, got, c.want)
			}
		})
	}
}
