package obico

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// printState is the {filename, timestamp} pair ObicoBridge persists to
// disk, used as Obico's current_print_ts external id (spec.md §4.8).
// Recomputing this timestamp on every reconnect would desync Obico's
// notion of "the same print" from the daemon's, so it is reused whenever
// the on-disk filename still matches the ongoing print.
type printState struct {
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
}

func loadPrintState(path string) (printState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return printState{}, nil
		}
		return printState{}, fmt.Errorf("reading print state %s: %w", path, err)
	}
	var st printState
	if err := json.Unmarshal(data, &st); err != nil {
		return printState{}, fmt.Errorf("parsing print state %s: %w", path, err)
	}
	return st, nil
}

func savePrintState(path string, st printState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// jobHistoryEntry is the subset of a Moonraker server.history.list job
// record needed to derive a print's start timestamp.
type jobHistoryEntry struct {
	Filename  string  `json:"filename"`
	StartTime float64 `json:"start_time"` // Moonraker monotonic klippy uptime, seconds
	TotalDur  float64 `json:"total_duration"`
}

// reconcilePrintState decides which timestamp identifies the ongoing
// print. If the saved state's filename still matches the active print
// and it has been running over a minute, the saved timestamp is reused
// verbatim (spec.md §4.8: "critical, recomputing would desync"); the
// sixty-second guard avoids trusting a stale file left over from the
// print immediately prior to the current one. Otherwise the timestamp is
// derived from the most recent matching Moonraker job-history entry,
// converting its monotonic start_time into Unix epoch using the
// supplied eventtime as the current uptime reference.
func reconcilePrintState(saved printState, activeFilename string, printDuration time.Duration, history []jobHistoryEntry, eventtime float64, now time.Time) printState {
	if saved.Filename == activeFilename && printDuration > 60*time.Second {
		return saved
	}

	for _, h := range history {
		if h.Filename != activeFilename {
			continue
		}
		uptimeAtStart := eventtime - h.StartTime
		epochStart := now.Add(-time.Duration(uptimeAtStart * float64(time.Second)))
		return printState{Filename: activeFilename, Timestamp: epochStart.Unix()}
	}

	return printState{Filename: activeFilename, Timestamp: now.Unix()}
}
