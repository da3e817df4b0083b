package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestGaugesAreRegisteredWithDefaultGatherer(t *testing.T) {
	PrinterCount.Set(3)
	ActiveStreamers.Set(2)
	InactiveStreamers.Set(1)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}

	want := map[string]bool{
		"camproxy_start_timestamp_seconds": false,
		"camproxy_info":                    false,
		"camproxy_printer_count":           false,
		"camproxy_active_streamers":        false,
		"camproxy_inactive_streamers":      false,
		"camproxy_worker_restarts_total":   false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}
