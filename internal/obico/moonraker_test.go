package obico

import (
	"encoding/json"
	"testing"

	"github.com/warpcomdev/camproxy/internal/servicelog"
)

func TestHandleStatusUpdateDispatchesParsedObjects(t *testing.T) {
	m := NewMoonrakerClient("ws://example.invalid", servicelog.Nop())

	var gotStatus map[string]json.RawMessage
	var gotEventtime float64
	m.OnObjectUpdate = func(status map[string]json.RawMessage, eventtime float64) {
		gotStatus = status
		gotEventtime = eventtime
	}

	params := []interface{}{
		map[string]interface{}{"print_stats": map[string]interface{}{"state": "printing", "filename": "benchy.gcode"}},
		1234.5,
	}
	m.handleStatusUpdate(params)

	if gotEventtime != 1234.5 {
		t.Fatalf("expected eventtime 1234.5, got %v", gotEventtime)
	}
	printStats, ok := gotStatus["print_stats"]
	if !ok {
		t.Fatalf("expected print_stats key in dispatched status, got %+v", gotStatus)
	}
	var ps struct {
		State    string `json:"state"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(printStats, &ps); err != nil {
		t.Fatalf("unmarshaling print_stats: %v", err)
	}
	if ps.State != "printing" || ps.Filename != "benchy.gcode" {
		t.Fatalf("unexpected print_stats contents: %+v", ps)
	}
}

func TestHandleStatusUpdateIgnoresMalformedPayload(t *testing.T) {
	m := NewMoonrakerClient("ws://example.invalid", servicelog.Nop())
	called := false
	m.OnObjectUpdate = func(status map[string]json.RawMessage, eventtime float64) { called = true }

	m.handleStatusUpdate("not-an-array")

	if called {
		t.Fatal("expected OnObjectUpdate not to fire for a malformed params payload")
	}
}
