package obico

import "testing"

func TestObicoWSURLConvertsHTTPSchemeToWS(t *testing.T) {
	cases := map[string]string{
		"https://app.obico.io":  "wss://app.obico.io/ws/dev/",
		"http://local.obico.io": "ws://local.obico.io/ws/dev/",
		"https://app.obico.io/": "wss://app.obico.io/ws/dev/",
	}
	for in, want := range cases {
		if got := obicoWSURL(in); got != want {
			t.Errorf("obicoWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintStatsEventKindMapsKnownStates(t *testing.T) {
	cases := map[string]EventKind{
		"printing":  EventPrintStarted,
		"paused":    EventPaused,
		"complete":  EventDone,
		"cancelled": EventCancelled,
		"error":     EventFailed,
	}
	for state, want := range cases {
		got, ok := printStatsEventKind(state)
		if !ok || got != want {
			t.Errorf("printStatsEventKind(%q) = (%q, %v), want (%q, true)", state, got, ok, want)
		}
	}
}

func TestPrintStatsEventKindIgnoresUnknownStates(t *testing.T) {
	if _, ok := printStatsEventKind("standby"); ok {
		t.Fatal("expected standby to not map to an event")
	}
}
