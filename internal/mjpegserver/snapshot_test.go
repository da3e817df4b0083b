package mjpegserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

func TestHandleSnapshotReturnsCachedJpeg(t *testing.T) {
	hub := frame.NewHub()
	hub.PublishJpeg(frame.JpegFrame{Data: []byte("fake-jpeg"), Sequence: 1})

	s := New(hub, servicelog.Nop(), nil, nil, nil, Config{})
	s.snapshotTimeout = 100 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	s.handleSnapshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Body.String() != "fake-jpeg" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestHandleSnapshotSignalsWhenEmpty(t *testing.T) {
	hub := frame.NewHub()
	s := New(hub, servicelog.Nop(), nil, nil, nil, Config{})
	s.snapshotTimeout = 50 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleSnapshot(rec, req)
		close(done)
	}()

	select {
	case <-hub.SnapshotRequested:
	case <-time.After(time.Second):
		t.Fatal("expected SnapshotRequested to fire")
	}
	<-done
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no snapshot arrives, got %d", rec.Code)
	}
}
