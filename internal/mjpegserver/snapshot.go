package mjpegserver

import (
	"context"
	"net/http"
	"strconv"
)

// handleSnapshot returns the cached JPEG, waiting up to snapshotTimeout
// for one to become available (raising FrameHub.SnapshotRequested if the
// cache was empty) per spec.md §4.2.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.snapshotTimeout)
	defer cancel()

	j, ok := s.hub.WaitForJpeg(ctx)
	if !ok {
		http.Error(w, "snapshot not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(j.Data)))
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(j.Data)
}
