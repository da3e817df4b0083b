package mjpegserver

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/warpcomdev/camproxy/internal/clientcount"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// handleStream is the MJPEG multipart/x-mixed-replace handler. The
// hijack-and-write-headers-by-hand shape, the keepalive reader goroutine
// and the per-frame write deadline carry over a proven multipart
// streaming pattern; the frame source is FrameHub's JPEG slot instead of
// a pool session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Protocol Not Supported", http.StatusMethodNotAllowed)
		return
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "Hijacking failed", http.StatusMethodNotAllowed)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if s.clients != nil {
		s.clients.Inc(clientcount.MJPEG)
		defer s.clients.Dec(clientcount.MJPEG)
	}

	keepAlive := make(chan struct{})
	go func() {
		defer close(keepAlive)
		one := make([]byte, 1)
		for {
			if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if _, err := rw.Read(one); errors.Is(err, io.EOF) {
				return
			}
			rw.Discard(rw.Available())
		}
	}()

	mimeWriter := multipart.NewWriter(rw)
	defer mimeWriter.Close()

	rw.WriteString(r.Proto)
	rw.WriteString(" 200 OK\n")
	rw.WriteString("Connection: close\n")
	rw.WriteString("Cache-Control: no-store, no-cache\n")
	rw.WriteString("Content-Type: ")
	rw.WriteString(fmt.Sprintf("multipart/x-mixed-replace;boundary=%s", mimeWriter.Boundary()))
	rw.WriteString("\n\n")
	rw.Flush()

	var lastSeq uint64
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-keepAlive:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		j, ok := s.hub.LatestJpeg()
		if !ok || j.Sequence == lastSeq {
			continue
		}
		lastSeq = j.Sequence

		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		partHeader := make(textproto.MIMEHeader)
		partHeader.Add("Content-Type", "image/jpeg")
		partWriter, err := mimeWriter.CreatePart(partHeader)
		if err != nil {
			s.logger.Error("mjpeg createPart failed", servicelog.Error(err))
			return
		}
		if _, err := partWriter.Write(j.Data); err != nil {
			s.logger.Error("mjpeg write failed", servicelog.Error(err))
			return
		}
		if err := rw.Flush(); err != nil {
			s.logger.Error("mjpeg flush failed", servicelog.Error(err))
			return
		}
	}
}
