package mjpegserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/warpcomdev/camproxy/internal/clientcount"
	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/h264"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// handleH264WebSocket streams raw H.264 over a binary WebSocket feed:
// on connect, a bootstrap message carrying Annex-B SPS+PPS, then one
// binary message per NAL unit thereafter (spec.md §4.2's framing
// decision, see SPEC_FULL.md §C2).
func (s *Server) handleH264WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	if s.clients != nil {
		s.clients.Inc(clientcount.H264WS)
		defer s.clients.Dec(clientcount.H264WS)
	}

	sub := s.hub.Subscribe(64)
	defer sub.Close()

	ctx := r.Context()
	ed := sub.Bootstrap()
	if ed.IsSet() {
		if err := writeBootstrap(ctx, conn, ed); err != nil {
			return
		}
	}

	for {
		pkt, ok := sub.Next(ctx)
		if !ok {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		// Extradata can change mid-stream (decoder restart, resolution
		// change); re-send SPS/PPS ahead of the next keyframe rather than
		// keeping clients pinned to the bootstrap-time parameter set.
		if pkt.IsKeyframe {
			if cur := s.hub.Extradata(); cur.IsSet() && !cur.Equal(ed) {
				if err := writeBootstrap(ctx, conn, cur); err != nil {
					s.logger.Debug("h264 websocket bootstrap resend failed", servicelog.Error(err))
					conn.Close(websocket.StatusInternalError, "write failed")
					return
				}
				ed = cur
			}
		}
		if err := writeAccessUnit(ctx, conn, ed, pkt); err != nil {
			s.logger.Debug("h264 websocket write failed", servicelog.Error(err))
			conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func writeBootstrap(ctx context.Context, conn *websocket.Conn, ed frame.Extradata) error {
	bootstrap := append(append([]byte{}, h264.ToAnnexB(ed.SPS)...), h264.ToAnnexB(ed.PPS)...)
	return conn.Write(ctx, websocket.MessageBinary, bootstrap)
}

func writeAccessUnit(ctx context.Context, conn *websocket.Conn, ed frame.Extradata, pkt frame.H264Packet) error {
	nals, err := h264.SplitAVCC(pkt.Data, nalLengthSizeOr4(ed))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, nal := range nals {
		if err := conn.Write(writeCtx, websocket.MessageBinary, h264.ToAnnexB(nal)); err != nil {
			return err
		}
	}
	return nil
}

func nalLengthSizeOr4(ed frame.Extradata) int {
	if ed.NALLengthSize == 1 || ed.NALLengthSize == 2 || ed.NALLengthSize == 4 {
		return ed.NALLengthSize
	}
	return 4
}
