// Package mjpegserver is the per-printer HTTP surface described in
// spec.md §4.2 (C2 MjpegServer): MJPEG multipart streaming, JPEG
// snapshots, an H.264 WebSocket feed, HLS/LL-HLS, status and LED
// control. The MJPEG handler's hijack-and-write-multipart-by-hand shape
// carries over a proven bare multipart handler nearly verbatim;
// everything else is new surface built in the same register.
package mjpegserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/warpcomdev/camproxy/internal/clientcount"
	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// LedController is the subset of MqttController the LED endpoint needs.
// Defined here (rather than importing internal/mqttcontroller) to avoid
// a package cycle; internal/worker wires the concrete implementation in.
type LedController interface {
	QueryLedStatus(ctx context.Context) (bool, error)
	SetLed(ctx context.Context, on bool) error
}

// StatusProvider supplies the fields spec.md §4.2's /status endpoint
// reports, which live on the worker rather than the server.
type StatusProvider interface {
	Status() StatusSnapshot
}

// StatusSnapshot is the JSON body returned by /status.
type StatusSnapshot struct {
	State           string `json:"state"`
	CameraRunning   bool   `json:"cameraRunning"`
	SubscriberCount int    `json:"subscriberCount"`
	LastError       string `json:"lastError,omitempty"`
}

// Config is the small slice of PrinterConfig the server needs; passed in
// rather than importing internal/config to avoid import cycles (worker
// sits between config and mjpegserver).
type Config struct {
	Width, Height int
	Fps           int
	LLHlsEnabled  bool
	PartDuration  time.Duration
}

// Server owns one printer's HTTP listener.
type Server struct {
	hub     *frame.Hub
	logger  servicelog.Logger
	led     LedController
	status  StatusProvider
	cfg     Config
	clients *clientcount.Counter

	mux     *http.ServeMux
	httpSrv *http.Server
	hls     *hlsMuxer

	snapshotTimeout time.Duration
}

// New wires up a printer's HTTP surface. clients is the shared counter
// the worker also reads for /status and keepalive; handlers that accept
// a long-lived consumer (MJPEG /stream, /h264) increment their kind on
// connect and decrement on disconnect.
func New(hub *frame.Hub, logger servicelog.Logger, led LedController, status StatusProvider, clients *clientcount.Counter, cfg Config) *Server {
	s := &Server{
		hub:             hub,
		logger:          logger,
		led:             led,
		status:          status,
		cfg:             cfg,
		clients:         clients,
		snapshotTimeout: 2 * time.Second,
	}
	s.hls = newHLSMuxer(cfg.PartDuration, cfg.LLHlsEnabled)

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/h264", s.handleH264WebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/led", s.handleLed)
	mux.HandleFunc("/hls/", s.hls.ServeHTTP)
	s.mux = mux
	return s
}

// HLSMuxer exposes the write side for PrinterWorker's decoder callback.
func (s *Server) HLSMuxer() *hlsMuxer { return s.hls }

// Start binds the listener and serves until the returned error (which is
// always non-nil: either an accept error or http.ErrServerClosed).
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: s.mux}
	return s.httpSrv.Serve(ln)
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
