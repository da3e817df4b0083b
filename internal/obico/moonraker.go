// Package obico implements ObicoBridge (C7, optional per printer):
// a Moonraker JSON-RPC client, a WebSocket client to the Obico cloud
// service, a Janus mountpoint negotiator, an RTP/MJPEG streamer reusing
// internal/h264's packetizer, and the print-state persistence needed to
// keep Obico's print identifier stable across a daemon restart
// (spec.md §4.8).
package obico

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// moonrakerSubscriptions lists the printer objects ObicoBridge needs to
// mirror Obico's own OctoPrint-plugin feature set (spec.md §4.8).
var moonrakerSubscriptions = []string{
	"webhooks", "print_stats", "virtual_sdcard", "gcode_move",
	"toolhead", "extruder", "heater_bed", "display_status",
}

// MoonrakerClient is a JSON-RPC 2.0 over WebSocket client to the
// printer's Moonraker instance. Every call, including the job-history
// query, goes over that WebSocket; no REST calls are made.
type MoonrakerClient struct {
	baseURL string
	logger  servicelog.Logger
	http    *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan json.RawMessage

	OnObjectUpdate func(status map[string]json.RawMessage, eventtime float64)
	OnDisconnect   func()
}

func NewMoonrakerClient(baseURL string, logger servicelog.Logger) *MoonrakerClient {
	return &MoonrakerClient{
		baseURL: baseURL,
		logger:  logger,
		http:    &http.Client{Timeout: 10 * time.Second},
		pending: make(map[int64]chan json.RawMessage),
	}
}

// Connect dials the Moonraker websocket JSON-RPC endpoint and starts
// the read loop; subscribing to the fixed object set happens
// immediately after.
func (m *MoonrakerClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, m.baseURL+"/websocket", nil)
	if err != nil {
		return fmt.Errorf("dialing moonraker websocket: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	go m.readLoop(conn)

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.subscribeObjects(subCtx)
}

func (m *MoonrakerClient) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC request/response round trip, correlating
// by a monotonically increasing request id (spec.md §4.8: "owns
// correlation of RPC ids").
func (m *MoonrakerClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("moonraker client not connected")
	}
	id := atomic.AddInt64(&m.nextID, 1)
	reply := make(chan json.RawMessage, 1)
	m.pending[id] = reply
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	req := rpcEnvelope{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("writing rpc request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-reply:
		return result, nil
	}
}

func (m *MoonrakerClient) subscribeObjects(ctx context.Context) error {
	objects := make(map[string]interface{}, len(moonrakerSubscriptions))
	for _, name := range moonrakerSubscriptions {
		objects[name] = nil
	}
	_, err := m.call(ctx, "printer.objects.subscribe", map[string]interface{}{"objects": objects})
	return err
}

// GetJobHistory retrieves the most recent job history entries, used to
// derive a print-state timestamp when no persisted one is usable
// (spec.md §4.8's reconciliation rule).
func (m *MoonrakerClient) GetJobHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	return m.call(ctx, "server.history.list", map[string]interface{}{"limit": limit, "order": "desc"})
}

// PrinterInfo calls printer.info and returns its raw result. Connect does
// not call it; a session counts as connected once the object
// subscription succeeds.
func (m *MoonrakerClient) PrinterInfo(ctx context.Context) (json.RawMessage, error) {
	return m.call(ctx, "printer.info", nil)
}

// CancelPrint requests Moonraker cancel the active print (the
// Moonraker half of spec.md §4.8's print-cancellation sync; the MQTT
// half is fired by ObicoBridge alongside this call).
func (m *MoonrakerClient) CancelPrint(ctx context.Context) error {
	_, err := m.call(ctx, "printer.print.cancel", nil)
	return err
}

func (m *MoonrakerClient) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		var env rpcEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			m.logger.Warn("moonraker websocket read failed", servicelog.Error(err))
			if m.OnDisconnect != nil {
				m.OnDisconnect()
			}
			return
		}
		switch {
		case env.ID != 0:
			m.mu.Lock()
			reply, ok := m.pending[env.ID]
			m.mu.Unlock()
			if ok {
				reply <- env.Result
			}
		case env.Method == "notify_status_update":
			m.handleStatusUpdate(env.Params)
		}
	}
}

func (m *MoonrakerClient) handleStatusUpdate(params interface{}) {
	if m.OnObjectUpdate == nil {
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	var payload []json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload) == 0 {
		return
	}
	var status map[string]json.RawMessage
	if err := json.Unmarshal(payload[0], &status); err != nil {
		return
	}
	var eventtime float64
	if len(payload) > 1 {
		json.Unmarshal(payload[1], &eventtime)
	}
	m.OnObjectUpdate(status, eventtime)
}
