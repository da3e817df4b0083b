package obico

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// Tier and viewing state drive how often ObicoServerClient uploads
// snapshots (spec.md §4.8).
type Tier int

const (
	TierCloudFree Tier = iota
	TierCloudPro
	TierLocal
)

// snapshotInterval returns the throttle between uploaded snapshots for
// the given tier and remote-viewing state.
func snapshotInterval(tier Tier, viewing bool, maxFps int) time.Duration {
	switch {
	case tier == TierLocal && viewing:
		if maxFps > 5 {
			maxFps = 5
		}
		if maxFps < 1 {
			maxFps = 1
		}
		return time.Second / time.Duration(maxFps)
	case tier == TierLocal:
		return time.Second
	case tier == TierCloudPro:
		return 5 * time.Second
	default:
		return 15 * time.Second
	}
}

// statusInterval is the throttle for routine status pushes; an event
// (print state change, error) bypasses it and is sent immediately
// (spec.md §4.8).
const statusInterval = 5 * time.Second

// PassthruCommand is a command relayed from the Obico service: printer
// control, a proxied Moonraker API call, a G-code file download request,
// or a file-integrity check.
type PassthruCommand struct {
	ID     string          `json:"id"`
	Func   string          `json:"func"`
	Target string          `json:"target,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// EventKind enumerates the print lifecycle events ObicoBridge reports
// (spec.md §4.8).
type EventKind string

const (
	EventPrintStarted EventKind = "PrintStarted"
	EventPaused       EventKind = "Paused"
	EventResumed      EventKind = "Resumed"
	EventDone         EventKind = "Done"
	EventCancelled    EventKind = "Cancelled"
	EventFailed       EventKind = "Failed"
)

// ObicoServerClient is the WebSocket + REST client to the remote Obico
// service. Passthru commands arrive over the websocket; status, events
// and snapshots are pushed over REST, mirroring the asymmetric transport
// Obico's own OctoPrint plugin uses.
type ObicoServerClient struct {
	wsURL      string
	httpURL    string
	authToken  string
	logger     servicelog.Logger
	httpClient *http.Client

	mu   sync.Mutex
	conn *websocket.Conn

	// OnPassthru is invoked for every command relayed from the Obico
	// service. OnRemoteViewingChanged reports whether a human is
	// actively watching the live stream, which raises the snapshot
	// upload rate.
	OnPassthru             func(cmd PassthruCommand)
	OnRemoteViewingChanged func(viewing bool)
}

func NewObicoServerClient(wsURL, httpURL, authToken string, logger servicelog.Logger) *ObicoServerClient {
	return &ObicoServerClient{
		wsURL:      wsURL,
		httpURL:    httpURL,
		authToken:  authToken,
		logger:     logger,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Connect dials the Obico websocket and starts the read loop that
// dispatches passthru commands and remote-viewing notifications.
func (o *ObicoServerClient) Connect(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + o.authToken}}
	conn, _, err := websocket.Dial(ctx, o.wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dialing obico websocket: %w", err)
	}
	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()
	go o.readLoop(conn)
	return nil
}

func (o *ObicoServerClient) Close() {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

type obicoEnvelope struct {
	Passthru *PassthruCommand `json:"passthru,omitempty"`
	Viewing  *bool            `json:"remote_viewing,omitempty"`
}

func (o *ObicoServerClient) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		var env obicoEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			o.logger.Warn("obico websocket read failed", servicelog.Error(err))
			return
		}
		if env.Passthru != nil && o.OnPassthru != nil {
			o.OnPassthru(*env.Passthru)
		}
		if env.Viewing != nil && o.OnRemoteViewingChanged != nil {
			o.OnRemoteViewingChanged(*env.Viewing)
		}
	}
}

// SendPassthruResult replies to a passthru command over the same
// websocket connection it arrived on.
func (o *ObicoServerClient) SendPassthruResult(ctx context.Context, id string, ret interface{}) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("obico server client not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, map[string]interface{}{
		"passthru": map[string]interface{}{"id": id, "ret": ret},
	})
}

// PostStatus sends a throttled status update (spec.md §4.8: "every 5s
// unless an event"). Callers own the throttling decision; this is a
// single unconditional POST.
func (o *ObicoServerClient) PostStatus(ctx context.Context, status interface{}) error {
	return o.postJSON(ctx, "/api/v1/octo/status/", status)
}

// PostEvent reports a print lifecycle transition.
func (o *ObicoServerClient) PostEvent(ctx context.Context, kind EventKind, extra map[string]interface{}) error {
	body := map[string]interface{}{"event": string(kind)}
	for k, v := range extra {
		body[k] = v
	}
	return o.postJSON(ctx, "/api/v1/octo/events/", body)
}

func (o *ObicoServerClient) postJSON(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.httpURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.authToken)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("obico %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

// UploadSnapshot sends one JPEG frame to Obico's snapshot endpoint as a
// multipart upload.
func (o *ObicoServerClient) UploadSnapshot(ctx context.Context, jpeg []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("pic", "snapshot.jpg")
	if err != nil {
		return err
	}
	if _, err := part.Write(jpeg); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.httpURL+"/api/v1/octo/pic/", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+o.authToken)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("obico snapshot upload returned status %d", resp.StatusCode)
	}
	return nil
}
