package obico

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// JanusClient negotiates a streaming mountpoint with a Janus gateway's
// streaming plugin over its REST/HTTP transport (spec.md §4.8). The
// request/response shape here follows Janus's own documented plain-HTTP
// admin API, so a generic net/http client is the correct and only
// choice; no third-party Janus SDK exists to reach for instead.
type JanusClient struct {
	baseURL string
	http    *http.Client
	logger  servicelog.Logger

	sessionID int64
	handleID  int64
}

func NewJanusClient(baseURL string, logger servicelog.Logger) *JanusClient {
	return &JanusClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type janusRequest struct {
	Janus       string      `json:"janus"`
	Transaction string      `json:"transaction"`
	Plugin      string      `json:"plugin,omitempty"`
	Body        interface{} `json:"body,omitempty"`
}

type janusResponse struct {
	Janus string `json:"janus"`
	Data  struct {
		ID int64 `json:"id"`
	} `json:"data"`
	PluginData struct {
		Data json.RawMessage `json:"data"`
	} `json:"plugindata"`
	Error struct {
		Reason string `json:"reason"`
	} `json:"error"`
}

func (j *JanusClient) post(ctx context.Context, path string, req janusRequest) (janusResponse, error) {
	req.Transaction = uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		return janusResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return janusResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := j.http.Do(httpReq)
	if err != nil {
		return janusResponse{}, fmt.Errorf("calling janus %s: %w", path, err)
	}
	defer resp.Body.Close()

	var out janusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return janusResponse{}, fmt.Errorf("decoding janus response: %w", err)
	}
	if out.Janus == "error" {
		return janusResponse{}, fmt.Errorf("janus error: %s", out.Error.Reason)
	}
	return out, nil
}

// Mountpoint describes the negotiated RTP relay endpoint.
type Mountpoint struct {
	ID        int64
	VideoPort int
	VideoMode string // "h264" or "mjpeg"
}

// Attach creates a Janus session and attaches the streaming plugin,
// required before a mountpoint can be created or watched.
func (j *JanusClient) Attach(ctx context.Context) error {
	sess, err := j.post(ctx, "", janusRequest{Janus: "create"})
	if err != nil {
		return fmt.Errorf("creating janus session: %w", err)
	}
	j.sessionID = sess.Data.ID

	handle, err := j.post(ctx, fmt.Sprintf("/%d", j.sessionID), janusRequest{
		Janus:  "attach",
		Plugin: "janus.plugin.streaming",
	})
	if err != nil {
		return fmt.Errorf("attaching janus streaming plugin: %w", err)
	}
	j.handleID = handle.Data.ID
	return nil
}

// CreateMountpoint asks Janus's streaming plugin for a fresh RTP
// mountpoint, requesting either an H.264 or MJPEG relay depending on what
// the camera's decoder produces.
func (j *JanusClient) CreateMountpoint(ctx context.Context, videoMode string, videoPort int) (Mountpoint, error) {
	body := map[string]interface{}{
		"request": "create",
		"type":    "rtp",
		"video":   true,
		"videopt": 96,
		"videortpmap": func() string {
			if videoMode == "h264" {
				return "H264/90000"
			}
			return "JPEG/90000"
		}(),
		"videoport": videoPort,
	}
	resp, err := j.post(ctx, fmt.Sprintf("/%d/%d", j.sessionID, j.handleID), janusRequest{
		Janus: "message",
		Body:  body,
	})
	if err != nil {
		return Mountpoint{}, err
	}
	var parsed struct {
		Stream struct {
			ID int64 `json:"id"`
		} `json:"stream"`
	}
	if err := json.Unmarshal(resp.PluginData.Data, &parsed); err != nil {
		return Mountpoint{}, fmt.Errorf("decoding mountpoint creation response: %w", err)
	}
	return Mountpoint{ID: parsed.Stream.ID, VideoPort: videoPort, VideoMode: videoMode}, nil
}

// Destroy tears down the session, releasing the mountpoint and any
// attached viewers.
func (j *JanusClient) Destroy(ctx context.Context) {
	if j.sessionID == 0 {
		return
	}
	if _, err := j.post(ctx, fmt.Sprintf("/%d", j.sessionID), janusRequest{Janus: "destroy"}); err != nil {
		j.logger.Warn("destroying janus session", servicelog.Error(err))
	}
}
