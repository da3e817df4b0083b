package worker

import "time"

// State is one of the PrinterWorker lifecycle states (spec.md §4.5).
type State string

const (
	StateStopped      State = "Stopped"
	StateInitializing State = "Initializing"
	StateConnecting   State = "Connecting"
	StateRunning      State = "Running"
	StateRetrying     State = "Retrying"
	StatePaused       State = "Paused"
)

// WorkerStatus is the transient per-worker snapshot exposed over IPC and
// the /status HTTP endpoint (spec.md §3).
type WorkerStatus struct {
	State          State     `json:"state"`
	IsPaused       bool      `json:"isPaused"`
	LastError      string    `json:"lastError,omitempty"`
	LastErrorAt    time.Time `json:"lastErrorAt,omitempty"`
	LastSeenOnline time.Time `json:"lastSeenOnline,omitempty"`
	NextRetryAt    time.Time `json:"nextRetryAt,omitempty"`

	SSHConnected   bool `json:"sshConnected"`
	MQTTConnected  bool `json:"mqttConnected"`
	StreamRunning  bool `json:"streamRunning"`
	DecodedFrames  uint64 `json:"decodedFrames"`
	FrameWidth     int  `json:"frameWidth"`
	FrameHeight    int  `json:"frameHeight"`

	DeviceID   string `json:"deviceId,omitempty"`
	ModelCode  string `json:"modelCode,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`

	LedOn        bool   `json:"ledOn"`
	PrinterState string `json:"printerState,omitempty"`

	// Client counts by type (spec.md §4.2): mjpeg, h264-ws, external/janus.
	ClientsMjpeg  int `json:"clientsMjpeg"`
	ClientsH264Ws int `json:"clientsH264Ws"`
	ClientsJanus  int `json:"clientsJanus"`
	TotalClients  int `json:"totalClients"`
}
