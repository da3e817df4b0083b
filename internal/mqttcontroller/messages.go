package mqttcontroller

// cameraCmd / cameraAck model the camera/cmd + camera/ack exchange.
type cameraCmd struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"` // "start" | "stop"
}

type cameraAck struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// ledCmd / ledAck model the led/cmd + led/ack exchange.
type ledCmd struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"` // "query" | "set"
	On        bool   `json:"on,omitempty"`
}

type ledAck struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	On        bool   `json:"on"`
	Error     string `json:"error,omitempty"`
}

// printerState is published unsolicited by the printer on the state
// topic; it also carries the modelCode the controller needs to build
// the rest of the per-model topic names (spec.md §4.3 model-detection
// step).
type printerState struct {
	ModelCode     string `json:"modelCode"`
	DeviceType    string `json:"deviceType"`
	PrinterState  string `json:"printerState"`
	CameraRunning bool   `json:"cameraRunning"`
	PrintJobName  string `json:"printJobName,omitempty"`
	ProgressPct   int    `json:"progressPct,omitempty"`
}
