// Package mqttcontroller is the per-printer MQTT control channel (C3):
// camera start/stop, LED query/set, and the unsolicited printer-state
// feed used for model detection and to notice an externally issued
// camera stop. Request/ack correlation (one in-flight request per key,
// a pending-reply channel keyed by a generated request ID) generalizes
// a single HTTP auth/token correlation pattern to many concurrent MQTT
// request kinds. Connect retries use a cenkalti/backoff shape, the same
// one used for a single blocking HTTP auth exchange.
package mqttcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/warpcomdev/camproxy/internal/backoffutil"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// Events is the set of callbacks PrinterWorker wires in. All are
// optional; nil callbacks are simply not invoked.
type Events struct {
	ModelCodeDetected    func(modelCode, deviceType string)
	LedStatusReceived    func(on bool)
	PrinterStateReceived func(state string, cameraRunning bool, jobName string, progressPct int)
	CameraStopDetected   func()
}

// Controller owns one printer's MQTT connection.
type Controller struct {
	deviceID string
	host     string
	port     int
	username string
	password string
	logger   servicelog.Logger
	events   Events

	client mqtt.Client

	mu         sync.Mutex
	modelCode  string
	lastCamera bool
	lastLedOn  bool
	havePrior  bool

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
}

func New(deviceID, host string, port int, username, password string, logger servicelog.Logger, events Events) *Controller {
	return &Controller{
		deviceID: deviceID,
		host:     host,
		port:     port,
		username: username,
		password: password,
		logger:   logger,
		events:   events,
		pending:  make(map[string]chan json.RawMessage),
	}
}

// Connect dials the broker, retrying with exponential backoff until ctx
// is cancelled (spec.md §4.5 step 2).
func (c *Controller) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.host, c.port)).
		SetClientID(fmt.Sprintf("camproxy-%s", c.deviceID)).
		SetUsername(c.username).
		SetPassword(c.password).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("mqtt connection lost", servicelog.Error(err))
		})

	client := mqtt.NewClient(opts)

	bo := backoffutil.NewExponential()
	err := backoff.Retry(func() error {
		token := client.Connect()
		token.Wait()
		return backoffutil.PermanentIfCancel(ctx, token.Error())
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}
	c.client = client
	return c.subscribeWildcardState(ctx)
}

func (c *Controller) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func (c *Controller) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// subscribeWildcardState subscribes to every model-code's state topic so
// the controller can learn modelCode before it's known (spec.md §4.3).
func (c *Controller) subscribeWildcardState(ctx context.Context) error {
	topic := fmt.Sprintf("anycubic/%s/+/state", c.deviceID)
	token := c.client.Subscribe(topic, 0, c.handleState)
	token.Wait()
	return token.Error()
}

// SubscribeAll subscribes to the per-model ack topics once modelCode is
// known.
func (c *Controller) SubscribeAll(modelCode string) error {
	c.mu.Lock()
	c.modelCode = modelCode
	c.mu.Unlock()

	for _, topic := range []string{ackTopic(c.deviceID, modelCode), ledAckTopic(c.deviceID, modelCode)} {
		token := c.client.Subscribe(topic, 0, c.handleAck)
		token.Wait()
		if err := token.Error(); err != nil {
			return err
		}
	}
	return nil
}

// WaitForModelDetection blocks until the printer's state topic has been
// observed at least once, or ctx is done.
func (c *Controller) WaitForModelDetection(ctx context.Context) (modelCode, deviceType string, err error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		mc := c.modelCode
		c.mu.Unlock()
		if mc != "" {
			return mc, "", nil
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) handleState(_ mqtt.Client, msg mqtt.Message) {
	var st printerState
	if err := json.Unmarshal(msg.Payload(), &st); err != nil {
		c.logger.Debug("ignoring malformed state message", servicelog.Error(err))
		return
	}

	c.mu.Lock()
	firstSeen := c.modelCode == ""
	if st.ModelCode != "" {
		c.modelCode = st.ModelCode
	}
	wasCameraRunning, hadPrior := c.lastCamera, c.havePrior
	c.lastCamera = st.CameraRunning
	c.havePrior = true
	c.mu.Unlock()

	if firstSeen && st.ModelCode != "" && c.events.ModelCodeDetected != nil {
		c.events.ModelCodeDetected(st.ModelCode, st.DeviceType)
	}
	if c.events.PrinterStateReceived != nil {
		c.events.PrinterStateReceived(st.PrinterState, st.CameraRunning, st.PrintJobName, st.ProgressPct)
	}
	if hadPrior && wasCameraRunning && !st.CameraRunning && c.events.CameraStopDetected != nil {
		c.events.CameraStopDetected()
	}
}

func (c *Controller) handleAck(_ mqtt.Client, msg mqtt.Message) {
	// Acks for camera/led share the same dispatch: peek the requestId
	// and forward to whichever request() call is waiting on it.
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(msg.Payload(), &probe); err != nil || probe.RequestID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[probe.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- json.RawMessage(append([]byte(nil), msg.Payload()...)):
	default:
	}
}

// request publishes a command with a fresh request ID and waits for the
// correlated ack, enforcing a single in-flight request per requestID
// (callers generate a new UUID per call, so concurrent calls never
// collide).
func (c *Controller) request(ctx context.Context, topic string, body interface{}, requestID string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	token := c.client.Publish(topic, 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("mqtt request %s timed out waiting for ack", requestID)
	}
}

func (c *Controller) modelCodeLocked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelCode
}

// TryStartCamera asks the printer to start its camera stream.
func (c *Controller) TryStartCamera(ctx context.Context) error {
	return c.sendCameraCmd(ctx, "start")
}

// TryStopCamera asks the printer to stop its camera stream (spec.md §4.5
// step 11: send exactly once on graceful shutdown, if configured).
func (c *Controller) TryStopCamera(ctx context.Context) error {
	return c.sendCameraCmd(ctx, "stop")
}

func (c *Controller) sendCameraCmd(ctx context.Context, action string) error {
	id := uuid.NewString()
	reply, err := c.request(ctx, cmdTopic(c.deviceID, c.modelCodeLocked()), cameraCmd{RequestID: id, Action: action}, id)
	if err != nil {
		return err
	}
	var ack cameraAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("camera %s rejected: %s", action, ack.Error)
	}
	return nil
}

// QueryLedStatus fetches the current LED state.
func (c *Controller) QueryLedStatus(ctx context.Context) (bool, error) {
	id := uuid.NewString()
	reply, err := c.request(ctx, ledCmdTopic(c.deviceID, c.modelCodeLocked()), ledCmd{RequestID: id, Action: "query"}, id)
	if err != nil {
		return false, err
	}
	var ack ledAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return false, err
	}
	if !ack.OK {
		return false, fmt.Errorf("led query rejected: %s", ack.Error)
	}
	return ack.On, nil
}

// SetLed turns the LED on or off.
func (c *Controller) SetLed(ctx context.Context, on bool) error {
	id := uuid.NewString()
	reply, err := c.request(ctx, ledCmdTopic(c.deviceID, c.modelCodeLocked()), ledCmd{RequestID: id, Action: "set", On: on}, id)
	if err != nil {
		return err
	}
	var ack ledAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("led set rejected: %s", ack.Error)
	}
	c.mu.Lock()
	c.lastLedOn = on
	c.mu.Unlock()
	if c.events.LedStatusReceived != nil {
		c.events.LedStatusReceived(on)
	}
	return nil
}

// QueryPrinterInfo returns the last observed model code. The device type
// from state messages is not retained, so deviceType is always empty.
func (c *Controller) QueryPrinterInfo() (modelCode, deviceType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelCode, ""
}

// SendPrintStop asks the printer to stop the current print job (used
// by the worker's ObicoBridge NativeStopRequested callback when Obico
// cancels a print).
func (c *Controller) SendPrintStop(ctx context.Context) error {
	id := uuid.NewString()
	_, err := c.request(ctx, cmdTopic(c.deviceID, c.modelCodeLocked()), cameraCmd{RequestID: id, Action: "print-stop"}, id)
	return err
}
