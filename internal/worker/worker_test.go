package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/warpcomdev/camproxy/internal/clientcount"
	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

type fakeMqtt struct {
	mu           sync.Mutex
	connected    bool
	ledOn        bool
	setLedCalls  int
	startCalls   int
	ledStatusErr error
}

func (f *fakeMqtt) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeMqtt) Disconnect()                       { f.connected = false }
func (f *fakeMqtt) IsConnected() bool                 { return f.connected }
func (f *fakeMqtt) SubscribeAll(modelCode string) error { return nil }
func (f *fakeMqtt) WaitForModelDetection(ctx context.Context) (string, string, error) {
	return "MODEL", "TYPE", nil
}
func (f *fakeMqtt) TryStartCamera(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return nil
}
func (f *fakeMqtt) TryStopCamera(ctx context.Context) error { return nil }
func (f *fakeMqtt) QueryLedStatus(ctx context.Context) (bool, error) {
	return f.ledOn, f.ledStatusErr
}
func (f *fakeMqtt) SetLed(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledOn = on
	f.setLedCalls++
	return nil
}
func (f *fakeMqtt) SendPrintStop(ctx context.Context) error { return nil }

func newTestWorker(cfg config.PrinterConfig) (*Worker, *fakeMqtt) {
	w := New(nil, nil, servicelog.Nop(), cfg)
	mqtt := &fakeMqtt{connected: true}
	w.mqtt = mqtt
	return w, mqtt
}

func TestLedAutoControlTurnsOnWhenPrinterNotIdle(t *testing.T) {
	cfg := config.PrinterConfig{LedAutoControl: true, StandbyLedTimeoutMinutes: 10}
	w, mqtt := newTestWorker(cfg)
	w.status.PrinterState = "printing"

	w.ledAutoControlTick(context.Background(), cfg, time.Now())

	if mqtt.setLedCalls != 1 || !mqtt.ledOn {
		t.Fatalf("expected SetLed(true) to be called once, got calls=%d on=%v", mqtt.setLedCalls, mqtt.ledOn)
	}
}

func TestLedAutoControlTurnsOffAfterStandbyTimeout(t *testing.T) {
	cfg := config.PrinterConfig{LedAutoControl: true, StandbyLedTimeoutMinutes: 1}
	w, mqtt := newTestWorker(cfg)
	w.mu.Lock()
	w.status.PrinterState = "standby"
	w.status.LedOn = true
	w.mu.Unlock()
	w.ledOnSince = time.Now().Add(-2 * time.Minute)

	w.ledAutoControlTick(context.Background(), cfg, time.Now())

	if mqtt.setLedCalls != 1 || mqtt.ledOn {
		t.Fatalf("expected SetLed(false) after standby timeout, got calls=%d on=%v", mqtt.setLedCalls, mqtt.ledOn)
	}
}

func TestLedAutoControlLeavesLedAloneBeforeStandbyTimeout(t *testing.T) {
	cfg := config.PrinterConfig{LedAutoControl: true, StandbyLedTimeoutMinutes: 10}
	w, mqtt := newTestWorker(cfg)
	w.mu.Lock()
	w.status.PrinterState = "standby"
	w.status.LedOn = true
	w.mu.Unlock()
	w.ledOnSince = time.Now().Add(-1 * time.Minute)

	w.ledAutoControlTick(context.Background(), cfg, time.Now())

	if mqtt.setLedCalls != 0 {
		t.Fatalf("expected no SetLed call before the standby timeout elapses, got %d", mqtt.setLedCalls)
	}
}

func TestMaybeKeepaliveCameraTriggeredByMjpegViewerAlone(t *testing.T) {
	cfg := config.PrinterConfig{CameraKeepaliveSeconds: 30}
	w, mqtt := newTestWorker(cfg)
	w.hub = frame.NewHub()
	w.clients.Inc(clientcount.MJPEG)

	w.maybeKeepaliveCamera(context.Background(), cfg)

	mqtt.mu.Lock()
	calls := mqtt.startCalls
	mqtt.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected camera keepalive to fire for an MJPEG-only viewer, got %d calls", calls)
	}
}

func TestMaybeKeepaliveCameraSkippedWithoutConsumers(t *testing.T) {
	cfg := config.PrinterConfig{CameraKeepaliveSeconds: 30}
	w, mqtt := newTestWorker(cfg)
	w.hub = frame.NewHub()

	w.maybeKeepaliveCamera(context.Background(), cfg)

	mqtt.mu.Lock()
	calls := mqtt.startCalls
	mqtt.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no keepalive with no attached consumers, got %d calls", calls)
	}
}

func TestIsIdlePrinterStateMatchesSpecSet(t *testing.T) {
	idle := []string{"free", "standby", "ready", "Standby", "READY"}
	for _, s := range idle {
		if !isIdlePrinterState(s) {
			t.Errorf("expected %q to be idle", s)
		}
	}
	notIdle := []string{"", "printing", "idle", "paused"}
	for _, s := range notIdle {
		if isIdlePrinterState(s) {
			t.Errorf("expected %q to not be idle", s)
		}
	}
}

func TestOnCameraStopDetectedReissuesStart(t *testing.T) {
	cfg := config.PrinterConfig{}
	w, mqtt := newTestWorker(cfg)

	w.onCameraStopDetected()

	deadline := time.After(2 * time.Second)
	for {
		mqtt.mu.Lock()
		calls := mqtt.startCalls
		mqtt.mu.Unlock()
		if calls == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected camera restart within 2s of external stop detection")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOnPrinterStateReceivedUpdatesStatus(t *testing.T) {
	w, _ := newTestWorker(config.PrinterConfig{})
	w.onPrinterStateReceived("printing", true, "benchy.gcode", 42)

	s := w.Status()
	if s.PrinterState != "printing" || !s.StreamRunning {
		t.Fatalf("unexpected status after printer state event: %+v", s)
	}
}

func TestOnModelCodeDetectedUpdatesCachedConfigAndStatus(t *testing.T) {
	w, _ := newTestWorker(config.PrinterConfig{})
	w.onModelCodeDetected("ABC123", "kobra")

	w.mu.Lock()
	gotCfg := w.cfg.ModelCode
	gotType := w.cfg.DeviceType
	w.mu.Unlock()
	if gotCfg != "ABC123" || gotType != "kobra" {
		t.Fatalf("expected config to capture detected model/device type, got %q/%q", gotCfg, gotType)
	}
	if w.Status().ModelCode != "ABC123" {
		t.Fatalf("expected status.ModelCode to be set")
	}
}

func TestAtomicTimeUnsetUntilFirstSet(t *testing.T) {
	var a atomicTime
	if _, ok := a.GetOK(); ok {
		t.Fatal("expected unset atomicTime to report not-ok")
	}
	now := time.Now()
	a.Set(now)
	got, ok := a.GetOK()
	if !ok || !got.Equal(now) {
		t.Fatalf("expected Set value to round-trip, got %v ok=%v", got, ok)
	}
	a.Clear()
	if _, ok := a.GetOK(); ok {
		t.Fatal("expected Clear to reset the ok flag")
	}
}
