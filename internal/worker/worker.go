// Package worker implements PrinterWorker (C5), the per-printer
// supervisory state machine: credential bootstrap, MQTT connect and
// camera start, FFmpeg decoder supervision, stall/recovery policy, LED
// auto-control and clean shutdown (spec.md §4.5). It is the hardest
// subsystem in the system and is built from the same "small interfaces,
// concrete wiring in the constructor" shape as a single-process camera
// assembly, generalized from one fixed camera pipeline to a per-printer,
// restartable one.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/warpcomdev/camproxy/internal/clientcount"
	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/jpegenc"
	"github.com/warpcomdev/camproxy/internal/metrics"
	"github.com/warpcomdev/camproxy/internal/mjpegserver"
	"github.com/warpcomdev/camproxy/internal/mqttcontroller"
	"github.com/warpcomdev/camproxy/internal/obico"
	"github.com/warpcomdev/camproxy/internal/servicelog"
	"github.com/warpcomdev/camproxy/internal/sshcred"
)

// Timing constants from spec.md §4.5.
const (
	graceWindow         = 5 * time.Second
	stabilizationWindow = 3 * time.Second
	stallTimeout        = 10 * time.Second
	quickRecoveryLimit  = 5 * time.Minute
	lanModeThrottle     = 30 * time.Second
	supervisionTick     = 1 * time.Second
)

// CredentialStore is the narrow persistence surface the worker needs
// for the "printer changed" reconciliation and credential caching; the
// registry supplies the concrete config.Store-backed implementation.
type CredentialStore interface {
	Snapshot() config.PrinterConfig
	Save(config.PrinterConfig) error
}

// mqttClient is the subset of *mqttcontroller.Controller the worker
// drives; kept as an interface (rather than the concrete type) so tests
// can substitute a fake broker-free implementation.
type mqttClient interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SubscribeAll(modelCode string) error
	WaitForModelDetection(ctx context.Context) (modelCode, deviceType string, err error)
	TryStartCamera(ctx context.Context) error
	TryStopCamera(ctx context.Context) error
	QueryLedStatus(ctx context.Context) (bool, error)
	SetLed(ctx context.Context, on bool) error
	SendPrintStop(ctx context.Context) error
}

// newMqttClient is swapped out in tests; production code always wires
// the real mqttcontroller.Controller.
var newMqttClient = func(cfg config.PrinterConfig, logger servicelog.Logger, events mqttcontroller.Events) mqttClient {
	return mqttcontroller.New(cfg.DeviceID, cfg.IP, cfg.MQTTPort, cfg.MQTTUser, cfg.MQTTPassword, logger, events)
}

// Worker is one printer's supervisory task.
type Worker struct {
	store    CredentialStore
	creds    *sshcred.CredentialService
	logger   servicelog.Logger
	stateDir string

	mu     sync.Mutex
	cfg    config.PrinterConfig
	status WorkerStatus
	paused bool

	hub     *frame.Hub
	jpeg    *jpegenc.Encoder
	http    *mjpegserver.Server
	mqtt    mqttClient
	dec     *Decoder
	clients *clientcount.Counter

	cancel      context.CancelFunc
	done        chan struct{}
	reconfigure chan config.PrinterConfig

	lastLanModeAttempt time.Time
	lastKeepalive      time.Time
	ledOnSince         time.Time
}

func New(store CredentialStore, creds *sshcred.CredentialService, logger servicelog.Logger, cfg config.PrinterConfig) *Worker {
	return &Worker{
		store:       store,
		creds:       creds,
		logger:      logger.With(servicelog.String("printer", cfg.Name)),
		cfg:         cfg,
		status:      WorkerStatus{State: StateStopped},
		reconfigure: make(chan config.PrinterConfig, 1),
		clients:     clientcount.New(),
	}
}

// WithStateDir sets the directory ObicoBridge uses to persist its
// print-state file; called by the registry right after New when a
// config directory is available. A zero value leaves Obico's state
// unpersisted across restarts (still functional, just re-derives the
// print timestamp every time).
func (w *Worker) WithStateDir(dir string) *Worker {
	w.stateDir = dir
	return w
}

// Status returns a snapshot of the worker's current state, including the
// live per-type client counts (spec.md §4.2).
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	s := w.status
	w.mu.Unlock()

	snap := w.clients.Snapshot()
	s.ClientsMjpeg = snap.MJPEG
	s.ClientsH264Ws = snap.H264WS
	s.ClientsJanus = snap.Janus
	s.TotalClients = snap.Total()
	return s
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.status.State = s
	w.mu.Unlock()
}

func (w *Worker) setError(err error) {
	w.mu.Lock()
	w.status.LastError = err.Error()
	w.status.LastErrorAt = time.Now()
	w.mu.Unlock()
}

// Start launches the worker's main loop in the background.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.runOuterLoop(runCtx)
	}()
}

// Stop cancels the worker and waits for teardown, issuing the
// configured MQTT stop command first (spec.md §4.5 step 11).
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	cfg := w.cfg
	mqtt := w.mqtt
	w.mu.Unlock()
	if cfg.SendStopCommand && mqtt != nil && mqtt.IsConnected() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		mqtt.TryStopCamera(stopCtx)
		cancel()
	}
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
	w.setState(StateStopped)
}

// Pause tears down the active session and transitions to Paused.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
	w.mu.Lock()
	w.status.State = StatePaused
	w.status.IsPaused = true
	w.mu.Unlock()
}

// Resume restarts the worker loop from step 1.
func (w *Worker) Resume(ctx context.Context) {
	w.mu.Lock()
	w.paused = false
	w.status.IsPaused = false
	w.mu.Unlock()
	w.Start(ctx)
}

// Reconfigure feeds a new config snapshot to the running loop; only
// picked up between connection attempts (a full restart is the
// registry's job when ports or identity change).
func (w *Worker) Reconfigure(cfg config.PrinterConfig) {
	select {
	case w.reconfigure <- cfg:
	default:
	}
}

// QueryLedStatus and SetLed expose the live MQTT session's LED control
// to the IPC server's GetLedStatus/SetLed commands (spec.md §6). They
// fail if the worker has no connected MQTT session right now.
func (w *Worker) QueryLedStatus(ctx context.Context) (bool, error) {
	w.mu.Lock()
	mqtt := w.mqtt
	w.mu.Unlock()
	if mqtt == nil || !mqtt.IsConnected() {
		return false, fmt.Errorf("printer is not connected")
	}
	return mqtt.QueryLedStatus(ctx)
}

func (w *Worker) SetLed(ctx context.Context, on bool) error {
	w.mu.Lock()
	mqtt := w.mqtt
	w.mu.Unlock()
	if mqtt == nil || !mqtt.IsConnected() {
		return fmt.Errorf("printer is not connected")
	}
	return mqtt.SetLed(ctx, on)
}

func (w *Worker) currentConfig() config.PrinterConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// runOuterLoop implements the Connecting/Running/Retrying cycle: each
// iteration runs one full credential→MQTT→streaming attempt; failures
// fall back here with a reachability-based backoff (spec.md §4.5 step 6).
func (w *Worker) runOuterLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-w.reconfigure:
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
		default:
		}

		w.setState(StateInitializing)
		if err := w.runAttempt(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.setError(err)
			w.logger.Warn("printer worker attempt failed", servicelog.Error(err))
			metrics.WorkerRestarts.WithLabelValues(w.currentConfig().Name).Inc()
		}
		if ctx.Err() != nil {
			return
		}

		cfg := w.currentConfig()
		bo := newReachabilityBackOff(cfg.IP, cfg.SSHPort)
		delay := bo.NextBackOff()
		w.mu.Lock()
		w.status.NextRetryAt = time.Now().Add(delay)
		w.mu.Unlock()
		w.setState(StateRetrying)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runAttempt performs steps 1-5 of spec.md §4.5 and blocks in the
// supervision loop until a failure demands falling back to the outer
// loop.
func (w *Worker) runAttempt(ctx context.Context) error {
	cfg := w.currentConfig()

	if err := w.credentialPhase(ctx, &cfg); err != nil {
		return fmt.Errorf("credential phase: %w", err)
	}

	w.setState(StateConnecting)

	if cfg.AutoLanMode {
		w.tryLanMode(ctx, &cfg, true)
	}

	mc := newMqttClient(cfg, w.logger, mqttcontroller.Events{
		ModelCodeDetected:    w.onModelCodeDetected,
		LedStatusReceived:    w.onLedStatusReceived,
		PrinterStateReceived: w.onPrinterStateReceived,
		CameraStopDetected:   w.onCameraStopDetected,
	})
	w.mu.Lock()
	w.mqtt = mc
	w.mu.Unlock()
	if err := w.mqtt.Connect(ctx); err != nil {
		if cfg.AutoLanMode {
			w.tryLanMode(ctx, &cfg, true)
			if err2 := w.mqtt.Connect(ctx); err2 != nil {
				return fmt.Errorf("mqtt connect: %w", err2)
			}
		} else {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	}
	defer w.mqtt.Disconnect()

	modelCode := cfg.ModelCode
	if modelCode == "" {
		detectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		mc, _, err := w.mqtt.WaitForModelDetection(detectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("model detection: %w", err)
		}
		modelCode = mc
		cfg.ModelCode = mc
		w.persist(cfg)
	}
	if err := w.mqtt.SubscribeAll(modelCode); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := w.mqtt.TryStartCamera(ctx); err != nil {
		return fmt.Errorf("camera start: %w", err)
	}

	w.mu.Lock()
	w.status.MQTTConnected = true
	w.mu.Unlock()

	if !cfg.CameraEnabled {
		// Telemetry-only: no MjpegServer/decoder/frame fan-out
		// (spec.md §3 invariant). Obico may still run; that wiring
		// lives in the daemon, which owns ObicoBridge lifecycle.
		<-ctx.Done()
		return ctx.Err()
	}

	return w.streamingPhase(ctx, cfg)
}

func (w *Worker) credentialPhase(ctx context.Context, cfg *config.PrinterConfig) error {
	credCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if cfg.MQTTUser == "" || cfg.MQTTPassword == "" {
		return w.bootstrapCredentials(credCtx, cfg)
	}

	deviceID, modelCode, deviceType, err := w.creds.RetrievePrinterInfo(credCtx, cfg.IP, cfg.SSHPort, cfg.SSHUser, cfg.SSHPassword)
	if err != nil {
		// Non-fatal: keep using cached credentials if the printer is
		// momentarily unreachable over SSH; MQTT connect will still be
		// attempted with what we have.
		w.logger.Warn("printer info check failed, using cached credentials", servicelog.Error(err))
		return nil
	}
	if deviceID != "" && cfg.DeviceID != "" && deviceID != cfg.DeviceID {
		w.logger.Warn("printer identity changed, re-bootstrapping credentials",
			servicelog.String("oldDeviceId", cfg.DeviceID), servicelog.String("newDeviceId", deviceID))
		cfg.MQTTUser = ""
		cfg.MQTTPassword = ""
		cfg.DeviceID = ""
		cfg.ModelCode = ""
		cfg.DeviceType = ""
		return w.bootstrapCredentials(credCtx, cfg)
	}
	if deviceID != "" {
		cfg.DeviceID, cfg.ModelCode, cfg.DeviceType = deviceID, modelCode, deviceType
	}
	return nil
}

func (w *Worker) bootstrapCredentials(ctx context.Context, cfg *config.PrinterConfig) error {
	user, pass, err := w.creds.RetrieveCredentials(ctx, cfg.IP, cfg.SSHPort, cfg.SSHUser, cfg.SSHPassword)
	if err != nil {
		return err
	}
	deviceID, modelCode, deviceType, err := w.creds.RetrievePrinterInfo(ctx, cfg.IP, cfg.SSHPort, cfg.SSHUser, cfg.SSHPassword)
	if err != nil {
		return err
	}
	cfg.MQTTUser, cfg.MQTTPassword = user, pass
	cfg.DeviceID, cfg.ModelCode, cfg.DeviceType = deviceID, modelCode, deviceType
	w.persist(*cfg)
	return nil
}

func (w *Worker) persist(cfg config.PrinterConfig) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	if err := w.store.Save(cfg); err != nil {
		w.logger.Error("failed to persist printer config", servicelog.Error(err))
	}
}

// tryLanMode opens a short-lived SSH client and asks the printer to
// enable LAN-mode printing, per spec.md §4.5 step 2: used before the
// first MQTT connect attempt, on reconnect failure, and (throttled) as
// a recovery step while the stream is unhealthy.
func (w *Worker) tryLanMode(ctx context.Context, cfg *config.PrinterConfig, force bool) {
	if !force && time.Since(w.lastLanModeAttempt) < lanModeThrottle {
		return
	}
	w.lastLanModeAttempt = time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := sshcred.DialClient(dialCtx, cfg.IP, cfg.SSHPort, cfg.SSHUser, cfg.SSHPassword)
	cancel()
	if err != nil {
		w.logger.Warn("lan-mode ssh dial failed", servicelog.Error(err))
		return
	}
	defer client.Close()

	lanCtx, lanCancel := context.WithTimeout(ctx, 60*time.Second)
	defer lanCancel()
	lan := sshcred.NewLanModeService(client)
	if err := lan.OpenLanPrint(lanCtx); err != nil {
		w.logger.Warn("lan-mode open failed", servicelog.Error(err))
	}
}

func (w *Worker) streamingPhase(ctx context.Context, cfg config.PrinterConfig) error {
	w.hub = frame.NewHub()
	w.jpeg = jpegenc.New(w.hub, cfg.JpegQuality, time.Second/time.Duration(cfg.IdleFps))

	w.http = mjpegserver.New(w.hub, w.logger, w.mqtt, statusProviderFunc(w.Status), w.clients, mjpegserver.Config{
		Fps:          cfg.MaxFps,
		LLHlsEnabled: cfg.LLHlsEnabled,
		PartDuration: time.Duration(cfg.HlsPartDurationMs) * time.Millisecond,
	})
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- w.http.Start(fmt.Sprintf(":%d", cfg.MjpegPort))
	}()

	jpegCtx, jpegCancel := context.WithCancel(ctx)
	w.jpeg.Start(jpegCtx, 1)
	defer func() {
		jpegCancel()
		w.jpeg.Stop()
		w.http.Stop(context.Background())
	}()

	if cfg.Obico.Enabled {
		w.startObicoBridge(ctx, cfg)
	}

	return w.decodeAndSupervise(ctx, cfg, serverErrCh)
}

// startObicoBridge runs ObicoBridge (spec.md §4.8) for the lifetime of
// the streaming session, alongside the decoder supervision loop. A
// bridge failure (Moonraker unreachable past its retry budget) only
// stops Obico integration for this streaming attempt; the camera stream
// itself is unaffected.
func (w *Worker) startObicoBridge(ctx context.Context, cfg config.PrinterConfig) {
	statePath := ""
	if w.stateDir != "" {
		statePath = obico.DefaultStatePath(w.stateDir, cfg.Name)
	}
	bridge := obico.New(cfg.Obico, cfg.IP, w.hub, w.logger, obico.Events{
		NativeStopRequested: func(stopCtx context.Context) error {
			w.mu.Lock()
			mqtt := w.mqtt
			w.mu.Unlock()
			if mqtt == nil {
				return fmt.Errorf("no active mqtt session")
			}
			return mqtt.SendPrintStop(stopCtx)
		},
	}, statePath, w.clients)

	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("obico bridge stopped", servicelog.Error(err))
		}
	}()
}

// decodeAndSupervise implements spec.md §4.5 step 5: start the FFmpeg
// decoder against the printer's FLV endpoint, fan its output into the
// FrameHub, and run the 1s supervision tick that tracks stabilization,
// stall detection and recovery.
func (w *Worker) decodeAndSupervise(ctx context.Context, cfg config.PrinterConfig, serverErrCh chan error) error {
	var lastFrameAt atomicTime
	var framesSinceStart uint64
	var streamStartedAt atomicTime

	var hlsInitMu sync.Mutex
	var hlsExtradata frame.Extradata
	var hlsExtradataSet bool
	hlsInitDone := false
	maybeInitHLS := func(width, height int) {
		hlsInitMu.Lock()
		defer hlsInitMu.Unlock()
		if hlsInitDone || !hlsExtradataSet || width == 0 || height == 0 {
			return
		}
		hlsInitDone = true
		w.http.HLSMuxer().SetExtradata(width, height, hlsExtradata)
	}

	w.dec = NewDecoder(cfg.FlvURL(), cfg.MaxFps, cfg.MaxFps)
	w.dec.OnFrame = func(f frame.Frame) {
		lastFrameAt.Set(time.Now())
		framesSinceStart++
		w.mu.Lock()
		w.status.DecodedFrames = framesSinceStart
		w.status.FrameWidth = f.Width
		w.status.FrameHeight = f.Height
		w.mu.Unlock()
		w.hub.PublishFrame(f)
		maybeInitHLS(f.Width, f.Height)
	}
	ptsStep := uint32(90000 / uint32(cfg.MaxFps))
	if ptsStep == 0 {
		ptsStep = 90000 / 10
	}
	w.dec.OnH264Packet = func(pkt frame.H264Packet) {
		w.hub.PublishH264(pkt)
		w.http.HLSMuxer().PushAccessUnit(pkt, ptsStep)
	}
	w.dec.OnDecodingStarted = func(ed frame.Extradata) {
		w.hub.SetExtradata(ed)
		hlsInitMu.Lock()
		hlsExtradata, hlsExtradataSet = ed, true
		hlsInitMu.Unlock()
		w.mu.Lock()
		width, height := w.status.FrameWidth, w.status.FrameHeight
		w.mu.Unlock()
		maybeInitHLS(width, height)
	}
	w.dec.OnLog = func(line string) {
		w.logger.Debug("ffmpeg", servicelog.String("line", line))
	}

	decoderCtx, decoderCancel := context.WithCancel(ctx)
	wait, err := w.dec.Start(decoderCtx)
	if err != nil {
		decoderCancel()
		return fmt.Errorf("starting decoder: %w", err)
	}
	decoderDone := make(chan error, 1)
	go func() { decoderDone <- wait() }()
	streamStartedAt.Set(time.Now())
	defer func() {
		decoderCancel()
		w.dec.Stop()
	}()

	ticker := time.NewTicker(supervisionTick)
	defer ticker.Stop()

	snapshotCh := w.hub.SnapshotRequested
	stabilized := false
	var failedSince time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serverErrCh:
			if err != nil {
				return fmt.Errorf("mjpeg server: %w", err)
			}
		case err := <-decoderDone:
			// ffmpeg exited on its own; treat as a stall so the
			// existing recovery/backoff machinery handles the restart.
			if err != nil {
				w.logger.Warn("ffmpeg exited", servicelog.Error(err))
			}
			lastFrameAt.Clear()
		case <-snapshotCh:
			if w.Status().State == StateRunning {
				w.attemptQuickCameraRestart(ctx)
			}
		case <-ticker.C:
			now := time.Now()
			elapsedSinceStart := now.Sub(streamStartedAt.Get())
			last, haveFrame := lastFrameAt.GetOK()

			switch {
			case !haveFrame && elapsedSinceStart < graceWindow:
				// still inside the startup grace window; not yet an
				// error condition.
			case haveFrame && !stabilized && now.Sub(last) < stallTimeout:
				if elapsedSinceStart >= stabilizationWindow {
					stabilized = true
					w.setState(StateRunning)
					w.mu.Lock()
					w.status.StreamRunning = true
					w.status.LastSeenOnline = now
					w.mu.Unlock()
				}
			case haveFrame && now.Sub(last) < stallTimeout:
				w.mu.Lock()
				w.status.LastSeenOnline = now
				w.mu.Unlock()
				failedSince = time.Time{}
				w.maybeKeepaliveCamera(ctx, cfg)
			default:
				// Either never got a frame past the grace window, or
				// stalled past the threshold: unhealthy path.
				if failedSince.IsZero() {
					failedSince = now
				}
				if now.Sub(failedSince) >= quickRecoveryLimit {
					return fmt.Errorf("stream unhealthy for over %s, falling back to reconnect", quickRecoveryLimit)
				}
				w.attemptQuickCameraRestart(ctx)
				if cfg.AutoLanMode && now.Sub(failedSince) >= lanModeThrottle {
					w.tryLanMode(ctx, &cfg, false)
				}
			}

			w.ledAutoControlTick(ctx, cfg, now)
		}
	}
}

// attemptQuickCameraRestart re-issues the MQTT camera-start command and
// restarts the decoder without tearing down MQTT or leaving the
// Running-eligible state (spec.md §4.5's "quick recovery" path).
func (w *Worker) attemptQuickCameraRestart(ctx context.Context) {
	if w.mqtt == nil || !w.mqtt.IsConnected() {
		return
	}
	restartCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.mqtt.TryStartCamera(restartCtx); err != nil {
		w.logger.Warn("quick camera restart failed", servicelog.Error(err))
	}
	w.dec.Stop()
	time.Sleep(3500 * time.Millisecond)
	if newWait, err := w.dec.Start(ctx); err == nil {
		go newWait()
	}
}

// maybeKeepaliveCamera re-issues camera-start periodically while
// consumers are attached, matching printers that auto-stop the stream
// after inactivity (spec.md §4.5 step 5). "Attached" spans every
// consumer type: the H.264 hub (h264-ws clients and ObicoBridge's
// internal RTP streamer), MJPEG /stream viewers and external Janus
// viewers, so a printer watched only through C2's headline MJPEG
// endpoint still defeats the printer's idle throttle.
func (w *Worker) maybeKeepaliveCamera(ctx context.Context, cfg config.PrinterConfig) {
	snap := w.clients.Snapshot()
	consumers := w.hub.SubscriberCount() + snap.MJPEG + snap.Janus
	if cfg.CameraKeepaliveSeconds <= 0 || consumers == 0 {
		return
	}
	if time.Since(w.lastKeepalive) < time.Duration(cfg.CameraKeepaliveSeconds)*time.Second {
		return
	}
	w.lastKeepalive = time.Now()
	keepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.mqtt.TryStartCamera(keepCtx); err != nil {
		w.logger.Debug("camera keepalive failed", servicelog.Error(err))
	}
}

// ledAutoControlTick implements spec.md §4.5 step 9: keep the LED on
// while the printer is not idle, and turn it off after it has been idle
// continuously for the configured timeout.
func (w *Worker) ledAutoControlTick(ctx context.Context, cfg config.PrinterConfig, now time.Time) {
	if !cfg.LedAutoControl || w.mqtt == nil || !w.mqtt.IsConnected() {
		return
	}
	w.mu.Lock()
	idle := isIdlePrinterState(w.status.PrinterState)
	ledOn := w.status.LedOn
	if !idle {
		w.ledOnSince = now
	}
	idleSince := w.ledOnSince
	w.mu.Unlock()

	ledCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if !idle {
		if !ledOn {
			w.mqtt.SetLed(ledCtx, true)
		}
		return
	}
	if ledOn && !idleSince.IsZero() && now.Sub(idleSince) >= time.Duration(cfg.StandbyLedTimeoutMinutes)*time.Minute {
		w.mqtt.SetLed(ledCtx, false)
	}
}

// isIdlePrinterState matches spec.md §4.5 step 9's idle set exactly:
// free, standby, ready. Comparison is case-insensitive since firmware
// reports printer state with inconsistent casing.
func isIdlePrinterState(state string) bool {
	switch strings.ToLower(state) {
	case "free", "standby", "ready":
		return true
	default:
		return false
	}
}

type statusProviderFunc func() WorkerStatus

func (f statusProviderFunc) Status() mjpegserver.StatusSnapshot {
	s := f()
	return mjpegserver.StatusSnapshot{
		State:           string(s.State),
		CameraRunning:   s.StreamRunning,
		SubscriberCount: s.TotalClients,
		LastError:       s.LastError,
	}
}

func (w *Worker) onModelCodeDetected(modelCode, deviceType string) {
	w.mu.Lock()
	w.cfg.ModelCode = modelCode
	if deviceType != "" {
		w.cfg.DeviceType = deviceType
	}
	w.status.ModelCode = modelCode
	w.mu.Unlock()
}

func (w *Worker) onLedStatusReceived(on bool) {
	w.mu.Lock()
	w.status.LedOn = on
	if on && w.ledOnSince.IsZero() {
		w.ledOnSince = time.Now()
	}
	if !on {
		w.ledOnSince = time.Time{}
	}
	w.mu.Unlock()
}

func (w *Worker) onPrinterStateReceived(state string, cameraRunning bool, jobName string, progressPct int) {
	w.mu.Lock()
	w.status.PrinterState = state
	w.status.StreamRunning = cameraRunning
	w.mu.Unlock()
}

func (w *Worker) onCameraStopDetected() {
	// spec.md §4.5 step 7: wait 500ms then re-issue start, without
	// touching any other state.
	go func() {
		time.Sleep(500 * time.Millisecond)
		if w.mqtt != nil && w.mqtt.IsConnected() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.mqtt.TryStartCamera(ctx); err != nil {
				w.logger.Warn("camera restart after external stop failed", servicelog.Error(err))
			}
		}
	}()
}

var _ backoff.BackOff = (*reachabilityBackOff)(nil)

// atomicTime is a mutex-guarded time.Time, small enough not to warrant
// sync/atomic.Value's interface-boxing and simpler to reason about for
// the "zero value means unset" case used by the stall detector above.
type atomicTime struct {
	mu  sync.Mutex
	t   time.Time
	set bool
}

func (a *atomicTime) Set(t time.Time) {
	a.mu.Lock()
	a.t, a.set = t, true
	a.mu.Unlock()
}

func (a *atomicTime) Clear() {
	a.mu.Lock()
	a.set = false
	a.mu.Unlock()
}

func (a *atomicTime) Get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

func (a *atomicTime) GetOK() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t, a.set
}
