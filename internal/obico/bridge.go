package obico

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/warpcomdev/camproxy/internal/clientcount"
	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

// reconnectRetryInterval and reconnectMaxAttempts implement spec.md
// §4.8's Moonraker reconnect policy: retry every 5s, up to 10 times,
// then fail the bridge back up to PrinterWorker.
const (
	reconnectRetryInterval = 5 * time.Second
	reconnectMaxAttempts   = 10
	janusRestartDelay      = 2 * time.Second
)

// Events lets ObicoBridge ask its owning PrinterWorker to take an action
// outside the bridge's own scope: issuing the native MQTT stop command
// so native and modified firmware stay in sync when Obico cancels a
// print (spec.md §4.8).
type Events struct {
	NativeStopRequested func(ctx context.Context) error
}

// Bridge is ObicoBridge (C7): it owns one printer's Moonraker session,
// its Obico cloud session, its Janus mountpoint, and the RTP/MJPEG
// streamer feeding it, reconciling print-state identity across restarts.
type Bridge struct {
	cfg       config.ObicoConfig
	printerIP string
	logger    servicelog.Logger
	hub       *frame.Hub
	events    Events
	statePath string
	clients   *clientcount.Counter

	moonraker *MoonrakerClient
	server    *ObicoServerClient
	janus     *JanusClient
	streamer  *Streamer

	mu             sync.Mutex
	online         bool
	remoteViewing  bool
	lastStatusSent      time.Time
	lastSnapshot        time.Time
	state               printState
	lastPrintStatsState string
}

// New builds a Bridge for one printer. statePath is where the
// {filename, timestamp} pair is persisted between daemon restarts.
// clients is the worker's shared client counter; external/janus viewer
// transitions are reported into it as they're observed.
func New(cfg config.ObicoConfig, printerIP string, hub *frame.Hub, logger servicelog.Logger, events Events, statePath string, clients *clientcount.Counter) *Bridge {
	return &Bridge{
		cfg:       cfg,
		printerIP: printerIP,
		logger:    logger,
		hub:       hub,
		events:    events,
		statePath: statePath,
		clients:   clients,
	}
}

// Run drives the bridge until ctx is cancelled or the Moonraker
// reconnect budget is exhausted. PrinterWorker calls this from its own
// streaming-phase goroutine; a returned error means ObicoBridge gave up
// and the printer continues streaming to the local MJPEG/HLS server
// without Obico integration until the next worker attempt.
func (b *Bridge) Run(ctx context.Context) error {
	if st, err := loadPrintState(b.statePath); err == nil {
		b.state = st
	} else {
		b.logger.Warn("loading persisted obico print state", servicelog.Error(err))
	}

	disconnected := make(chan struct{}, 1)

	b.moonraker = NewMoonrakerClient(fmt.Sprintf("ws://%s:7125", b.printerIP), b.logger)
	b.moonraker.OnObjectUpdate = b.onMoonrakerUpdate
	b.moonraker.OnDisconnect = func() {
		b.mu.Lock()
		b.online = false
		b.mu.Unlock()
		select {
		case disconnected <- struct{}{}:
		default:
		}
	}

	b.server = NewObicoServerClient(obicoWSURL(b.cfg.ServerURL), b.cfg.ServerURL, b.cfg.AuthToken, b.logger)
	b.server.OnPassthru = b.onPassthru
	b.server.OnRemoteViewingChanged = b.onRemoteViewingChanged

	if err := b.server.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to obico server: %w", err)
	}
	defer b.server.Close()
	defer b.onRemoteViewingChanged(false)

	if err := b.connectMoonrakerWithRetry(ctx); err != nil {
		return err
	}
	defer b.moonraker.Close()

	if err := b.startJanus(ctx); err != nil {
		b.logger.Warn("starting janus mountpoint", servicelog.Error(err))
	} else {
		defer b.janus.Destroy(context.Background())
		defer b.streamer.Close()
		go b.streamer.Run(ctx)
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-disconnected:
			b.logger.Warn("moonraker connection lost, reconnecting")
			if err := b.connectMoonrakerWithRetry(ctx); err != nil {
				return err
			}
			b.logger.Info("moonraker reconnected, restarting janus mountpoint")
			b.restartJanus(ctx)
		case <-ticker.C:
			b.maybePushStatus(ctx)
			b.maybeUploadSnapshot(ctx)
		}
	}
}

func obicoWSURL(serverURL string) string {
	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return strings.TrimRight(wsURL, "/") + "/ws/dev/"
}

// connectMoonrakerWithRetry implements the fixed 5s/10-attempt
// reconnection policy (spec.md §4.8). While disconnected the bridge
// marks the printer offline and suppresses status pushes.
func (b *Bridge) connectMoonrakerWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if err := b.moonraker.Connect(ctx); err != nil {
			lastErr = err
			b.logger.Warn("connecting to moonraker, will retry",
				servicelog.Int("attempt", attempt), servicelog.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectRetryInterval):
			}
			continue
		}
		b.mu.Lock()
		b.online = true
		b.mu.Unlock()
		return nil
	}
	return fmt.Errorf("moonraker unreachable after %d attempts: %w", reconnectMaxAttempts, lastErr)
}

func (b *Bridge) startJanus(ctx context.Context) error {
	b.janus = NewJanusClient(b.cfg.JanusServer, b.logger)
	if err := b.janus.Attach(ctx); err != nil {
		return err
	}
	mode := "mjpeg"
	if b.cfg.StreamMode == config.StreamModeH264 {
		mode = "h264"
	}
	mp, err := b.janus.CreateMountpoint(ctx, mode, 0)
	if err != nil {
		return err
	}
	streamer, err := NewStreamer(b.logger, b.hub, mode, b.cfg.JanusServer, mp.VideoPort, 1)
	if err != nil {
		return err
	}
	b.streamer = streamer
	return nil
}

// restartJanus tears down and re-negotiates the mountpoint after a
// Moonraker reconnect, waiting for the stabilization delay spec.md §4.8
// calls for before resuming the video relay.
func (b *Bridge) restartJanus(ctx context.Context) {
	if b.janus != nil {
		b.janus.Destroy(ctx)
	}
	if b.streamer != nil {
		b.streamer.Close()
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(janusRestartDelay):
	}
	if err := b.startJanus(ctx); err != nil {
		b.logger.Warn("restarting janus mountpoint after reconnect", servicelog.Error(err))
		return
	}
	go b.streamer.Run(ctx)
}

func (b *Bridge) onMoonrakerUpdate(status map[string]json.RawMessage, eventtime float64) {
	printStats, ok := status["print_stats"]
	if !ok {
		return
	}
	var ps struct {
		State         string  `json:"state"`
		Filename      string  `json:"filename"`
		PrintDuration float64 `json:"print_duration"`
	}
	if err := json.Unmarshal(printStats, &ps); err != nil {
		return
	}

	b.mu.Lock()
	previousState := b.lastPrintStatsState
	b.lastPrintStatsState = ps.State
	b.mu.Unlock()

	if ps.Filename != "" && ps.State == "printing" {
		b.reconcileFilename(ps.Filename, time.Duration(ps.PrintDuration*float64(time.Second)), eventtime)
	}

	if previousState == ps.State {
		return
	}
	kind, ok := printStatsEventKind(ps.State)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.PushEvent(ctx, kind, ps.Filename); err != nil {
		b.logger.Warn("pushing obico print event", servicelog.String("state", ps.State), servicelog.Error(err))
	}
}

func printStatsEventKind(state string) (EventKind, bool) {
	switch state {
	case "printing":
		return EventPrintStarted, true
	case "paused":
		return EventPaused, true
	case "complete":
		return EventDone, true
	case "cancelled":
		return EventCancelled, true
	case "error":
		return EventFailed, true
	default:
		return "", false
	}
}

// reconcileFilename resolves the print-state timestamp for a newly
// observed or still-ongoing print, fetching Moonraker's job history only
// when the persisted state can't be reused outright (spec.md §4.8).
func (b *Bridge) reconcileFilename(filename string, printDuration time.Duration, eventtime float64) {
	b.mu.Lock()
	saved := b.state
	b.mu.Unlock()

	if saved.Filename == filename && printDuration > 60*time.Second {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	raw, err := b.moonraker.GetJobHistory(ctx, 10)
	if err != nil {
		b.logger.Warn("fetching moonraker job history for print-state reconciliation", servicelog.Error(err))
		return
	}
	var parsed struct {
		Jobs []jobHistoryEntry `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		b.logger.Warn("decoding moonraker job history", servicelog.Error(err))
		return
	}

	resolved := reconcilePrintState(saved, filename, printDuration, parsed.Jobs, eventtime, time.Now())
	b.mu.Lock()
	b.persistState(resolved.Filename, resolved.Timestamp)
	b.mu.Unlock()
}

func (b *Bridge) onPassthru(cmd PassthruCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cmd.Func {
	case "cancel":
		b.handleCancel(ctx, cmd)
	case "pause":
		b.forwardMoonrakerCall(ctx, cmd, "printer.print.pause")
	case "resume":
		b.forwardMoonrakerCall(ctx, cmd, "printer.print.resume")
	default:
		b.logger.Warn("unhandled obico passthru command", servicelog.String("func", cmd.Func))
	}
}

// handleCancel implements spec.md §4.8's cancellation sync: Obico's
// cancel fires both a Moonraker cancel request and the native MQTT stop
// command, so the native firmware path stays consistent even if the
// Moonraker call errors.
func (b *Bridge) handleCancel(ctx context.Context, cmd PassthruCommand) {
	moonrakerErr := b.moonraker.CancelPrint(ctx)
	if moonrakerErr != nil {
		b.logger.Warn("moonraker cancel failed, still issuing native stop", servicelog.Error(moonrakerErr))
	}
	if b.events.NativeStopRequested != nil {
		if err := b.events.NativeStopRequested(ctx); err != nil {
			b.logger.Warn("native stop command failed during obico cancel sync", servicelog.Error(err))
		}
	}
	result := "ok"
	if moonrakerErr != nil {
		result = moonrakerErr.Error()
	}
	if err := b.server.SendPassthruResult(ctx, cmd.ID, result); err != nil {
		b.logger.Warn("acking obico cancel passthru", servicelog.Error(err))
	}
}

func (b *Bridge) forwardMoonrakerCall(ctx context.Context, cmd PassthruCommand, method string) {
	_, err := b.moonraker.call(ctx, method, nil)
	result := "ok"
	if err != nil {
		result = err.Error()
	}
	if sendErr := b.server.SendPassthruResult(ctx, cmd.ID, result); sendErr != nil {
		b.logger.Warn("acking obico passthru", servicelog.String("func", cmd.Func), servicelog.Error(sendErr))
	}
}

func (b *Bridge) onRemoteViewingChanged(viewing bool) {
	b.mu.Lock()
	was := b.remoteViewing
	b.remoteViewing = viewing
	b.mu.Unlock()
	if viewing == was || b.clients == nil {
		return
	}
	if viewing {
		b.clients.Inc(clientcount.Janus)
	} else {
		b.clients.Dec(clientcount.Janus)
	}
}

func (b *Bridge) maybePushStatus(ctx context.Context) {
	b.mu.Lock()
	online := b.online
	b.mu.Unlock()
	if !online {
		return
	}
	if err := b.server.PostStatus(ctx, map[string]interface{}{"online": online}); err != nil {
		b.logger.Warn("pushing obico status", servicelog.Error(err))
		return
	}
	b.mu.Lock()
	b.lastStatusSent = time.Now()
	b.mu.Unlock()
}

// PushEvent reports a print lifecycle transition immediately, bypassing
// the routine status throttle (spec.md §4.8); onMoonrakerUpdate calls it
// on each print_stats state change.
func (b *Bridge) PushEvent(ctx context.Context, kind EventKind, jobName string) error {
	return b.server.PostEvent(ctx, kind, map[string]interface{}{"job_name": jobName})
}

func (b *Bridge) maybeUploadSnapshot(ctx context.Context) {
	if !b.cfg.SnapshotsEnabled {
		return
	}
	b.mu.Lock()
	viewing := b.remoteViewing
	last := b.lastSnapshot
	b.mu.Unlock()

	tier := TierCloudFree
	if b.cfg.IsPro {
		tier = TierCloudPro
	}
	interval := snapshotInterval(tier, viewing, 10)
	if time.Since(last) < interval {
		return
	}

	jpeg, ok := b.hub.LatestJpeg()
	if !ok {
		return
	}
	if err := b.server.UploadSnapshot(ctx, jpeg.Data); err != nil {
		b.logger.Warn("uploading obico snapshot", servicelog.Error(err))
		return
	}
	b.mu.Lock()
	b.lastSnapshot = time.Now()
	b.mu.Unlock()
}

func (b *Bridge) persistState(filename string, ts int64) {
	b.state = printState{Filename: filename, Timestamp: ts}
	if err := savePrintState(b.statePath, b.state); err != nil {
		b.logger.Warn("persisting obico print state", servicelog.Error(err))
	}
}

// DefaultStatePath places the persisted print-state file alongside the
// daemon's config, namespaced by printer name.
func DefaultStatePath(configDir, printerName string) string {
	return filepath.Join(configDir, fmt.Sprintf("obico-state-%s.json", printerName))
}
