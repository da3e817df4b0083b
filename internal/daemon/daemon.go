// Package daemon assembles the camproxyd root process (C9): config
// store, printer registry, metrics/IPC servers and the config-file
// watcher, wired together and torn down in the same bind/serve/shutdown
// shape used for single-process camera services, generalized from one
// fixed camera pipeline and an http.Server to a dynamic set of printer
// workers plus a unix-socket management API.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/ipc"
	"github.com/warpcomdev/camproxy/internal/metrics"
	"github.com/warpcomdev/camproxy/internal/registry"
	"github.com/warpcomdev/camproxy/internal/servicelog"
	"github.com/warpcomdev/camproxy/internal/sshcred"
)

// Version is set at build time via -ldflags "-X .../internal/daemon.Version=...".
var Version = "dev"

// Options configures one daemon instance. ConfigPath, IpcSocketPath and
// Logger are required; MetricsAddr and ShutdownSignal are optional.
type Options struct {
	ConfigPath     string
	IpcSocketPath  string
	MetricsAddr    string // empty disables the metrics HTTP listener
	Logger         servicelog.Logger
	ShutdownSignal <-chan struct{} // optional external trigger (e.g. SIGTERM relay)
}

// Daemon owns every long-lived subsystem and the goroutines shuttling
// between them.
type Daemon struct {
	opts Options

	store    *config.Store
	registry *registry.Registry
	ipcSrv   *ipc.Server
	metrics  *http.Server

	startedAt time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Run builds, starts, and blocks on a Daemon until ctx is cancelled or a
// shutdown is requested (via IPC StopService or opts.ShutdownSignal),
// then stops the IPC server, the metrics listener and, last, the
// registry's workers. It returns
// nil on a clean shutdown and a non-nil error on any fatal
// initialization failure (spec.md §6: exit code 1).
func Run(ctx context.Context, opts Options) error {
	d, err := newDaemon(opts)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func newDaemon(opts Options) (*Daemon, error) {
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("daemon: ConfigPath is required")
	}
	if opts.IpcSocketPath == "" {
		return nil, fmt.Errorf("daemon: IpcSocketPath is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("daemon: Logger is required")
	}

	cipher, err := config.NewCipher()
	if err != nil {
		return nil, fmt.Errorf("deriving config cipher: %w", err)
	}
	store, err := config.Open(opts.ConfigPath, cipher, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening config store: %w", err)
	}

	creds := sshcred.NewCredentialService(opts.Logger)
	reg := registry.New(store, creds, opts.Logger)

	d := &Daemon{
		opts:       opts,
		store:      store,
		registry:   reg,
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
	}
	d.ipcSrv = ipc.New(opts.IpcSocketPath, reg, d, opts.Logger)
	return d, nil
}

func (d *Daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := d.opts.Logger
	d.registry.Start(ctx)

	if err := d.ipcSrv.Start(); err != nil {
		return fmt.Errorf("starting ipc server: %w", err)
	}

	if d.opts.MetricsAddr != "" {
		metrics.Info.WithLabelValues(Version).Set(1)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metrics = &http.Server{
			Addr:           d.opts.MetricsAddr,
			Handler:        mux,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   7 * time.Second,
			MaxHeaderBytes: 1 << 20,
		}
		go func() {
			if err := d.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", servicelog.Error(err))
			}
		}()
		go d.pollMetrics(ctx)
	}

	notifyReady()

	watchErrCh := make(chan error, 1)
	go func() {
		watchErrCh <- d.store.Watch(ctx, func(doc config.Document) {
			d.registry.ReloadConfig(ctx, doc)
		})
	}()

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	case <-d.opts.ShutdownSignal:
	case err := <-watchErrCh:
		if err != nil {
			logger.Warn("config watcher stopped", servicelog.Error(err))
		}
	}

	logger.Info("shutting down")
	cancel()

	d.ipcSrv.Stop()
	if d.metrics != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.metrics.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	d.registry.Shutdown(stopCtx)

	return nil
}

// pollMetrics periodically refreshes the gauges that summarize registry
// state (printer count, active/inactive streamers), since nothing else
// pushes these on every mutation.
func (d *Daemon) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	d.refreshMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshMetrics()
		}
	}
}

func (d *Daemon) refreshMetrics() {
	printers := d.registry.List()
	metrics.PrinterCount.Set(float64(len(printers)))

	var active, inactive int
	for _, p := range printers {
		status, ok := d.registry.Status(p.Name)
		if ok && status.StreamRunning {
			active++
		} else {
			inactive++
		}
	}
	metrics.ActiveStreamers.Set(float64(active))
	metrics.InactiveStreamers.Set(float64(inactive))
}

// Version implements ipc.DaemonInfo.
func (d *Daemon) Version() string { return Version }

// StartedAt implements ipc.DaemonInfo.
func (d *Daemon) StartedAt() time.Time { return d.startedAt }

// ListenInterfaces implements ipc.DaemonInfo.
func (d *Daemon) ListenInterfaces() []string {
	return d.store.Snapshot().ListenInterfaces
}

// RequestShutdown implements ipc.DaemonInfo: the IPC StopService command
// calls this to unblock run's select loop.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// notifyReady sends the systemd readiness notification if NOTIFY_SOCKET
// is set. A three-line best-effort write; wrapping a dependency around
// this would outweigh what it replaces.
func notifyReady() {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte("READY=1"))
}
