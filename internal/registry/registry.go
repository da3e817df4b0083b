// Package registry implements PrinterRegistry (C6): the single
// serialization point for adding, modifying, deleting, pausing and
// resuming printers, each backed by one internal/worker.Worker. All
// mutating operations run under one mutex, mirroring a "one process,
// one camera, no concurrent reconfiguration" simplicity, generalized to
// many printers.
package registry

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/servicelog"
	"github.com/warpcomdev/camproxy/internal/sshcred"
	"github.com/warpcomdev/camproxy/internal/worker"
)

// Registry owns one worker per configured printer.
type Registry struct {
	store  *config.Store
	creds  *sshcred.CredentialService
	logger servicelog.Logger

	mu      sync.Mutex
	workers map[string]*worker.Worker
}

func New(store *config.Store, creds *sshcred.CredentialService, logger servicelog.Logger) *Registry {
	return &Registry{
		store:   store,
		creds:   creds,
		logger:  logger,
		workers: make(map[string]*worker.Worker),
	}
}

// Start launches a worker for every printer currently in the config
// document. Call once at daemon startup.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.store.Snapshot()
	for _, p := range doc.Printers {
		r.startLocked(ctx, p)
	}
}

func (r *Registry) startLocked(ctx context.Context, p config.PrinterConfig) {
	w := worker.New(&credentialStoreAdapter{store: r.store, name: p.Name}, r.creds, r.logger, p).WithStateDir(r.store.Dir())
	r.workers[p.Name] = w
	w.Start(ctx)
}

// Shutdown stops every worker, issuing each printer's configured clean
// stop command (spec.md §4.5 step 11).
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	workers := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop(ctx)
		}(w)
	}
	wg.Wait()
}

// List returns a masked snapshot of every printer's config, for the
// IPC ListPrinters/GetPrinterConfig commands (spec.md §6).
func (r *Registry) List() []config.PrinterConfig {
	doc := r.store.Snapshot()
	out := make([]config.PrinterConfig, len(doc.Printers))
	for i, p := range doc.Printers {
		out[i] = p.Mask()
	}
	return out
}

// Status returns the live WorkerStatus for a named printer.
func (r *Registry) Status(name string) (worker.WorkerStatus, bool) {
	r.mu.Lock()
	w, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return worker.WorkerStatus{}, false
	}
	return w.Status(), true
}

// AddPrinter validates uniqueness of name and MJPEG port, persists the
// new printer, and starts its worker (spec.md §4.6 invariant 1).
func (r *Registry) AddPrinter(ctx context.Context, cfg config.PrinterConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := cfg.Check(); err != nil {
		return err
	}

	doc := r.store.Snapshot()
	if doc.NameInUse(cfg.Name) {
		return fmt.Errorf("printer %q already exists", cfg.Name)
	}
	if doc.PortInUse(cfg.MjpegPort, "") {
		return fmt.Errorf("MJPEG port %d is already in use", cfg.MjpegPort)
	}
	if cfg.CameraEnabled {
		if err := checkPortAvailable(cfg.MjpegPort); err != nil {
			return fmt.Errorf("mjpegPort %d is not bindable: %w", cfg.MjpegPort, err)
		}
	}

	doc.Printers = append(doc.Printers, cfg)
	if err := r.store.Replace(doc); err != nil {
		return err
	}

	r.startLocked(ctx, cfg)
	return nil
}

// DeletePrinter stops the worker and removes the printer from the
// config document.
func (r *Registry) DeletePrinter(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.store.Snapshot()
	idx := doc.IndexByName(name)
	if idx < 0 {
		return fmt.Errorf("printer %q not found", name)
	}
	doc.Printers = append(doc.Printers[:idx], doc.Printers[idx+1:]...)
	if err := r.store.Replace(doc); err != nil {
		return err
	}

	if w, ok := r.workers[name]; ok {
		w.Stop(ctx)
		delete(r.workers, name)
	}
	return nil
}

// ModifyPrinter applies mutate to the stored config for name, persists
// it, and restarts the printer's worker if any field that requires a
// restart changed (port, address, credentials); otherwise feeds the new
// config to the live worker via Reconfigure (spec.md §4.6).
func (r *Registry) ModifyPrinter(ctx context.Context, name string, mutate func(*config.PrinterConfig)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.store.Snapshot()
	idx := doc.IndexByName(name)
	if idx < 0 {
		return fmt.Errorf("printer %q not found", name)
	}

	before := doc.Printers[idx]
	after := before
	mutate(&after)
	after.Name = before.Name // identity is immutable via Modify; use Delete+Add to rename
	if err := after.Check(); err != nil {
		return err
	}
	if after.MjpegPort != before.MjpegPort {
		if doc.PortInUse(after.MjpegPort, name) {
			return fmt.Errorf("MJPEG port %d is already in use", after.MjpegPort)
		}
		if after.CameraEnabled {
			if err := checkPortAvailable(after.MjpegPort); err != nil {
				return fmt.Errorf("mjpegPort %d is not bindable: %w", after.MjpegPort, err)
			}
		}
	}

	doc.Printers[idx] = after
	if err := r.store.Replace(doc); err != nil {
		return err
	}

	needsRestart := after.IP != before.IP || after.MjpegPort != before.MjpegPort ||
		after.SSHUser != before.SSHUser || after.SSHPassword != before.SSHPassword ||
		after.CameraEnabled != before.CameraEnabled

	w, ok := r.workers[name]
	if !ok {
		r.startLocked(ctx, after)
		return nil
	}
	if needsRestart {
		w.Stop(ctx)
		r.startLocked(ctx, after)
		return nil
	}
	w.Reconfigure(after)
	return nil
}

// PausePrinter and ResumePrinter implement spec.md §4.6's manual
// pause/resume: pausing tears the worker's session down without
// removing the printer from the config document.
func (r *Registry) PausePrinter(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("printer %q not found", name)
	}
	w.Pause()
	return nil
}

func (r *Registry) ResumePrinter(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("printer %q not found", name)
	}
	w.Resume(ctx)
	return nil
}

// QueryLedStatus and SetLed proxy to the named printer's worker, for
// the IPC server's GetLedStatus/SetLed commands.
func (r *Registry) QueryLedStatus(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	w, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("printer %q not found", name)
	}
	return w.QueryLedStatus(ctx)
}

func (r *Registry) SetLed(ctx context.Context, name string, on bool) error {
	r.mu.Lock()
	w, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("printer %q not found", name)
	}
	return w.SetLed(ctx, on)
}

// ReloadConfig is wired to config.Store.Watch: when the on-disk config
// changes externally (hand-edited while the daemon runs), restart every
// worker so the new document takes effect uniformly (spec.md §4.6 -
// "changing listen interfaces requires a restart of all printer
// listeners").
func (r *Registry) ReloadConfig(ctx context.Context, doc config.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("reloading config from disk, restarting all printer workers")
	for name, w := range r.workers {
		w.Stop(ctx)
		delete(r.workers, name)
	}
	for _, p := range doc.Printers {
		r.startLocked(ctx, p)
	}
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

// credentialStoreAdapter adapts the single-document config.Store to the
// per-printer worker.CredentialStore interface.
type credentialStoreAdapter struct {
	store *config.Store
	name  string
}

func (a *credentialStoreAdapter) Snapshot() config.PrinterConfig {
	doc := a.store.Snapshot()
	if idx := doc.IndexByName(a.name); idx >= 0 {
		return doc.Printers[idx]
	}
	return config.PrinterConfig{Name: a.name}
}

func (a *credentialStoreAdapter) Save(cfg config.PrinterConfig) error {
	doc := a.store.Snapshot()
	idx := doc.IndexByName(a.name)
	if idx < 0 {
		return fmt.Errorf("printer %q not found while saving credentials", a.name)
	}
	doc.Printers[idx] = cfg
	return a.store.Replace(doc)
}
