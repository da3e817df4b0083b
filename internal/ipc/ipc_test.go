package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/servicelog"
	"github.com/warpcomdev/camproxy/internal/worker"
)

type fakeRegistry struct {
	printers []config.PrinterConfig
	statuses map[string]worker.WorkerStatus
	added    []config.PrinterConfig
}

func (f *fakeRegistry) List() []config.PrinterConfig { return f.printers }
func (f *fakeRegistry) Status(name string) (worker.WorkerStatus, bool) {
	st, ok := f.statuses[name]
	return st, ok
}
func (f *fakeRegistry) AddPrinter(ctx context.Context, cfg config.PrinterConfig) error {
	f.added = append(f.added, cfg)
	return nil
}
func (f *fakeRegistry) DeletePrinter(ctx context.Context, name string) error { return nil }
func (f *fakeRegistry) ModifyPrinter(ctx context.Context, name string, mutate func(*config.PrinterConfig)) error {
	return nil
}
func (f *fakeRegistry) PausePrinter(name string) error                       { return nil }
func (f *fakeRegistry) ResumePrinter(ctx context.Context, name string) error { return nil }
func (f *fakeRegistry) QueryLedStatus(ctx context.Context, name string) (bool, error) {
	return true, nil
}
func (f *fakeRegistry) SetLed(ctx context.Context, name string, on bool) error { return nil }

type fakeDaemon struct {
	shutdownRequested bool
}

func (f *fakeDaemon) Version() string              { return "test" }
func (f *fakeDaemon) StartedAt() time.Time         { return time.Now().Add(-time.Minute) }
func (f *fakeDaemon) ListenInterfaces() []string   { return []string{"0.0.0.0"} }
func (f *fakeDaemon) RequestShutdown()             { f.shutdownRequested = true }

func newTestServer(t *testing.T) (*Server, *fakeRegistry, *fakeDaemon) {
	t.Helper()
	reg := &fakeRegistry{statuses: map[string]worker.WorkerStatus{}}
	daemon := &fakeDaemon{}
	socketPath := filepath.Join(t.TempDir(), "camproxy.sock")
	srv := New(socketPath, reg, daemon, servicelog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("starting ipc server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, reg, daemon
}

func roundTrip(t *testing.T, path string, cmd string, data interface{}) response {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dialing ipc socket: %v", err)
	}
	defer conn.Close()

	raw, _ := json.Marshal(data)
	req := request{Command: cmd, Data: raw}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	var resp response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		t.Fatalf("unmarshaling response: %v", err)
	}
	return resp
}

func TestGetStatusReturnsAggregateCounts(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	reg.printers = []config.PrinterConfig{{Name: "p1"}, {Name: "p2"}}
	reg.statuses["p1"] = worker.WorkerStatus{StreamRunning: true}
	reg.statuses["p2"] = worker.WorkerStatus{StreamRunning: false}

	resp := roundTrip(t, srv.path, "GetStatus", nil)
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
	m, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map data, got %T", resp.Data)
	}
	if m["printerCount"].(float64) != 2 {
		t.Fatalf("expected printerCount=2, got %v", m["printerCount"])
	}
	if m["activeStreamers"].(float64) != 1 || m["inactiveStreamers"].(float64) != 1 {
		t.Fatalf("expected one active and one inactive streamer, got %+v", m)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := roundTrip(t, srv.path, "DoesNotExist", nil)
	if resp.OK || resp.Error == "" {
		t.Fatalf("expected an error response for an unknown command, got %+v", resp)
	}
}

func TestAddPrinterForwardsToRegistry(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	cfg := config.PrinterConfig{Name: "new-printer", IP: "192.0.2.5", MjpegPort: 8123}

	resp := roundTrip(t, srv.path, "AddPrinter", cfg)
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
	if len(reg.added) != 1 || reg.added[0].Name != "new-printer" {
		t.Fatalf("expected AddPrinter to reach the registry, got %+v", reg.added)
	}
}

func TestStopServiceRequestsDaemonShutdown(t *testing.T) {
	srv, _, daemon := newTestServer(t)
	resp := roundTrip(t, srv.path, "StopService", nil)
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
	if !daemon.shutdownRequested {
		t.Fatal("expected StopService to request daemon shutdown")
	}
}
