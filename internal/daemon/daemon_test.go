package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warpcomdev/camproxy/internal/servicelog"
)

func TestRunRejectsMissingOptions(t *testing.T) {
	dir := t.TempDir()
	cases := []Options{
		{IpcSocketPath: filepath.Join(dir, "a.sock"), Logger: servicelog.Nop()},
		{ConfigPath: filepath.Join(dir, "config.json"), Logger: servicelog.Nop()},
		{ConfigPath: filepath.Join(dir, "config.json"), IpcSocketPath: filepath.Join(dir, "a.sock")},
	}
	for i, opts := range cases {
		if err := Run(context.Background(), opts); err == nil {
			t.Fatalf("case %d: expected an error for incomplete Options", i)
		}
	}
}

func TestRunStartsAndStopsCleanlyOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "camproxyd.sock")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			ConfigPath:    filepath.Join(dir, "config.json"),
			IpcSocketPath: socketPath,
			Logger:        servicelog.Nop(),
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ipc socket to be created")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error on clean shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancellation")
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("expected ipc socket to be removed on shutdown, stat err = %v", err)
	}
}

func TestRequestShutdownUnblocksRun(t *testing.T) {
	dir := t.TempDir()
	d, err := newDaemon(Options{
		ConfigPath:    filepath.Join(dir, "config.json"),
		IpcSocketPath: filepath.Join(dir, "camproxyd.sock"),
		Logger:        servicelog.Nop(),
	})
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	d.RequestShutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run to return after RequestShutdown")
	}
}
