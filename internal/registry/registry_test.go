package registry

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/servicelog"
	"github.com/warpcomdev/camproxy/internal/sshcred"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cipher := config.NewCipherFromMachineID("test-machine")
	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"), cipher, servicelog.Nop())
	if err != nil {
		t.Fatalf("opening config store: %v", err)
	}
	return New(store, sshcred.NewCredentialService(servicelog.Nop()), servicelog.Nop())
}

func samplePrinter(name string, port int) config.PrinterConfig {
	return config.PrinterConfig{
		Name:      name,
		IP:        "192.0.2.10",
		MjpegPort: port,
		SSHUser:   "root",
	}
}

func TestAddPrinterRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry(t)
	doc := r.store.Snapshot()
	doc.Printers = append(doc.Printers, samplePrinter("printer-a", 9001))
	if err := r.store.Replace(doc); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	err := r.AddPrinter(context.Background(), samplePrinter("printer-a", 9002))
	if err == nil {
		t.Fatal("expected an error adding a duplicate printer name")
	}
}

func TestAddPrinterRejectsDuplicatePort(t *testing.T) {
	r := newTestRegistry(t)
	doc := r.store.Snapshot()
	doc.Printers = append(doc.Printers, samplePrinter("printer-a", 9001))
	if err := r.store.Replace(doc); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	err := r.AddPrinter(context.Background(), samplePrinter("printer-b", 9001))
	if err == nil {
		t.Fatal("expected an error adding a printer with an already-used mjpegPort")
	}
}

func TestCheckPortAvailableDetectsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if err := checkPortAvailable(port); err == nil {
		t.Fatal("expected checkPortAvailable to fail on an already-bound port")
	}
}

func TestDeletePrinterRejectsUnknownName(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.DeletePrinter(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error deleting an unknown printer")
	}
}

func TestModifyPrinterRejectsUnknownName(t *testing.T) {
	r := newTestRegistry(t)
	err := r.ModifyPrinter(context.Background(), "does-not-exist", func(p *config.PrinterConfig) {})
	if err == nil {
		t.Fatal("expected an error modifying an unknown printer")
	}
}
