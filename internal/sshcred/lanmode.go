package sshcred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// lanModeRemotePort is the TCP port the vendor app's local print-status
// service listens on, reached only via an SSH-forwarded connection
// (placeholder per the same Open-Question note as the remote file
// paths in sshcred.go).
const lanModeRemotePort = "127.0.0.1:17881"

const lanModePollTimeout = 60 * time.Second

// LanModeService queries and opens "LAN mode" printing (local print
// control without the cloud app) over an SSH tunnel, per spec.md §4.4.
type LanModeService struct {
	client *ssh.Client
}

func NewLanModeService(client *ssh.Client) *LanModeService {
	return &LanModeService{client: client}
}

type lanModeRequest struct {
	Action string `json:"action"`
}

type lanModeResponse struct {
	Status     string `json:"status"`
	JobName    string `json:"jobName,omitempty"`
	ProgressPc int    `json:"progressPercent,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *LanModeService) roundTrip(ctx context.Context, req lanModeRequest) (lanModeResponse, error) {
	conn, err := s.client.Dial("tcp", lanModeRemotePort)
	if err != nil {
		return lanModeResponse{}, fmt.Errorf("dialing lan-mode service: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return lanModeResponse{}, err
	}

	dec := json.NewDecoder(conn)
	var resp lanModeResponse
	if err := dec.Decode(&resp); err != nil && err != io.EOF {
		return lanModeResponse{}, err
	}
	return resp, nil
}

// QueryLanPrintStatus asks the printer's local service for the current
// print job's status.
func (s *LanModeService) QueryLanPrintStatus(ctx context.Context) (jobName string, progressPercent int, status string, err error) {
	resp, err := s.roundTrip(ctx, lanModeRequest{Action: "status"})
	if err != nil {
		return "", 0, "", err
	}
	if resp.Error != "" {
		return "", 0, "", fmt.Errorf("lan-mode status error: %s", resp.Error)
	}
	return resp.JobName, resp.ProgressPc, resp.Status, nil
}

// OpenLanPrint enables local print control, polling up to
// lanModePollTimeout for confirmation (spec.md §4.4).
func (s *LanModeService) OpenLanPrint(ctx context.Context) error {
	deadline := time.Now().Add(lanModePollTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	resp, err := s.roundTrip(ctx, lanModeRequest{Action: "enable"})
	if err != nil {
		return err
	}
	if resp.Status == "enabled" {
		return nil
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		resp, err := s.roundTrip(ctx, lanModeRequest{Action: "status"})
		if err != nil {
			continue
		}
		if resp.Status == "enabled" {
			return nil
		}
	}
	return fmt.Errorf("lan-mode did not report enabled within %s", lanModePollTimeout)
}
