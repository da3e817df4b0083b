// Package sshcred bootstraps a printer's MQTT credentials and identity
// over SSH (C4), and queries/opens "LAN mode" printing over an
// SSH-tunneled TCP channel. Anycubic firmware does not expose these over
// MQTT or HTTP; SSH access (shipped disabled, enabled through the
// vendor app) is the only documented route, per spec.md §4.4.
//
// Each exchange is a single attempt bounded by dialTimeout and the
// caller's context; this package does not retry. See DESIGN.md for the
// dependency note on golang.org/x/crypto/ssh.
package sshcred

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/warpcomdev/camproxy/internal/servicelog"
)

const dialTimeout = 10 * time.Second

// Remote paths are an Open Question decision (SPEC_FULL.md §C4): the
// real firmware layout must be confirmed against a device; these are
// placeholders isolated here so only this file needs to change later.
const (
	remoteMQTTCredentialsPath = "/userdata/app/gk/config/mqtt_credentials.json"
	remotePrinterInfoPath     = "/userdata/app/gk/config/device_info.json"
)

// CredentialService retrieves bootstrap secrets over SSH.
type CredentialService struct {
	logger servicelog.Logger
}

func NewCredentialService(logger servicelog.Logger) *CredentialService {
	return &CredentialService{logger: logger}
}

// DialClient opens a short-lived SSH client, for callers (the
// LanModeService constructor) that need the connection itself rather
// than one of CredentialService's higher-level operations.
func DialClient(ctx context.Context, ip string, port int, user, password string) (*ssh.Client, error) {
	return dial(ctx, ip, port, user, password)
}

func dial(ctx context.Context, ip string, port int, user, password string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	addr := fmt.Sprintf("%s:%d", ip, port)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func runCommand(client *ssh.Client, cmd string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run(cmd); err != nil {
		return nil, fmt.Errorf("running %q: %w", cmd, err)
	}
	return out.Bytes(), nil
}

// mqttCredentialsFile is the on-device JSON the vendor app reads to
// configure its own MQTT client.
type mqttCredentialsFile struct {
	Username string `json:"mqttUser"`
	Password string `json:"mqttPassword"`
}

// RetrieveCredentials opens an SSH session and reads back the printer's
// MQTT username/password (spec.md §4.4, §4.5 step 1).
func (s *CredentialService) RetrieveCredentials(ctx context.Context, ip string, port int, user, password string) (mqttUser, mqttPassword string, err error) {
	client, err := dial(ctx, ip, port, user, password)
	if err != nil {
		return "", "", err
	}
	defer client.Close()

	data, err := runCommand(client, "cat "+remoteMQTTCredentialsPath)
	if err != nil {
		return "", "", err
	}
	var creds mqttCredentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("parsing mqtt credentials: %w", err)
	}
	if creds.Username == "" || creds.Password == "" {
		return "", "", fmt.Errorf("empty mqtt credentials retrieved from %s", ip)
	}
	return creds.Username, creds.Password, nil
}

// printerInfoFile is the on-device identity record.
type printerInfoFile struct {
	DeviceID   string `json:"deviceId"`
	ModelCode  string `json:"modelCode"`
	DeviceType string `json:"deviceType"`
}

// RetrievePrinterInfo reads the printer's device identity over SSH,
// used when MQTT model detection (mqttcontroller.WaitForModelDetection)
// cannot be relied on at bootstrap time.
func (s *CredentialService) RetrievePrinterInfo(ctx context.Context, ip string, port int, user, password string) (deviceID, modelCode, deviceType string, err error) {
	client, err := dial(ctx, ip, port, user, password)
	if err != nil {
		return "", "", "", err
	}
	defer client.Close()

	data, err := runCommand(client, "cat "+remotePrinterInfoPath)
	if err != nil {
		return "", "", "", err
	}
	var info printerInfoFile
	if err := json.Unmarshal(data, &info); err != nil {
		return "", "", "", fmt.Errorf("parsing printer info: %w", err)
	}
	return info.DeviceID, info.ModelCode, info.DeviceType, nil
}
