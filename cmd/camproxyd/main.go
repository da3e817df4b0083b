package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/warpcomdev/camproxy/internal/daemon"
	"github.com/warpcomdev/camproxy/internal/servicelog"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on a clean shutdown, 1 on any
// fatal initialization error (spec.md §6).
func run() int {
	configPath := flag.String("config", "/etc/camproxyd/config.json", "path to the encrypted config document")
	socketPath := flag.String("socket", "/run/camproxyd/camproxyd.sock", "path to the IPC unix socket")
	metricsAddr := flag.String("metrics-addr", ":9090", "address for the Prometheus /metrics endpoint; empty disables it")
	logFile := flag.String("log-file", "", "rotating log file path; empty logs to stdout only")
	verbose := flag.Bool("verbose", os.Getenv("ACPROXYCAM_VERBOSE") == "1", "enable debug-level logging")
	flag.Parse()

	logger, err := servicelog.New(servicelog.Options{
		Debug:   *verbose,
		LogFile: *logFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "camproxyd: can't initialize logger: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = daemon.Run(ctx, daemon.Options{
		ConfigPath:    *configPath,
		IpcSocketPath: *socketPath,
		MetricsAddr:   *metricsAddr,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("fatal error", servicelog.Error(err))
		return 1
	}
	return 0
}
