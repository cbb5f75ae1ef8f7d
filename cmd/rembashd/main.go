package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tflatt/rembashd"
	"github.com/tflatt/rembashd/internal/config"
	"github.com/tflatt/rembashd/internal/logging"
)

func main() {
	var (
		port             = flag.Int("port", config.Default().Port, "TCP port to listen on")
		workers          = flag.Int("workers", config.Default().Workers, "Fixed worker pool size")
		handshakeTimeout = flag.Duration("handshake-timeout", config.Default().HandshakeTimeout, "Time a client has to deliver the secret after connecting")
		shell            = flag.String("shell", "", "Shell executable to launch per session (default: $SHELL or /bin/sh)")
		verbose          = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg := config.Config{
		Port:             *port,
		Workers:          *workers,
		HandshakeTimeout: *handshakeTimeout,
		Shell:            *shell,
		Verbose:          *verbose,
	}

	logConfig := logging.DefaultConfig()
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	// A peer closing mid-write must surface as EPIPE, not kill the
	// process; child shells must not accumulate as zombies. Go has no
	// SIG_IGN equivalent for child reaping, so a dedicated handler
	// calls wait4 off the critical path instead.
	signal.Ignore(syscall.SIGPIPE)
	reapChildren(logger)

	server, err := rembashd.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	fmt.Printf("rembashd listening on port %d (workers=%d, handshake-timeout=%s)\n", cfg.Port, cfg.Workers, cfg.HandshakeTimeout)
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	case <-time.After(1 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}

	os.Exit(0)
}

// reapChildren starts a background handler that collects exited shell
// processes. PTY-spawned shells are children of this process; without
// an explicit wait, they would accumulate as zombies once the
// PTY/session cleanup in internal/shell closes the master side.
func reapChildren(logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGCHLD)
	go func() {
		for range sigCh {
			for {
				var status syscall.WaitStatus
				pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
				logger.Debug("reaped child", "pid", pid)
			}
		}
	}()
}
