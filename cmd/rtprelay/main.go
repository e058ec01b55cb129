package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/rtprelay/internal/accounting"
	"github.com/flowpbx/rtprelay/internal/config"
	"github.com/flowpbx/rtprelay/internal/control"
	"github.com/flowpbx/rtprelay/internal/metrics"
	"github.com/flowpbx/rtprelay/internal/relay"
	"github.com/flowpbx/rtprelay/internal/status"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ShowVersion {
		printCapabilities()
		os.Exit(0)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting rtprelay",
		"control", cfg.ControlSpec,
		"port_min", cfg.PortMin,
		"port_max", cfg.PortMax,
		"bridging", cfg.Bridging,
		"pid", os.Getpid(),
	)

	if cfg.NoFilesLimit > 0 {
		lim := syscall.Rlimit{
			Cur: uint64(cfg.NoFilesLimit),
			Max: uint64(cfg.NoFilesLimit),
		}
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
			fmt.Fprintf(os.Stderr, "error: setrlimit: %v\n", err)
			os.Exit(1)
		}
	}

	// Session accounting store, when configured.
	var sink relay.SessionSink
	var store *accounting.Store
	if cfg.AccountingDSN != "" {
		store, err = accounting.Open(cfg.AccountingDSN, logger)
		if err != nil {
			slog.Error("failed to open accounting store", "error", err)
			os.Exit(1)
		}
		sink = store
	}

	engine := relay.New(cfg.RelayOptions(logger, sink))

	ctl, err := control.Listen(cfg.ControlSpec, engine, logger)
	if err != nil {
		slog.Error("failed to open control channel", "error", err)
		os.Exit(1)
	}
	go ctl.Serve()

	writePIDFile(cfg.PIDFile)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Recording retention sweep over the directory recordings land in.
	recDir := cfg.RecordDir
	if cfg.SpoolDir != "" {
		recDir = cfg.SpoolDir
	}
	accounting.StartRecordingCleanup(appCtx, recDir, cfg.RecordingMaxAge, logger)

	// Optional operator HTTP surface.
	if cfg.HTTPAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewCollector(engine, engine.StartTime()))
		handler := status.NewHandler(engine, registry, logger)
		status.Serve(cfg.HTTPAddr, handler, logger)
	}

	// Any fatal signal exits immediately; outstanding sessions are not
	// drained and the session table is left untouched. The exit hook only
	// removes the control socket and the PID file.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit,
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM,
		syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGVTALRM, syscall.SIGPROF,
		syscall.SIGXCPU, syscall.SIGXFSZ,
	)
	signal.Ignore(syscall.SIGPIPE)

	sig := <-quit
	slog.Info("got signal", "signal", sig.String())

	ctl.Close()
	os.Remove(cfg.PIDFile)

	slog.Info("rtprelay ended")
}

// printCapabilities lists the base protocol version and every supported
// extension datestamp, then the caller exits.
func printCapabilities() {
	fmt.Printf("Basic version: %d\n", relay.BaseProtocolVersion)
	for _, c := range relay.ProtocolCapabilities[1:] {
		fmt.Printf("Extension %s: %s\n", c.ID, c.Description)
	}
}

// writePIDFile records the daemon PID; failure is logged, not fatal.
func writePIDFile(path string) {
	if path == "" {
		return
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		slog.Error("can't open pidfile for writing", "path", path, "error", err)
	}
}
