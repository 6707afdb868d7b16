package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/axon-project/axond/internal/config"
	"github.com/axon-project/axond/internal/daemon"
	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/logger"
)

var (
	flagRoot       string
	flagQuicPort   int
	flagLogLevel   string
	flagAllowV1    bool
	flagMDNS       bool
	flagOpsEnabled bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the axond daemon loop until signaled",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagRoot, "root", "", "state directory (default $AXON_ROOT or $HOME/.axon)")
	serveCmd.Flags().IntVar(&flagQuicPort, "quic-port", 0, "QUIC listen port (0 = ephemeral)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "debug|info|warn|error")
	serveCmd.Flags().BoolVar(&flagAllowV1, "allow-v1-mode", true, "accept control clients that never send hello")
	serveCmd.Flags().BoolVar(&flagMDNS, "mdns", true, "enable link-local peer discovery")
	serveCmd.Flags().BoolVar(&flagOpsEnabled, "ops", false, "enable the operator HTTP endpoint (/ops/metrics, /ops/stream)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if flagRoot != "" {
		os.Setenv("AXON_ROOT", flagRoot)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("quic-port") {
		cfg.QuicPort = flagQuicPort
	}
	if cmd.Flags().Changed("allow-v1-mode") {
		cfg.AllowV1Mode = flagAllowV1
	}
	if cmd.Flags().Changed("mdns") {
		cfg.MDNSEnabled = flagMDNS
	}
	if cmd.Flags().Changed("ops") {
		cfg.OpsEnabled = flagOpsEnabled
	}

	log := logger.NewDefaultLogger()
	log.SetLevel(parseLevel(flagLogLevel))

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("daemon startup failed", logger.Error(err))
		return asExitError(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("axond starting", logger.String("root", cfg.Root))
	return d.Run(ctx)
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

// asExitError wraps a fatal startup error with its daemonerr.Code in the
// message; the process exit status is 1 whatever the code. Per spec.md §7,
// unreadable identity, invalid clock, and a failed control-socket bind are
// fatal at startup.
func asExitError(err error) error {
	return fmt.Errorf("fatal startup error (%s): %w", daemonerr.CodeOf(err), err)
}
