package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/gateway"
	"github.com/drostlabs/drost/pkg/control"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (also the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()

	sup := gateway.New(cfg, gateway.Options{Logger: logger})
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		logger.Error("gateway.start_failed", "error", err)
		os.Exit(1)
	}

	// Exit 42 asks the wrapping process manager to relaunch us; the
	// supervisor exits on its own after an approved restart.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			resp := sup.RequestRestart(ctx, control.RestartRequest{Intent: "signal", Reason: "SIGHUP"})
			if !resp.OK {
				logger.Warn("gateway.signal_restart_blocked", "code", resp.Code)
			}
		default:
			logger.Info("gateway.shutting_down", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := sup.Stop(shutdownCtx)
			cancel()
			if err != nil {
				logger.Error("gateway.stop_failed", "error", err)
				os.Exit(1)
			}
			os.Exit(0)
		}
	}
}
