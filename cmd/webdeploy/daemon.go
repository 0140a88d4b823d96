package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"webdeploy/internal/daemon"
)

var shutdownTimeout time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Process queued deployments and serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running deployments on shutdown")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := daemon.NewDaemonService(cfg, log)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		log.Info("starting webdeploy daemon", map[string]any{"version": version})
		if err := svc.Start(); err != nil {
			log.Error("daemon start failed", err, nil)
		}
	}()

	sig := <-sigChan
	log.Info("received shutdown signal", map[string]any{
		"signal": sig.String(),
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info("daemon stopped successfully", nil)
	return nil
}
