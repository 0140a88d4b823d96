package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"webdeploy/internal/app"
	"webdeploy/pkg/config"
	"webdeploy/pkg/logger"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "webdeploy",
	Short: "Deploy compiled web applications over SFTP or S3",
	Long: `webdeploy builds a project, uploads its artifacts to a remote server and
reconciles the remote directory against the local output.

Deployments run directly with "run" or through the queue served by "daemon".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(historyCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("WEBDEPLOY_CONFIG"); p != "" {
		return p
	}
	return "/etc/webdeploy/config.toml"
}

// loadConfig reads the config file and applies its log level to the
// default logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.Default()
	if err := app.ApplyLogLevel(cfg, log); err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
