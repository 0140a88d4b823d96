package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"webdeploy/pkg/queue"
)

var (
	publishSkipBuild   bool
	publishMaintenance bool
)

var publishCmd = &cobra.Command{
	Use:   "publish <profile>",
	Short: "Enqueue a deployment for the daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

func init() {
	publishCmd.Flags().BoolVar(&publishSkipBuild, "skip-build", false, "deploy the existing output directory without building")
	publishCmd.Flags().BoolVar(&publishMaintenance, "maintenance", false, "take the site offline during the upload (overrides the profile)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	publisher := queue.NewPublisher(cfg, log)
	defer publisher.Close()

	payload := queue.DeployPayload{
		Profile:   args[0],
		SkipBuild: publishSkipBuild,
	}
	if cmd.Flags().Changed("maintenance") {
		payload.Maintenance = &publishMaintenance
	}

	info, err := publisher.PublishDeploy(cmd.Context(), payload)
	if err != nil {
		return fmt.Errorf("failed to publish deployment: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on queue %s\n", info.ID, info.Queue)
	return nil
}
