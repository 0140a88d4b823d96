package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"webdeploy/internal/app"
	"webdeploy/pkg/deploy"
)

var (
	runSkipBuild   bool
	runMaintenance bool
	runNoLock      bool
)

var runCmd = &cobra.Command{
	Use:   "run <profile>",
	Short: "Run a deployment in the foreground",
	Long: `Run a deployment of the given profile in this process.

Interrupting the command cancels the deployment at the next safe point; files
already uploaded stay on the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	runCmd.Flags().BoolVar(&runSkipBuild, "skip-build", false, "deploy the existing output directory without building")
	runCmd.Flags().BoolVar(&runMaintenance, "maintenance", false, "take the site offline during the upload (overrides the profile)")
	runCmd.Flags().BoolVar(&runNoLock, "no-lock", false, "do not take the redis run lock")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	components, err := app.Build(cfg, log, app.Options{DisableLock: runNoLock})
	if err != nil {
		return err
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := deploy.Options{
		ProfileName: args[0],
		SkipBuild:   runSkipBuild,
	}
	if cmd.Flags().Changed("maintenance") {
		opts.UseMaintenanceMode = &runMaintenance
	}

	res := components.Orchestrator.Run(ctx, opts)
	printResult(res)

	if !res.Success {
		return fmt.Errorf("deployment %s", res.FinalStage)
	}
	return nil
}

func printResult(res *deploy.Result) {
	fmt.Fprintf(os.Stdout, "deployment %s (%s): %s\n", res.ID, res.ProfileName, res.Summary())
	for _, f := range res.FailedFiles {
		fmt.Fprintf(os.Stdout, "  failed: %s\n", f)
	}
}
