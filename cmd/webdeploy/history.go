package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"webdeploy/pkg/history"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history <profile>",
	Short: "Show recent deployments of a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print runs as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	profile, err := cfg.Profile(args[0])
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(cmd.Context(), profile.Name, historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Fprintf(out, "no deployments recorded for %s\n", profile.Name)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tFILES\tDURATION\tID")
	for _, run := range runs {
		status := run.Status
		if run.FailedStage != "" {
			status += " (" + run.FailedStage + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			run.StartedAt.Local().Format(time.DateTime),
			status,
			run.FilesUploaded, run.TotalFiles,
			time.Duration(run.DurationSeconds*float64(time.Second)).Round(time.Second),
			run.ID,
		)
	}
	return w.Flush()
}
