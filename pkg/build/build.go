// Package build runs a profile's build command on the local machine.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"webdeploy/pkg/deploy"
	"webdeploy/pkg/logger"
)

// maxErrorOutput caps how much command output ends up in an error text.
const maxErrorOutput = 4096

type CommandBuilder struct {
	logger *logger.Logger
}

func NewCommandBuilder(log *logger.Logger) *CommandBuilder {
	return &CommandBuilder{logger: logger.OrDefault(log)}
}

// Build runs settings.Command in settings.WorkingDir. An empty command means
// the output directory already holds the artifacts.
func (b *CommandBuilder) Build(ctx context.Context, settings deploy.BuildSettings) deploy.BuildOutcome {
	outputDir := resolveOutputDir(settings)

	if strings.TrimSpace(settings.Command) == "" {
		if err := checkOutputDir(outputDir); err != nil {
			return deploy.BuildOutcome{ErrorText: err.Error()}
		}
		return deploy.BuildOutcome{Success: true, OutputDir: outputDir}
	}

	args, err := shellquote.Split(settings.Command)
	if err != nil {
		return deploy.BuildOutcome{ErrorText: fmt.Sprintf("parse build command: %v", err)}
	}
	if len(args) == 0 {
		return deploy.BuildOutcome{ErrorText: "empty build command"}
	}

	runCtx := ctx
	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = settings.WorkingDir
	cmd.Env = append(os.Environ(), settings.Env...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	startTime := time.Now()
	b.logger.Info("running build command", map[string]any{
		"command":     settings.Command,
		"working_dir": settings.WorkingDir,
		"timeout":     settings.Timeout.String(),
	})

	err = cmd.Run()
	duration := time.Since(startTime)
	if err != nil {
		errorType := "command_error"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			errorType = "timeout"
		}
		b.logger.Error("build command failed", err, map[string]any{
			"command":    settings.Command,
			"duration":   duration,
			"error_type": errorType,
		})
		return deploy.BuildOutcome{
			OutputDir: outputDir,
			ErrorText: formatFailure(errorType, err, output.String()),
		}
	}

	b.logger.Info("build command finished", map[string]any{
		"command":  settings.Command,
		"duration": duration,
	})

	if err := checkOutputDir(outputDir); err != nil {
		return deploy.BuildOutcome{OutputDir: outputDir, ErrorText: err.Error()}
	}
	return deploy.BuildOutcome{Success: true, OutputDir: outputDir}
}

func resolveOutputDir(settings deploy.BuildSettings) string {
	if settings.OutputDir == "" || filepath.IsAbs(settings.OutputDir) || settings.WorkingDir == "" {
		return settings.OutputDir
	}
	return filepath.Join(settings.WorkingDir, settings.OutputDir)
}

func checkOutputDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("output directory is not configured")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("output directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory %s is not a directory", dir)
	}
	return nil
}

func formatFailure(errorType string, err error, output string) string {
	output = strings.TrimSpace(output)
	if len(output) > maxErrorOutput {
		output = "..." + output[len(output)-maxErrorOutput:]
	}
	if output == "" {
		return fmt.Sprintf("%s: %v", errorType, err)
	}
	return fmt.Sprintf("%s: %v\n%s", errorType, err, output)
}
