package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kballard/go-shellquote"

	"webdeploy/pkg/logger"
)

type Handler struct {
	debouncer *Debouncer
	logger    *logger.Logger
	// run executes the command and returns its combined output.
	run func(ctx context.Context, args []string) ([]byte, error)
}

func NewHandler(debouncer *Debouncer, log *logger.Logger) *Handler {
	return &Handler{
		debouncer: debouncer,
		logger:    logger.OrDefault(log),
		run: func(ctx context.Context, args []string) ([]byte, error) {
			return exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		},
	}
}

func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal hook payload: %w: %w", err, asynq.SkipRetry)
	}

	settings, ok := h.debouncer.settings(payload.Profile)
	if !ok {
		h.logger.Warn("dropping hook task for profile without hook", map[string]any{"profile": payload.Profile})
		return h.debouncer.MarkCompleted(ctx, payload.Profile)
	}

	shouldExecute, err := h.debouncer.ShouldExecute(ctx, payload.Profile)
	if err != nil {
		return fmt.Errorf("failed to check hook execution condition: %w", err)
	}
	if !shouldExecute {
		if err := h.debouncer.schedule(payload, settings.debounce()); err != nil {
			h.logger.Error("failed to reschedule hook task", err, map[string]any{
				"profile":       payload.Profile,
				"delay_minutes": settings.DebounceMinutes,
			})
			return err
		}
		h.logger.Info("hook task rescheduled due to debounce", map[string]any{
			"profile":       payload.Profile,
			"delay_minutes": settings.DebounceMinutes,
		})
		return nil
	}

	runErr := h.execute(ctx, payload, settings)

	if err := h.debouncer.MarkCompleted(ctx, payload.Profile); err != nil {
		h.logger.Error("failed to mark hook task as completed", err, map[string]any{"profile": payload.Profile})
		if runErr == nil {
			return fmt.Errorf("failed to mark hook task as completed: %w", err)
		}
	}
	return runErr
}

func (h *Handler) execute(ctx context.Context, payload Payload, settings Settings) error {
	args, err := shellquote.Split(payload.Command)
	if err != nil {
		return fmt.Errorf("failed to parse hook command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("empty hook command")
	}

	h.logger.Info("executing post-deploy hook", map[string]any{
		"profile":         payload.Profile,
		"command":         payload.Command,
		"timeout_minutes": settings.TimeoutMinutes,
	})

	timeoutCtx, cancel := context.WithTimeout(ctx, settings.timeout())
	defer cancel()

	startTime := time.Now()
	output, err := h.run(timeoutCtx, args)
	duration := time.Since(startTime)
	if err != nil {
		errorType := "command_error"
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			errorType = "timeout"
		}
		h.logger.Error("post-deploy hook failed", err, map[string]any{
			"profile":    payload.Profile,
			"command":    payload.Command,
			"output":     string(output),
			"duration":   duration,
			"error_type": errorType,
		})
		return fmt.Errorf("hook command execution failed: %w", err)
	}

	h.logger.Info("post-deploy hook executed successfully", map[string]any{
		"profile":  payload.Profile,
		"command":  payload.Command,
		"output":   string(output),
		"duration": duration,
	})
	return nil
}
