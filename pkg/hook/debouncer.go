// Package hook runs a profile's post-deployment command once a burst of
// deployments has settled.
package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"webdeploy/pkg/logger"
)

const (
	TypePostDeploy = "deploy:post_hook"

	stateKeyPrefix = "webdeploy:hook:"
)

type Settings struct {
	Command         string
	DebounceMinutes int
	TimeoutMinutes  int
}

func (s Settings) debounce() time.Duration {
	return time.Duration(s.DebounceMinutes) * time.Minute
}

func (s Settings) timeout() time.Duration {
	if s.TimeoutMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// SettingsFunc looks up the hook of a profile. ok is false when the profile
// has none.
type SettingsFunc func(profile string) (settings Settings, ok bool)

type Payload struct {
	Profile string `json:"profile"`
	Command string `json:"command"`
}

type DebounceState struct {
	LastRequestTime   int64 `json:"last_request_time"`
	PendingTaskExists bool  `json:"pending_task_exists"`
}

// StateStore is the subset of *redis.Client the debouncer needs.
type StateStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Debouncer struct {
	store    StateStore
	enqueuer Enqueuer
	settings SettingsFunc
	queue    string
	logger   *logger.Logger
	now      func() time.Time
}

func NewDebouncer(store StateStore, enqueuer Enqueuer, settings SettingsFunc, queue string, log *logger.Logger) *Debouncer {
	return &Debouncer{
		store:    store,
		enqueuer: enqueuer,
		settings: settings,
		queue:    queue,
		logger:   logger.OrDefault(log),
		now:      time.Now,
	}
}

// Trigger records a finished deployment of profile. The first trigger in a
// window schedules the hook; later ones only push the window forward.
func (d *Debouncer) Trigger(ctx context.Context, profile string) error {
	settings, ok := d.settings(profile)
	if !ok || settings.Command == "" {
		return nil
	}

	state, err := d.getState(ctx, profile)
	if err != nil {
		return fmt.Errorf("failed to get debounce state: %w", err)
	}

	state.LastRequestTime = d.now().Unix()

	if state.PendingTaskExists {
		if err := d.saveState(ctx, profile, settings, state); err != nil {
			return fmt.Errorf("failed to save debounce state: %w", err)
		}
		d.logger.Info("post-deploy hook request updated", map[string]any{
			"profile":             profile,
			"pending_task_exists": true,
		})
		return nil
	}

	state.PendingTaskExists = true
	if err := d.saveState(ctx, profile, settings, state); err != nil {
		return fmt.Errorf("failed to save debounce state: %w", err)
	}

	if err := d.schedule(Payload{Profile: profile, Command: settings.Command}, settings.debounce()); err != nil {
		return err
	}

	d.logger.Info("post-deploy hook scheduled", map[string]any{
		"profile":       profile,
		"delay_minutes": settings.DebounceMinutes,
	})
	return nil
}

func (d *Debouncer) schedule(payload Payload, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal hook payload: %w", err)
	}

	opts := []asynq.Option{asynq.ProcessIn(delay), asynq.MaxRetry(0)}
	if d.queue != "" {
		opts = append(opts, asynq.Queue(d.queue))
	}
	if _, err := d.enqueuer.Enqueue(asynq.NewTask(TypePostDeploy, data), opts...); err != nil {
		return fmt.Errorf("failed to enqueue hook task: %w", err)
	}
	return nil
}

// ShouldExecute reports whether the debounce window of profile has passed
// since the last trigger.
func (d *Debouncer) ShouldExecute(ctx context.Context, profile string) (bool, error) {
	settings, ok := d.settings(profile)
	if !ok {
		return false, fmt.Errorf("profile %q has no post-deploy hook", profile)
	}

	state, err := d.getState(ctx, profile)
	if err != nil {
		return false, fmt.Errorf("failed to get debounce state: %w", err)
	}

	window := int64(settings.DebounceMinutes * 60)
	return d.now().Unix()-state.LastRequestTime >= window, nil
}

func (d *Debouncer) MarkCompleted(ctx context.Context, profile string) error {
	settings, _ := d.settings(profile)

	state, err := d.getState(ctx, profile)
	if err != nil {
		return fmt.Errorf("failed to get debounce state: %w", err)
	}

	state.PendingTaskExists = false
	if err := d.saveState(ctx, profile, settings, state); err != nil {
		return fmt.Errorf("failed to save debounce state: %w", err)
	}
	return nil
}

func (d *Debouncer) getState(ctx context.Context, profile string) (*DebounceState, error) {
	result, err := d.store.Get(ctx, stateKeyPrefix+profile).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &DebounceState{}, nil
		}
		return nil, err
	}

	var state DebounceState
	if err := json.Unmarshal([]byte(result), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal debounce state: %w", err)
	}
	return &state, nil
}

func (d *Debouncer) saveState(ctx context.Context, profile string, settings Settings, state *DebounceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal debounce state: %w", err)
	}

	// outlive the pending task; a zero window still needs a short expiry
	expiration := 2*settings.debounce() + time.Minute
	return d.store.Set(ctx, stateKeyPrefix+profile, data, expiration).Err()
}
