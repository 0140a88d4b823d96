// Package queue carries deployment requests through asynq so that a daemon
// can run them one at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"webdeploy/pkg/config"
	"webdeploy/pkg/deploy"
	"webdeploy/pkg/logger"
)

const TypeDeployRun = "deploy:run"

type DeployPayload struct {
	Profile   string `json:"profile"`
	SkipBuild bool   `json:"skip_build,omitempty"`
	// Maintenance overrides the profile's maintenance_mode when set.
	Maintenance *bool `json:"maintenance,omitempty"`
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Publisher struct {
	client   Enqueuer
	profiles deploy.ProfileResolver
	queue    string
	timeout  time.Duration
	logger   *logger.Logger
}

func NewPublisher(cfg *config.Config, log *logger.Logger) *Publisher {
	return newPublisher(asynq.NewClient(RedisOpt(cfg.Redis)), cfg, cfg.Queue, log)
}

func newPublisher(client Enqueuer, profiles deploy.ProfileResolver, cfg config.QueueConfig, log *logger.Logger) *Publisher {
	return &Publisher{
		client:   client,
		profiles: profiles,
		queue:    cfg.Name,
		timeout:  time.Duration(cfg.TimeoutMinutes) * time.Minute,
		logger:   logger.OrDefault(log),
	}
}

func (p *Publisher) Close() {
	_ = p.client.Close()
}

// PublishDeploy enqueues a deployment of payload.Profile. Deployments are
// never retried by the queue; a failed run is re-requested explicitly.
func (p *Publisher) PublishDeploy(ctx context.Context, payload DeployPayload) (*asynq.TaskInfo, error) {
	if payload.Profile == "" {
		return nil, fmt.Errorf("profile is required")
	}
	if p.profiles != nil {
		profile, err := p.profiles.Profile(payload.Profile)
		if err != nil {
			return nil, err
		}
		payload.Profile = profile.Name
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	opts := []asynq.Option{asynq.MaxRetry(0)}
	if p.timeout > 0 {
		opts = append(opts, asynq.Timeout(p.timeout))
	}
	if p.queue != "" {
		opts = append(opts, asynq.Queue(p.queue))
	}

	info, err := p.client.EnqueueContext(ctx, asynq.NewTask(TypeDeployRun, data), opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	p.logger.Info("deployment enqueued", map[string]any{
		"task_id":    info.ID,
		"queue":      info.Queue,
		"profile":    payload.Profile,
		"skip_build": payload.SkipBuild,
	})
	return info, nil
}

// Runner is satisfied by *deploy.Orchestrator.
type Runner interface {
	Run(ctx context.Context, opts deploy.Options) *deploy.Result
}

// Trigger is notified after a successful deployment.
type Trigger interface {
	Trigger(ctx context.Context, profile string) error
}

type DeployHandler struct {
	runner Runner
	hooks  Trigger
	logger *logger.Logger
}

func NewDeployHandler(runner Runner, hooks Trigger, log *logger.Logger) *DeployHandler {
	return &DeployHandler{runner: runner, hooks: hooks, logger: logger.OrDefault(log)}
}

func (h *DeployHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload DeployPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("failed to unmarshal payload", err, nil)
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	h.logger.Info("starting deployment task", map[string]any{
		"profile":    payload.Profile,
		"skip_build": payload.SkipBuild,
	})

	res := h.runner.Run(ctx, deploy.Options{
		ProfileName:        payload.Profile,
		UseMaintenanceMode: payload.Maintenance,
		SkipBuild:          payload.SkipBuild,
	})

	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.New(res.Summary())
		}
		return fmt.Errorf("deployment %s of %s: %w: %w", res.ID, payload.Profile, err, asynq.SkipRetry)
	}

	if h.hooks != nil {
		if err := h.hooks.Trigger(ctx, res.ProfileName); err != nil {
			h.logger.Error("failed to trigger post-deploy hook", err, map[string]any{
				"profile": res.ProfileName,
			})
		}
	}

	h.logger.Info("deployment task finished", map[string]any{
		"deployment_id": res.ID,
		"profile":       res.ProfileName,
		"summary":       res.Summary(),
	})
	return nil
}
