package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdeploy/pkg/config"
	"webdeploy/pkg/deploy"
	"webdeploy/pkg/logger"
)

type fakeEnqueuer struct {
	tasks  []*asynq.Task
	opts   [][]asynq.Option
	err    error
	closed bool
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks)), Queue: "deployments"}, nil
}

func (f *fakeEnqueuer) Close() error {
	f.closed = true
	return nil
}

type fakeProfiles map[string]*deploy.Profile

func (f fakeProfiles) Profile(name string) (*deploy.Profile, error) {
	p, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	return p, nil
}

func optionValues(opts []asynq.Option) map[asynq.OptionType]any {
	values := map[asynq.OptionType]any{}
	for _, opt := range opts {
		values[opt.Type()] = opt.Value()
	}
	return values
}

func TestPublishDeploy(t *testing.T) {
	enq := &fakeEnqueuer{}
	pub := newPublisher(enq, fakeProfiles{"web": {Name: "web"}}, config.QueueConfig{
		Name:           "deployments",
		TimeoutMinutes: 30,
	}, logger.Discard())

	off := false
	info, err := pub.PublishDeploy(context.Background(), DeployPayload{Profile: "web", SkipBuild: true, Maintenance: &off})
	require.NoError(t, err)
	assert.Equal(t, "task-1", info.ID)

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeDeployRun, enq.tasks[0].Type())

	var payload DeployPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, "web", payload.Profile)
	assert.True(t, payload.SkipBuild)
	require.NotNil(t, payload.Maintenance)
	assert.False(t, *payload.Maintenance)

	values := optionValues(enq.opts[0])
	assert.Equal(t, 0, values[asynq.MaxRetryOpt])
	assert.Equal(t, 30*time.Minute, values[asynq.TimeoutOpt])
	assert.Equal(t, "deployments", values[asynq.QueueOpt])

	pub.Close()
	assert.True(t, enq.closed)
}

func TestPublishDeployValidation(t *testing.T) {
	enq := &fakeEnqueuer{}
	pub := newPublisher(enq, fakeProfiles{"web": {Name: "web"}}, config.QueueConfig{Name: "q"}, logger.Discard())

	_, err := pub.PublishDeploy(context.Background(), DeployPayload{})
	assert.ErrorContains(t, err, "profile is required")

	_, err = pub.PublishDeploy(context.Background(), DeployPayload{Profile: "nope"})
	assert.ErrorContains(t, err, "not found")

	enq.err = errors.New("redis: connection refused")
	_, err = pub.PublishDeploy(context.Background(), DeployPayload{Profile: "web"})
	assert.ErrorContains(t, err, "enqueue task")

	assert.Empty(t, enq.tasks)
}

type fakeRunner struct {
	opts   deploy.Options
	result *deploy.Result
}

func (f *fakeRunner) Run(ctx context.Context, opts deploy.Options) *deploy.Result {
	f.opts = opts
	return f.result
}

type fakeTrigger struct {
	profiles []string
	err      error
}

func (f *fakeTrigger) Trigger(ctx context.Context, profile string) error {
	f.profiles = append(f.profiles, profile)
	return f.err
}

func deployTask(t *testing.T, payload DeployPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TypeDeployRun, data)
}

func TestDeployHandlerSuccess(t *testing.T) {
	runner := &fakeRunner{result: &deploy.Result{
		ID:          "run-1",
		ProfileName: "web",
		Success:     true,
		FinalStage:  deploy.StageCompleted,
	}}
	hooks := &fakeTrigger{err: errors.New("ignored")}
	h := NewDeployHandler(runner, hooks, logger.Discard())

	on := true
	err := h.ProcessTask(context.Background(), deployTask(t, DeployPayload{Profile: "web", Maintenance: &on}))
	require.NoError(t, err)

	assert.Equal(t, "web", runner.opts.ProfileName)
	require.NotNil(t, runner.opts.UseMaintenanceMode)
	assert.True(t, *runner.opts.UseMaintenanceMode)
	assert.False(t, runner.opts.SkipBuild)
	assert.Equal(t, []string{"web"}, hooks.profiles)
}

func TestDeployHandlerFailureSkipsRetry(t *testing.T) {
	runner := &fakeRunner{result: &deploy.Result{
		ID:          "run-2",
		ProfileName: "web",
		FinalStage:  deploy.StageFailed,
		FailedStage: deploy.StageUploadingFiles,
		Err:         deploy.ErrUploadFailed,
	}}
	hooks := &fakeTrigger{}
	h := NewDeployHandler(runner, hooks, logger.Discard())

	err := h.ProcessTask(context.Background(), deployTask(t, DeployPayload{Profile: "web"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, deploy.ErrUploadFailed)
	assert.Empty(t, hooks.profiles)
}

func TestDeployHandlerBadPayload(t *testing.T) {
	h := NewDeployHandler(&fakeRunner{}, nil, logger.Discard())

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeDeployRun, []byte("not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
