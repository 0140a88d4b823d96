package daemon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"webdeploy/internal/app"
	"webdeploy/pkg/config"
	"webdeploy/pkg/hook"
	httpHandler "webdeploy/pkg/http"
	"webdeploy/pkg/logger"
	"webdeploy/pkg/queue"
)

type DaemonService struct {
	server        *asynq.Server
	httpServer    *http.Server
	asyncClient   *asynq.Client
	publisher     *queue.Publisher
	deployHandler *queue.DeployHandler
	hookHandler   *hook.Handler
	components    *app.Components
	config        *config.Config
	logger        *logger.Logger
}

func NewDaemonService(cfg *config.Config, log *logger.Logger) (*DaemonService, error) {
	log = logger.OrDefault(log)
	redisOpt := queue.RedisOpt(cfg.Redis)

	components, err := app.Build(cfg, log, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("build components: %w", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues: map[string]int{
			cfg.Queue.Name: 1,
		},
		Logger: asynqLogger{log},
	})

	asyncClient := asynq.NewClient(redisOpt)

	redisClient := components.Redis
	if redisClient == nil {
		redisClient = app.NewRedisClient(cfg.Redis)
		components.Redis = redisClient
	}

	debouncer := hook.NewDebouncer(redisClient, asyncClient, cfg.PostDeploy, cfg.Queue.Name, log)
	hookHandler := hook.NewHandler(debouncer, log)
	deployHandler := queue.NewDeployHandler(components.Orchestrator, debouncer, log)
	publisher := queue.NewPublisher(cfg, log)

	var gatherer prometheus.Gatherer
	if components.Registry != nil {
		gatherer = components.Registry
	}
	handler := httpHandler.NewHTTPHandler(publisher, components.History, gatherer, log)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler.Router(),
	}

	return &DaemonService{
		server:        server,
		httpServer:    httpServer,
		asyncClient:   asyncClient,
		publisher:     publisher,
		deployHandler: deployHandler,
		hookHandler:   hookHandler,
		components:    components,
		config:        cfg,
		logger:        log,
	}, nil
}

func (d *DaemonService) Start() error {
	go func() {
		d.logger.Info("starting HTTP server", map[string]any{
			"addr":    d.config.HTTP.Addr,
			"metrics": d.components.Registry != nil,
		})

		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("HTTP server failed", err, nil)
		}
	}()

	d.logger.Info("starting asynq server", map[string]any{
		"queue":       d.config.Queue.Name,
		"concurrency": d.config.Queue.Concurrency,
		"profiles":    d.config.ProfileNames(),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeDeployRun, d.deployHandler.ProcessTask)
	mux.HandleFunc(hook.TypePostDeploy, d.hookHandler.ProcessTask)
	return d.server.Run(mux)
}

func (d *DaemonService) Shutdown(ctx context.Context) error {
	d.logger.Info("initiating graceful shutdown", nil)

	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Error("HTTP server shutdown failed", err, nil)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.server.Shutdown()
	}()

	select {
	case <-done:
		d.logger.Info("all tasks completed, shutdown successful", nil)
	case <-ctx.Done():
		d.logger.Warn("shutdown timeout, forcing exit", nil)
		return ctx.Err()
	}

	d.publisher.Close()
	if err := d.asyncClient.Close(); err != nil {
		d.logger.Error("failed to close asynq client", err, nil)
	}
	d.components.Close()
	return nil
}

// asynqLogger routes asynq's own messages through the logfmt logger.
type asynqLogger struct {
	log *logger.Logger
}

func (l asynqLogger) Debug(args ...interface{}) {
	l.log.Debug(fmt.Sprint(args...), map[string]any{"component": "asynq"})
}

func (l asynqLogger) Info(args ...interface{}) {
	l.log.Info(fmt.Sprint(args...), map[string]any{"component": "asynq"})
}

func (l asynqLogger) Warn(args ...interface{}) {
	l.log.Warn(fmt.Sprint(args...), map[string]any{"component": "asynq"})
}

func (l asynqLogger) Error(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...), nil, map[string]any{"component": "asynq"})
}

func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Fatal(fmt.Sprint(args...), map[string]any{"component": "asynq"})
}
