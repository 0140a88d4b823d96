package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"webdeploy/pkg/logger"
	"webdeploy/pkg/storage"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 32
	MaxRetries     = 10

	defaultRetryDelay = 500 * time.Millisecond
)

var (
	// ErrTaskCancelled is the error of every task that no worker claimed
	// before the batch context was cancelled.
	ErrTaskCancelled = errors.New("upload cancelled before start")

	ErrDuplicateRemotePath = errors.New("duplicate remote path in batch")
)

// Client is the part of a transfer client the engine needs.
type Client interface {
	UploadFile(ctx context.Context, localPath, remotePath string, overwrite, createRemoteDir bool) error
}

type Task struct {
	LocalPath       string
	RemotePath      string
	Size            int64
	Overwrite       bool
	CreateRemoteDir bool
	// Higher priorities are claimed first; equal priorities keep batch order.
	Priority int
}

type Result struct {
	Task             Task
	Success          bool
	BytesTransferred int64
	Attempts         int
	Err              error
	Cancelled        bool
}

type Progress struct {
	CompletedFiles int64
	UploadedFiles  int64
	FailedFiles    int64
	UploadedBytes  int64
	TotalFiles     int64
	TotalBytes     int64
}

// Observer receives per-file events. Calls are serialized by the engine.
type Observer interface {
	OnFileCompleted(result Result)
	OnProgress(progress Progress)
	OnRetry(task Task, attempt int, err error)
}

type Option func(*Engine)

func WithRemoteRoot(root string) Option {
	return func(e *Engine) {
		e.remoteRoot = root
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = logger.OrDefault(log)
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithRateLimit caps upload attempts per second across all workers. Zero or
// negative disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Engine uploads batches of files with a bounded worker pool.
type Engine struct {
	client      Client
	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	remoteRoot  string
	limiter     *rate.Limiter
	observers   []Observer
	log         *logger.Logger
}

func New(client Client, maxConcurrency, maxRetries int, opts ...Option) *Engine {
	e := &Engine{
		client:      client,
		concurrency: clamp(maxConcurrency, MinConcurrency, MaxConcurrency),
		maxRetries:  clamp(maxRetries, 0, MaxRetries),
		retryDelay:  defaultRetryDelay,
		log:         logger.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Concurrency() int { return e.concurrency }
func (e *Engine) MaxRetries() int  { return e.maxRetries }

// UploadBatch uploads every task and returns exactly one result per task, in
// task order. The only error is an invalid batch; per-file failures are
// reported in the results.
//
// Cancelling ctx stops workers from claiming new tasks. Tasks already
// claimed run to completion, retries included; the rest come back with
// Cancelled set.
func (e *Engine) UploadBatch(ctx context.Context, tasks []Task) ([]Result, error) {
	if err := validateBatch(tasks); err != nil {
		return nil, err
	}

	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	tr := newTracker(tasks, e.observers)
	queue := make(chan int, len(tasks))
	for _, idx := range claimOrder(tasks) {
		queue <- idx
	}
	close(queue)

	claimed := make([]bool, len(tasks))
	runCtx := context.WithoutCancel(ctx)
	workers := min(e.concurrency, len(tasks))

	e.log.Info("upload batch started", map[string]any{
		"files":       len(tasks),
		"bytes":       tr.totalBytes,
		"workers":     workers,
		"max_retries": e.maxRetries,
	})

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				idx, ok := <-queue
				if !ok {
					return nil
				}
				claimed[idx] = true
				res := e.runTask(runCtx, tasks[idx], tr)
				results[idx] = res
				tr.finish(res)
			}
		})
	}
	_ = g.Wait()

	cancelled := 0
	for i := range results {
		if !claimed[i] {
			results[i] = Result{Task: tasks[i], Cancelled: true, Err: ErrTaskCancelled}
			cancelled++
		}
	}

	p := tr.snapshot()
	e.log.Info("upload batch finished", map[string]any{
		"uploaded":  p.UploadedFiles,
		"failed":    p.FailedFiles,
		"cancelled": cancelled,
		"bytes":     p.UploadedBytes,
	})
	return results, nil
}

func (e *Engine) runTask(ctx context.Context, task Task, tr *tracker) Result {
	res := Result{Task: task}
	remote := e.resolve(task.RemotePath)

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			tr.retry(task, attempt, res.Err)
			if err := sleep(ctx, e.retryDelay*time.Duration(attempt)); err != nil {
				res.Err = err
				return res
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				res.Err = err
				return res
			}
		}

		res.Attempts = attempt + 1
		err := e.client.UploadFile(ctx, task.LocalPath, remote, task.Overwrite, task.CreateRemoteDir)
		if err == nil {
			res.Success = true
			res.Err = nil
			res.BytesTransferred = task.Size
			e.log.Debug("file uploaded", map[string]any{"remote_path": remote, "attempts": res.Attempts})
			return res
		}

		res.Err = fmt.Errorf("upload %s: %w", task.RemotePath, err)
		fields := map[string]any{"remote_path": remote, "attempt": res.Attempts}
		if storage.IsPermanentError(err) {
			e.log.Error("upload failed permanently", err, fields)
			return res
		}
		e.log.Warn("upload attempt failed", map[string]any{
			"remote_path": remote,
			"attempt":     res.Attempts,
			"error":       err.Error(),
		})
	}
	return res
}

func (e *Engine) resolve(remotePath string) string {
	remotePath = strings.ReplaceAll(remotePath, "\\", "/")
	if e.remoteRoot == "" {
		return remotePath
	}
	return path.Join(e.remoteRoot, remotePath)
}

// tracker aggregates batch progress. Counters are bumped lock-free; the
// snapshot and every observer call happen under mu, so observers are never
// called concurrently and see non-decreasing values.
type tracker struct {
	mu         sync.Mutex
	observers  []Observer
	totalFiles int64
	totalBytes int64

	completed atomic.Int64
	uploaded  atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
}

func newTracker(tasks []Task, observers []Observer) *tracker {
	t := &tracker{observers: observers, totalFiles: int64(len(tasks))}
	for _, task := range tasks {
		t.totalBytes += task.Size
	}
	return t
}

func (t *tracker) finish(res Result) {
	t.completed.Add(1)
	if res.Success {
		t.uploaded.Add(1)
		t.bytes.Add(res.BytesTransferred)
	} else {
		t.failed.Add(1)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.snapshot()
	for _, o := range t.observers {
		o.OnFileCompleted(res)
	}
	for _, o := range t.observers {
		o.OnProgress(p)
	}
}

func (t *tracker) retry(task Task, attempt int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.observers {
		o.OnRetry(task, attempt, err)
	}
}

func (t *tracker) snapshot() Progress {
	return Progress{
		CompletedFiles: t.completed.Load(),
		UploadedFiles:  t.uploaded.Load(),
		FailedFiles:    t.failed.Load(),
		UploadedBytes:  t.bytes.Load(),
		TotalFiles:     t.totalFiles,
		TotalBytes:     t.totalBytes,
	}
}

func validateBatch(tasks []Task) error {
	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		key := strings.ToLower(path.Clean(strings.ReplaceAll(task.RemotePath, "\\", "/")))
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRemotePath, task.RemotePath)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func claimOrder(tasks []Task) []int {
	order := make([]int, len(tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return tasks[order[a]].Priority > tasks[order[b]].Priority
	})
	return order
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
