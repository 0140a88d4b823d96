// Package deploy sequences a deployment run: resolve the profile, build,
// connect, upload the artifacts, reconcile the remote root and record the
// outcome.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"webdeploy/pkg/artifact"
	"webdeploy/pkg/compare"
	"webdeploy/pkg/exclusion"
	"webdeploy/pkg/logger"
	"webdeploy/pkg/storage"
	"webdeploy/pkg/upload"
)

type Options struct {
	ProfileName string
	// Profile, when set, is used as is instead of resolving ProfileName.
	Profile *Profile
	// UseMaintenanceMode overrides the profile setting when non-nil.
	UseMaintenanceMode *bool
	SkipBuild          bool
}

type Orchestrator struct {
	deps Dependencies
	log  *logger.Logger
	now  func() time.Time
}

func New(deps Dependencies) *Orchestrator {
	if deps.NewClient == nil {
		deps.NewClient = DefaultClientFactory(deps.Logger)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		deps: deps,
		log:  logger.OrDefault(deps.Logger),
		now:  now,
	}
}

// runContext is what the stages after ConnectingToServer operate on. It is
// built once per run.
type runContext struct {
	profile     *Profile
	matcher     *exclusion.Matcher
	artifacts   []artifact.FileMetadata
	client      storage.TransferClient
	engine      *upload.Engine
	progress    chan upload.Progress
	maintenance bool
}

func (rc *runContext) remotePath(rel string) string {
	if rc.profile.RemoteRoot == "" {
		return rel
	}
	return path.Join(rc.profile.RemoteRoot, rel)
}

type run struct {
	o           *Orchestrator
	opts        Options
	state       State
	observers   MultiObserver
	log         *logger.Logger
	errs        []string
	failedStage Stage
}

// Run executes one deployment and always returns a result with one of the
// terminal stages. Cancelling ctx stops the run at the next stage boundary
// (or the next unclaimed upload) and yields StageCancelled.
func (o *Orchestrator) Run(ctx context.Context, opts Options) *Result {
	id := uuid.NewString()
	r := &run{
		o:         o,
		opts:      opts,
		observers: MultiObserver(o.deps.Observers),
		log:       o.log.With(map[string]any{"deployment_id": id}),
		state: State{
			ID:        id,
			Stage:     StageNotStarted,
			StartedAt: o.now(),
		},
	}

	err := r.execute(ctx)
	return r.finish(ctx, err)
}

func (r *run) execute(ctx context.Context) error {
	if err := r.enter(ctx, StageLoadingProfile); err != nil {
		return err
	}
	profile, matcher, err := r.loadProfile()
	if err != nil {
		return wrapStage(StageLoadingProfile, err)
	}
	if r.o.deps.Locker != nil {
		release, err := r.o.deps.Locker.Acquire(ctx, profile.Name)
		if err != nil {
			return wrapStage(StageLoadingProfile, fmt.Errorf("acquire run lock: %w", err))
		}
		defer release()
	}

	if err := r.enter(ctx, StageBuildingProject); err != nil {
		return err
	}
	artifacts, err := r.build(ctx, profile, matcher)
	if err != nil {
		return wrapStage(StageBuildingProject, err)
	}

	if err := r.enter(ctx, StageConnectingToServer); err != nil {
		return err
	}
	rc, err := r.connect(ctx, profile, matcher, artifacts)
	if err != nil {
		return wrapStage(StageConnectingToServer, err)
	}
	defer r.disconnect(rc)

	if err := r.enter(ctx, StagePreDeploymentSummary); err != nil {
		return err
	}
	r.summarize(rc)

	if rc.maintenance {
		if err := r.enter(ctx, StageUploadingAppOffline); err != nil {
			return err
		}
		if err := r.uploadAppOffline(ctx, rc); err != nil {
			return wrapStage(StageUploadingAppOffline, err)
		}
	}

	if profile.CleanupMode == CleanupDeleteAll {
		if err := r.enter(ctx, StageDeletingAllRemoteFiles); err != nil {
			return err
		}
		if err := r.wipeRemote(ctx, rc); err != nil {
			return wrapStage(StageDeletingAllRemoteFiles, err)
		}
	}

	if err := r.enter(ctx, StageUploadingFiles); err != nil {
		return err
	}
	if err := r.uploadFiles(ctx, rc); err != nil {
		return wrapStage(StageUploadingFiles, err)
	}

	if profile.CleanupMode != CleanupNone {
		if err := r.enter(ctx, StageCleaningUpObsoleteFiles); err != nil {
			return err
		}
		if err := r.cleanup(ctx, rc); err != nil {
			return wrapStage(StageCleaningUpObsoleteFiles, err)
		}
	}

	if rc.maintenance {
		if err := r.enter(ctx, StageDeletingAppOffline); err != nil {
			return err
		}
		if err := r.deleteAppOffline(ctx, rc); err != nil {
			return wrapStage(StageDeletingAppOffline, err)
		}
	}

	if err := r.enter(ctx, StageRecordingHistory); err != nil {
		return err
	}
	r.markCompleted()
	r.recordHistory(ctx, r.result(StageCompleted, nil))
	return nil
}

// enter moves the run to stage unless ctx is already cancelled.
func (r *run) enter(ctx context.Context, stage Stage) error {
	if ctx.Err() != nil {
		return wrapStage(r.state.Stage, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
	}
	r.transition(stage)
	return nil
}

func (r *run) transition(stage Stage) {
	r.state.Stage = stage
	r.observers.OnStageChanged(stage, r.state)
}

func (r *run) loadProfile() (*Profile, *exclusion.Matcher, error) {
	profile := r.opts.Profile
	if profile == nil {
		if r.opts.ProfileName == "" {
			return nil, nil, ErrProfileRequired
		}
		if r.o.deps.Profiles == nil {
			return nil, nil, fmt.Errorf("resolve profile %q: no profile source configured", r.opts.ProfileName)
		}
		var err error
		profile, err = r.o.deps.Profiles.Profile(r.opts.ProfileName)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve profile %q: %w", r.opts.ProfileName, err)
		}
	}

	if err := profile.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid profile %q: %w", profile.Name, err)
	}
	matcher, err := profile.Matcher()
	if err != nil {
		return nil, nil, err
	}

	r.state.ProfileName = profile.Name
	r.state.Host = profile.Connection.Host()
	r.log = r.log.With(map[string]any{"profile": profile.Name})
	r.log.Debug("exclusion patterns compiled", map[string]any{"patterns": strings.Join(matcher.Patterns(), ",")})
	return profile, matcher, nil
}

func (r *run) build(ctx context.Context, profile *Profile, matcher *exclusion.Matcher) ([]artifact.FileMetadata, error) {
	outputDir := profile.Build.OutputDir
	if r.opts.SkipBuild || r.o.deps.Builder == nil {
		r.log.Info("using prebuilt output", map[string]any{"output_dir": outputDir})
	} else {
		outcome := r.o.deps.Builder.Build(ctx, profile.Build)
		if !outcome.Success {
			return nil, fmt.Errorf("%w: %s", ErrBuildFailed, outcome.ErrorText)
		}
		if outcome.OutputDir != "" {
			outputDir = outcome.OutputDir
		}
	}

	var scanner Scanner = artifact.NewScanner(matcher)
	if r.o.deps.Scanner != nil {
		scanner = r.o.deps.Scanner
	}
	files, err := scanner.Scan(ctx, outputDir)
	if err != nil {
		return nil, fmt.Errorf("collect artifacts: %w", err)
	}
	r.log.Info("artifacts collected", map[string]any{"output_dir": outputDir, "files": len(files)})
	return files, nil
}

func (r *run) connect(ctx context.Context, profile *Profile, matcher *exclusion.Matcher, artifacts []artifact.FileMetadata) (*runContext, error) {
	client, err := r.o.deps.NewClient(profile)
	if err != nil {
		return nil, fmt.Errorf("create transfer client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Disconnect()
		return nil, fmt.Errorf("connect to %s: %w", profile.Connection.Host(), err)
	}
	if err := client.TestWritable(ctx, profile.RemoteRoot); err != nil {
		_ = client.Disconnect()
		return nil, fmt.Errorf("remote root %q is not writable: %w", profile.RemoteRoot, err)
	}

	maintenance := profile.MaintenanceMode
	if r.opts.UseMaintenanceMode != nil {
		maintenance = *r.opts.UseMaintenanceMode
	}

	rc := &runContext{
		profile:     profile,
		matcher:     matcher,
		artifacts:   artifacts,
		client:      client,
		progress:    make(chan upload.Progress, 64),
		maintenance: maintenance,
	}

	opts := []upload.Option{
		upload.WithRemoteRoot(profile.RemoteRoot),
		upload.WithLogger(r.log),
		upload.WithRateLimit(profile.UploadsPerSecond),
		upload.WithObserver(progressForwarder(rc.progress)),
	}
	if profile.RetryDelay > 0 {
		opts = append(opts, upload.WithRetryDelay(profile.RetryDelay))
	}
	for _, o := range r.o.deps.UploadObservers {
		opts = append(opts, upload.WithObserver(o))
	}
	rc.engine = upload.New(client, profile.Concurrency, profile.RetryCount, opts...)

	r.state.MaintenanceMode = maintenance
	return rc, nil
}

func (r *run) disconnect(rc *runContext) {
	if err := rc.client.Disconnect(); err != nil {
		r.log.Warn("disconnect failed", map[string]any{"error": err.Error()})
	}
}

func (r *run) summarize(rc *runContext) {
	r.state.TotalFiles = len(rc.artifacts)
	r.state.TotalBytes = artifact.TotalSize(rc.artifacts)
	r.log.Info("deployment summary", map[string]any{
		"host":         r.state.Host,
		"remote_root":  rc.profile.RemoteRoot,
		"files":        r.state.TotalFiles,
		"bytes":        r.state.TotalBytes,
		"concurrency":  rc.engine.Concurrency(),
		"retries":      rc.engine.MaxRetries(),
		"cleanup_mode": string(rc.profile.CleanupMode),
		"maintenance":  rc.maintenance,
	})
	r.observers.OnProgressUpdated(r.state)
}

func (r *run) uploadAppOffline(ctx context.Context, rc *runContext) error {
	page, cleanup, err := renderMaintenancePage(rc.profile.MaintenancePage, maintenanceData{
		ProfileName:  rc.profile.Name,
		DeploymentID: r.state.ID,
		StartedAt:    r.state.StartedAt,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	if err := rc.client.UploadFile(ctx, page, rc.remotePath(AppOfflineFileName), true, true); err != nil {
		return fmt.Errorf("upload %s: %w", AppOfflineFileName, err)
	}
	r.log.Info("maintenance page uploaded", nil)
	return nil
}

func (r *run) deleteAppOffline(ctx context.Context, rc *runContext) error {
	if err := rc.client.DeleteFile(ctx, rc.remotePath(AppOfflineFileName)); err != nil {
		return fmt.Errorf("delete %s: %w", AppOfflineFileName, err)
	}
	r.log.Info("maintenance page removed", nil)
	return nil
}

// listRemote lists the remote root without the maintenance placeholder.
func (r *run) listRemote(ctx context.Context, rc *runContext) ([]string, error) {
	files, err := rc.client.ListAllFiles(ctx, rc.profile.RemoteRoot)
	if err != nil {
		return nil, fmt.Errorf("list remote files: %w", err)
	}
	listed := make([]string, 0, len(files))
	for _, f := range files {
		if strings.EqualFold(exclusion.Normalize(f), AppOfflineFileName) {
			continue
		}
		listed = append(listed, f)
	}
	return listed, nil
}

func (r *run) wipeRemote(ctx context.Context, rc *runContext) error {
	remote, err := r.listRemote(ctx, rc)
	if err != nil {
		return err
	}

	targets := make([]string, 0, len(remote))
	for _, f := range remote {
		if pattern, ok := rc.matcher.MatchingPattern(f); ok {
			r.log.Debug("remote file protected", map[string]any{"file": f, "pattern": pattern})
			continue
		}
		targets = append(targets, f)
	}

	deleted, failed := r.deleteFiles(ctx, rc, targets)
	r.state.FilesWiped = deleted
	r.log.Info("remote files wiped", map[string]any{
		"deleted":   deleted,
		"protected": len(remote) - len(targets),
		"failed":    len(failed),
	})
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrCleanupFailed, strings.Join(failed, ", "))
	}
	return nil
}

func (r *run) uploadFiles(ctx context.Context, rc *runContext) error {
	tasks := make([]upload.Task, 0, len(rc.artifacts))
	for _, f := range rc.artifacts {
		tasks = append(tasks, upload.Task{
			LocalPath:       f.AbsolutePath,
			RemotePath:      exclusion.Normalize(f.RelativePath),
			Size:            f.Size,
			Overwrite:       true,
			CreateRemoteDir: true,
		})
	}

	var (
		results  []upload.Result
		batchErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		results, batchErr = rc.engine.UploadBatch(ctx, tasks)
	}()

	r.pumpProgress(rc.progress, done)
	if batchErr != nil {
		return batchErr
	}

	var failed []string
	cancelled := false
	for _, res := range results {
		switch {
		case res.Cancelled:
			cancelled = true
		case !res.Success:
			failed = append(failed, res.Task.RemotePath)
			if res.Err != nil {
				r.errs = append(r.errs, res.Err.Error())
			}
		}
	}
	r.state.FailedFiles = failed
	r.state.FilesFailed = len(failed)

	if cancelled {
		return ErrCancelled
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrUploadFailed, strings.Join(failed, ", "))
	}
	return nil
}

// pumpProgress applies engine snapshots to the state until the batch is
// done, then drains whatever is still buffered.
func (r *run) pumpProgress(progress <-chan upload.Progress, done <-chan struct{}) {
	for {
		select {
		case p := <-progress:
			r.applyProgress(p)
		case <-done:
			for {
				select {
				case p := <-progress:
					r.applyProgress(p)
				default:
					return
				}
			}
		}
	}
}

func (r *run) applyProgress(p upload.Progress) {
	r.state.FilesUploaded = int(p.UploadedFiles)
	r.state.BytesUploaded = p.UploadedBytes
	r.state.FilesFailed = int(p.FailedFiles)
	r.observers.OnProgressUpdated(r.state)
}

func (r *run) cleanup(ctx context.Context, rc *runContext) error {
	remote, err := r.listRemote(ctx, rc)
	if err != nil {
		return err
	}
	cmp, err := compare.Compare(rc.artifacts, remote, rc.matcher)
	if err != nil {
		return err
	}
	r.state.ObsoleteFilesCount = len(cmp.ObsoleteFiles)
	r.state.ExcludedFileCount = len(cmp.ExcludedFiles)
	for _, f := range cmp.ExcludedFiles {
		pattern, _ := rc.matcher.MatchingPattern(f)
		r.log.Debug("remote file protected", map[string]any{"file": f, "pattern": pattern})
	}

	if rc.profile.CleanupMode == CleanupDeleteAll {
		// obsolete files were removed by the pre-upload wipe
		r.log.Info("remote reconciled", map[string]any{
			"obsolete": len(cmp.ObsoleteFiles),
			"excluded": len(cmp.ExcludedFiles),
		})
		return nil
	}

	deleted, failed := r.deleteFiles(ctx, rc, cmp.ObsoleteFiles)
	r.state.ObsoleteFilesDeleted = deleted
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrCleanupFailed, strings.Join(failed, ", "))
	}

	for _, dir := range compare.IdentifyEmptyDirectories(cmp.ObsoleteFiles, remote) {
		if err := rc.client.DeleteDirectory(ctx, rc.remotePath(dir)); err != nil {
			r.log.Warn("empty directory not removed", map[string]any{"dir": dir, "error": err.Error()})
			continue
		}
		r.state.EmptyDirsDeleted++
	}

	r.log.Info("obsolete files removed", map[string]any{
		"deleted":    deleted,
		"excluded":   len(cmp.ExcludedFiles),
		"empty_dirs": r.state.EmptyDirsDeleted,
	})
	return nil
}

// deleteFiles removes root-relative files with the profile's concurrency and
// returns how many were deleted and which failed. It stops issuing deletes
// once ctx is cancelled.
func (r *run) deleteFiles(ctx context.Context, rc *runContext, files []string) (int, []string) {
	sem := semaphore.NewWeighted(int64(rc.engine.Concurrency()))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted int
		failed  []string
	)

	for _, f := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(rel string) {
			defer wg.Done()
			defer sem.Release(1)

			err := rc.client.DeleteFile(ctx, rc.remotePath(rel))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, rel)
				r.errs = append(r.errs, fmt.Sprintf("delete %s: %v", rel, err))
				return
			}
			deleted++
		}(f)
	}
	wg.Wait()
	return deleted, failed
}

func (r *run) recordHistory(ctx context.Context, res *Result) {
	if r.o.deps.History == nil {
		return
	}
	if err := r.o.deps.History.RecordRun(ctx, res); err != nil {
		r.log.Error("failed to record deployment history", err, nil)
	}
}

func (r *run) markCompleted() {
	if r.state.CompletedAt.IsZero() {
		r.state.CompletedAt = r.o.now()
	}
}

func (r *run) finish(ctx context.Context, err error) *Result {
	r.markCompleted()

	if err == nil {
		r.transition(StageCompleted)
		return r.result(StageCompleted, nil)
	}

	final := StageFailed
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		final = StageCancelled
		r.state.Cancelled = true
	} else {
		r.failedStage = r.state.Stage
		var se *StageError
		if errors.As(err, &se) {
			r.failedStage = se.Stage
		}
	}
	r.state.Error = err.Error()
	r.errs = append(r.errs, err.Error())

	res := r.result(final, err)
	if r.state.ProfileName != "" {
		r.recordHistory(context.WithoutCancel(ctx), res)
	}

	fields := map[string]any{"stage": r.state.Stage.String()}
	if final == StageCancelled {
		r.log.Warn("deployment cancelled", fields)
	} else {
		r.log.Error("deployment failed", err, fields)
	}

	r.transition(final)
	return res
}

func (r *run) result(final Stage, err error) *Result {
	s := r.state
	res := &Result{
		ID:                   s.ID,
		ProfileName:          s.ProfileName,
		Success:              final == StageCompleted,
		FinalStage:           final,
		StartedAt:            s.StartedAt,
		CompletedAt:          s.CompletedAt,
		Duration:             s.CompletedAt.Sub(s.StartedAt),
		TotalFiles:           s.TotalFiles,
		TotalBytes:           s.TotalBytes,
		FilesUploaded:        s.FilesUploaded,
		BytesUploaded:        s.BytesUploaded,
		FailedFiles:          append([]string(nil), s.FailedFiles...),
		FilesWiped:           s.FilesWiped,
		ObsoleteFilesCount:   s.ObsoleteFilesCount,
		ObsoleteFilesDeleted: s.ObsoleteFilesDeleted,
		ExcludedFileCount:    s.ExcludedFileCount,
		EmptyDirsDeleted:     s.EmptyDirsDeleted,
		Errors:               append([]string(nil), r.errs...),
		Err:                  err,
	}
	if final == StageFailed {
		res.FailedStage = r.failedStage
	}
	return res
}
