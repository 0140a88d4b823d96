package deploy

import (
	"context"
	"time"

	"webdeploy/pkg/artifact"
	"webdeploy/pkg/logger"
	"webdeploy/pkg/storage"
	"webdeploy/pkg/upload"
)

type BuildOutcome struct {
	Success   bool
	OutputDir string
	ErrorText string
}

type Builder interface {
	Build(ctx context.Context, settings BuildSettings) BuildOutcome
}

// Scanner lists the artifacts below an output directory, exclusions
// already applied.
type Scanner interface {
	Scan(ctx context.Context, root string) ([]artifact.FileMetadata, error)
}

type HistorySink interface {
	RecordRun(ctx context.Context, result *Result) error
}

type ProfileResolver interface {
	Profile(name string) (*Profile, error)
}

// RunLocker serializes runs of the same profile across processes.
type RunLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type ClientFactory func(p *Profile) (storage.TransferClient, error)

func DefaultClientFactory(log *logger.Logger) ClientFactory {
	return func(p *Profile) (storage.TransferClient, error) {
		return storage.NewClient(p.Connection.Transport, p.Connection.SFTP, p.Connection.S3, log)
	}
}

// Dependencies are the collaborators of an Orchestrator. Only NewClient is
// required; a nil Builder treats the output directory as prebuilt and a nil
// Scanner walks it with the profile's exclusions.
type Dependencies struct {
	Profiles        ProfileResolver
	Builder         Builder
	Scanner         Scanner
	History         HistorySink
	Locker          RunLocker
	NewClient       ClientFactory
	Observers       []Observer
	UploadObservers []upload.Observer
	Logger          *logger.Logger
	Clock           func() time.Time
}
