package deploy

import (
	"errors"
	"fmt"
)

var (
	ErrCancelled = errors.New("deployment cancelled")

	ErrProfileRequired = errors.New("profile name or profile is required")
	ErrBuildFailed     = errors.New("build failed")
	ErrUploadFailed    = errors.New("one or more files failed to upload")
	ErrCleanupFailed   = errors.New("one or more obsolete files could not be deleted")
)

// StageError stamps a fatal error with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// wrapStage wraps err once; an error that already carries a stage keeps it.
func wrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
