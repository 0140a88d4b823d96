package deploy

import (
	"fmt"
	"time"
)

// State is the live snapshot of a run. Only the orchestrator goroutine
// writes it; observers receive copies.
type State struct {
	ID                   string    `json:"id"`
	ProfileName          string    `json:"profile"`
	Host                 string    `json:"host"`
	Stage                Stage     `json:"stage"`
	StartedAt            time.Time `json:"started_at"`
	CompletedAt          time.Time `json:"completed_at,omitempty"`
	TotalFiles           int       `json:"total_files"`
	TotalBytes           int64     `json:"total_bytes"`
	FilesUploaded        int       `json:"files_uploaded"`
	BytesUploaded        int64     `json:"bytes_uploaded"`
	FilesFailed          int       `json:"files_failed"`
	FailedFiles          []string  `json:"failed_files,omitempty"`
	FilesWiped           int       `json:"files_wiped"`
	ObsoleteFilesCount   int       `json:"obsolete_files"`
	ObsoleteFilesDeleted int       `json:"obsolete_files_deleted"`
	ExcludedFileCount    int       `json:"excluded_files"`
	EmptyDirsDeleted     int       `json:"empty_dirs_deleted"`
	MaintenanceMode      bool      `json:"maintenance_mode"`
	Cancelled            bool      `json:"cancelled"`
	Error                string    `json:"error,omitempty"`
}

func (s State) clone() State {
	s.FailedFiles = append([]string(nil), s.FailedFiles...)
	return s
}

// Result is the outcome of a run. Counts are filled in on every terminal
// stage, so a failed or cancelled run still reports partial progress.
type Result struct {
	ID                   string        `json:"id"`
	ProfileName          string        `json:"profile"`
	Success              bool          `json:"success"`
	FinalStage           Stage         `json:"final_stage"`
	FailedStage          Stage         `json:"failed_stage,omitempty"`
	StartedAt            time.Time     `json:"started_at"`
	CompletedAt          time.Time     `json:"completed_at"`
	Duration             time.Duration `json:"duration"`
	TotalFiles           int           `json:"total_files"`
	TotalBytes           int64         `json:"total_bytes"`
	FilesUploaded        int           `json:"files_uploaded"`
	BytesUploaded        int64         `json:"bytes_uploaded"`
	FailedFiles          []string      `json:"failed_files,omitempty"`
	FilesWiped           int           `json:"files_wiped"`
	ObsoleteFilesCount   int           `json:"obsolete_files"`
	ObsoleteFilesDeleted int           `json:"obsolete_files_deleted"`
	ExcludedFileCount    int           `json:"excluded_files"`
	EmptyDirsDeleted     int           `json:"empty_dirs_deleted"`
	Errors               []string      `json:"errors,omitempty"`
	Err                  error         `json:"-"`
}

func (r *Result) Summary() string {
	switch r.FinalStage {
	case StageCompleted:
		return fmt.Sprintf("completed: %d/%d files (%d bytes), %d obsolete, %d excluded in %s",
			r.FilesUploaded, r.TotalFiles, r.BytesUploaded, r.ObsoleteFilesCount, r.ExcludedFileCount,
			r.Duration.Round(time.Millisecond))
	case StageCancelled:
		return fmt.Sprintf("cancelled: %d/%d files uploaded before cancellation", r.FilesUploaded, r.TotalFiles)
	default:
		msg := "unknown error"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		return fmt.Sprintf("failed at %s: %d/%d files uploaded: %s", r.FailedStage, r.FilesUploaded, r.TotalFiles, msg)
	}
}
