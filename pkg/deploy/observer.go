package deploy

import (
	"webdeploy/pkg/logger"
	"webdeploy/pkg/upload"
)

// Observer is notified on the orchestrator goroutine. Implementations must
// not block for long; they hold up the run.
type Observer interface {
	OnStageChanged(stage Stage, state State)
	OnProgressUpdated(state State)
}

type MultiObserver []Observer

func (m MultiObserver) OnStageChanged(stage Stage, state State) {
	for _, o := range m {
		o.OnStageChanged(stage, state.clone())
	}
}

func (m MultiObserver) OnProgressUpdated(state State) {
	for _, o := range m {
		o.OnProgressUpdated(state.clone())
	}
}

// LoggingObserver writes stage transitions at info level and progress at
// debug level.
type LoggingObserver struct {
	log *logger.Logger
}

func NewLoggingObserver(log *logger.Logger) *LoggingObserver {
	return &LoggingObserver{log: logger.OrDefault(log)}
}

func (l *LoggingObserver) OnStageChanged(stage Stage, state State) {
	fields := map[string]any{
		"deployment_id": state.ID,
		"profile":       state.ProfileName,
		"stage":         stage.String(),
	}
	if stage.IsTerminal() {
		fields["files_uploaded"] = state.FilesUploaded
		fields["total_files"] = state.TotalFiles
		if state.Error != "" {
			fields["error"] = state.Error
		}
	}
	l.log.Info("deployment stage changed", fields)
}

func (l *LoggingObserver) OnProgressUpdated(state State) {
	l.log.Debug("deployment progress", map[string]any{
		"deployment_id":  state.ID,
		"files_uploaded": state.FilesUploaded,
		"files_failed":   state.FilesFailed,
		"total_files":    state.TotalFiles,
		"bytes_uploaded": state.BytesUploaded,
		"total_bytes":    state.TotalBytes,
	})
}

// progressForwarder hands engine snapshots to the orchestrator goroutine.
// The channel is drained for the whole lifetime of a batch.
type progressForwarder chan<- upload.Progress

func (f progressForwarder) OnFileCompleted(upload.Result)   {}
func (f progressForwarder) OnRetry(upload.Task, int, error) {}

func (f progressForwarder) OnProgress(p upload.Progress) {
	f <- p
}
