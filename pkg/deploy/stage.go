package deploy

import "fmt"

// Stage is a step of a deployment run. Stages only move forward; the three
// terminal stages are absorbing.
type Stage int

const (
	StageNotStarted Stage = iota
	StageLoadingProfile
	StageBuildingProject
	StageConnectingToServer
	StagePreDeploymentSummary
	StageUploadingAppOffline
	StageDeletingAllRemoteFiles
	StageUploadingFiles
	StageCleaningUpObsoleteFiles
	StageDeletingAppOffline
	StageRecordingHistory
	StageCompleted
	StageFailed
	StageCancelled
)

var stageNames = [...]string{
	StageNotStarted:              "not_started",
	StageLoadingProfile:          "loading_profile",
	StageBuildingProject:         "building_project",
	StageConnectingToServer:      "connecting_to_server",
	StagePreDeploymentSummary:    "pre_deployment_summary",
	StageUploadingAppOffline:     "uploading_app_offline",
	StageDeletingAllRemoteFiles:  "deleting_all_remote_files",
	StageUploadingFiles:          "uploading_files",
	StageCleaningUpObsoleteFiles: "cleaning_up_obsolete_files",
	StageDeletingAppOffline:      "deleting_app_offline",
	StageRecordingHistory:        "recording_history",
	StageCompleted:               "completed",
	StageFailed:                  "failed",
	StageCancelled:               "cancelled",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	stage, err := parseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

func parseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return StageNotStarted, fmt.Errorf("unknown stage %q", name)
}
