package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdeploy/pkg/deploy"
	"webdeploy/pkg/logger"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subj, data: data})
	return f.err
}

func TestObserverPublishesStageEvents(t *testing.T) {
	pub := &fakePublisher{}
	obs := NewObserver(pub, "deploys.", logger.Discard())

	state := deploy.State{ID: "run-1", ProfileName: "web", Stage: deploy.StageUploadingFiles, FilesUploaded: 3}
	obs.OnStageChanged(deploy.StageUploadingFiles, state)
	obs.OnProgressUpdated(state)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "deploys.web.stage", pub.msgs[0].subject)
	assert.Equal(t, "deploys.web.progress", pub.msgs[1].subject)

	var event map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &event))
	assert.Equal(t, "stage", event["type"])
	assert.Equal(t, "uploading_files", event["stage"])

	inner, ok := event["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", inner["id"])
	assert.Equal(t, float64(3), inner["files_uploaded"])

	var typed Event
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &typed))
	assert.Equal(t, "progress", typed.Type)
	assert.Equal(t, deploy.StageUploadingFiles, typed.State.Stage)
}

func TestObserverSubjectSanitizing(t *testing.T) {
	obs := NewObserver(&fakePublisher{}, "", logger.Discard())

	assert.Equal(t, "webdeploy.a_b_c.stage", obs.Subject("a.b*c", "stage"))
	assert.Equal(t, "webdeploy.unknown.progress", obs.Subject("", "progress"))
}

func TestObserverIgnoresPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	obs := NewObserver(pub, "webdeploy", logger.Discard())

	assert.NotPanics(t, func() {
		obs.OnStageChanged(deploy.StageFailed, deploy.State{ProfileName: "web"})
	})
	assert.Len(t, pub.msgs, 1)
}
