package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdeploy/pkg/config"
	"webdeploy/pkg/history"
	"webdeploy/pkg/logger"
	"webdeploy/pkg/queue"
)

type fakePublisher struct {
	payloads []queue.DeployPayload
	err      error
}

func (f *fakePublisher) PublishDeploy(ctx context.Context, payload queue.DeployPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "deployments"}, nil
}

type fakeHistory struct {
	runs      map[string][]history.Record
	lastLimit int
	err       error
}

func (f *fakeHistory) List(ctx context.Context, profile string, limit int) ([]history.Record, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	runs := f.runs[profile]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return append([]history.Record{}, runs...), nil
}

func (f *fakeHistory) Latest(ctx context.Context, profile string) (*history.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	runs := f.runs[profile]
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func newTestServer(pub *fakePublisher, hist *fakeHistory, gatherer prometheus.Gatherer) http.Handler {
	return NewHTTPHandler(pub, hist, gatherer, logger.Discard()).Router()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDeployHandler(t *testing.T) {
	pub := &fakePublisher{}
	srv := newTestServer(pub, &fakeHistory{}, nil)

	rec := do(t, srv, http.MethodPost, "/deployments", `{"profile":"web","skip_build":true,"maintenance":false}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp DeployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "task-1", resp.TaskID)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "web", pub.payloads[0].Profile)
	assert.True(t, pub.payloads[0].SkipBuild)
	require.NotNil(t, pub.payloads[0].Maintenance)
	assert.False(t, *pub.payloads[0].Maintenance)
}

func TestDeployHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "invalid json", body: `{`, status: http.StatusBadRequest},
		{name: "missing profile", body: `{}`, status: http.StatusBadRequest},
		{name: "unknown profile", body: `{"profile":"nope"}`, err: fmt.Errorf("%w: %q", config.ErrProfileNotFound, "nope"), status: http.StatusNotFound},
		{name: "queue down", body: `{"profile":"web"}`, err: errors.New("redis down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakePublisher{err: tt.err}, &fakeHistory{}, nil)

			rec := do(t, srv, http.MethodPost, "/deployments", tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var resp DeployResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestDeployHandlerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(&fakePublisher{}, &fakeHistory{}, nil)

	rec := do(t, srv, http.MethodGet, "/deployments", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistoryHandler(t *testing.T) {
	hist := &fakeHistory{runs: map[string][]history.Record{
		"web": {{ID: "run-3", Profile: "web"}, {ID: "run-2", Profile: "web"}, {ID: "run-1", Profile: "web"}},
	}}
	srv := newTestServer(&fakePublisher{}, hist, nil)

	rec := do(t, srv, http.MethodGet, "/deployments/web?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "web", resp.Profile)
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "run-3", resp.Runs[0].ID)
	assert.Equal(t, 2, hist.lastLimit)

	rec = do(t, srv, http.MethodGet, "/deployments/web", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultLimit, hist.lastLimit)

	rec = do(t, srv, http.MethodGet, "/deployments/web?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/deployments/api", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Runs)
	assert.Empty(t, resp.Runs)
}

func TestLatestHandler(t *testing.T) {
	hist := &fakeHistory{runs: map[string][]history.Record{
		"web": {{ID: "run-9", Profile: "web", Status: "completed"}},
	}}
	srv := newTestServer(&fakePublisher{}, hist, nil)

	rec := do(t, srv, http.MethodGet, "/deployments/web/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var run history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-9", run.ID)
	assert.Equal(t, "completed", run.Status)

	rec = do(t, srv, http.MethodGet, "/deployments/api/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	hist.err = errors.New("database is locked")
	rec = do(t, srv, http.MethodGet, "/deployments/web/latest", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "webdeploy_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := newTestServer(&fakePublisher{}, &fakeHistory{}, reg)

	rec := do(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webdeploy_test_total 1")

	withoutMetrics := newTestServer(&fakePublisher{}, &fakeHistory{}, nil)
	rec = do(t, withoutMetrics, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
