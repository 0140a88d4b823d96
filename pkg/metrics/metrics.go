// Package metrics exports deployment and upload counters to prometheus.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"webdeploy/pkg/deploy"
	"webdeploy/pkg/upload"
)

const namespace = "webdeploy"

var stageBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800}

type Recorder struct {
	deployments   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	filesUploaded *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	uploadRetries prometheus.Counter

	mu      sync.Mutex
	running map[string]stageMark
	now     func() time.Time
}

type stageMark struct {
	stage deploy.Stage
	at    time.Time
}

// NewRecorder registers the collectors with reg. Collectors that are
// already registered are reused, so a second Recorder on the same registry
// shares the first one's series.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Finished deployments by outcome",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each deployment stage",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		filesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_uploaded_total",
			Help:      "Upload tasks by result",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes transferred by successful uploads",
		}),
		uploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_retries_total",
			Help:      "Upload attempts that were retried",
		}),
		running: make(map[string]stageMark),
		now:     time.Now,
	}

	r.deployments = register(reg, r.deployments)
	r.stageDuration = register(reg, r.stageDuration)
	r.filesUploaded = register(reg, r.filesUploaded)
	r.uploadBytes = register(reg, r.uploadBytes)
	r.uploadRetries = register(reg, r.uploadRetries)
	return r
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// OnStageChanged closes the timer of the previous stage and counts the
// outcome once a run reaches a terminal stage.
func (r *Recorder) OnStageChanged(stage deploy.Stage, state deploy.State) {
	now := r.now()

	r.mu.Lock()
	prev, ok := r.running[state.ID]
	if stage.IsTerminal() {
		delete(r.running, state.ID)
	} else {
		r.running[state.ID] = stageMark{stage: stage, at: now}
	}
	r.mu.Unlock()

	if ok {
		r.stageDuration.WithLabelValues(prev.stage.String()).Observe(now.Sub(prev.at).Seconds())
	}
	if stage.IsTerminal() {
		r.deployments.WithLabelValues(stage.String()).Inc()
	}
}

func (r *Recorder) OnProgressUpdated(deploy.State) {}

// UploadObserver returns the engine-side half of the recorder.
func (r *Recorder) UploadObserver() upload.Observer {
	return uploadObserver{r}
}

type uploadObserver struct {
	r *Recorder
}

func (u uploadObserver) OnFileCompleted(res upload.Result) {
	switch {
	case res.Success:
		u.r.filesUploaded.WithLabelValues("success").Inc()
		u.r.uploadBytes.Add(float64(res.BytesTransferred))
	case res.Cancelled:
		u.r.filesUploaded.WithLabelValues("cancelled").Inc()
	default:
		u.r.filesUploaded.WithLabelValues("failed").Inc()
	}
}

func (u uploadObserver) OnProgress(upload.Progress) {}

func (u uploadObserver) OnRetry(upload.Task, int, error) {
	u.r.uploadRetries.Inc()
}

var (
	_ deploy.Observer = (*Recorder)(nil)
	_ upload.Observer = uploadObserver{}
)
