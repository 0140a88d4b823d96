// Package events publishes deployment stage and progress events to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"webdeploy/pkg/deploy"
	"webdeploy/pkg/logger"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type Event struct {
	Type      string       `json:"type"`
	Stage     string       `json:"stage"`
	State     deploy.State `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

// Connect dials the NATS server at url.
func Connect(url string, log *logger.Logger) (*nats.Conn, error) {
	log = logger.OrDefault(log)
	nc, err := nats.Connect(url,
		nats.Name("webdeploy"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", map[string]any{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", map[string]any{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Observer forwards deployment notifications as JSON events on
// <prefix>.<profile>.stage and <prefix>.<profile>.progress. Publish errors
// are logged and never fail a run.
type Observer struct {
	pub    Publisher
	prefix string
	logger *logger.Logger
	now    func() time.Time
}

func NewObserver(pub Publisher, prefix string, log *logger.Logger) *Observer {
	if prefix == "" {
		prefix = "webdeploy"
	}
	return &Observer{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.OrDefault(log),
		now:    time.Now,
	}
}

func (o *Observer) OnStageChanged(stage deploy.Stage, state deploy.State) {
	o.publish("stage", stage, state)
}

func (o *Observer) OnProgressUpdated(state deploy.State) {
	o.publish("progress", state.Stage, state)
}

func (o *Observer) publish(kind string, stage deploy.Stage, state deploy.State) {
	subject := o.Subject(state.ProfileName, kind)
	data, err := json.Marshal(Event{
		Type:      kind,
		Stage:     stage.String(),
		State:     state,
		Timestamp: o.now().UTC(),
	})
	if err != nil {
		o.logger.Error("failed to encode deployment event", err, map[string]any{"subject": subject})
		return
	}
	if err := o.pub.Publish(subject, data); err != nil {
		o.logger.Error("failed to publish deployment event", err, map[string]any{"subject": subject})
	}
}

// Subject builds the subject for a profile. Characters NATS treats as
// separators or wildcards are replaced.
func (o *Observer) Subject(profile, kind string) string {
	if profile == "" {
		profile = "unknown"
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, profile)
	return o.prefix + "." + token + "." + kind
}

var _ deploy.Observer = (*Observer)(nil)
