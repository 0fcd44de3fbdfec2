package api

import (
	"time"

	"github.com/ocx/khala/internal/eventlog"
	"github.com/ocx/khala/internal/fanout"
	"github.com/ocx/khala/internal/projection"
)

// multiPublisher fans a committed frame out to both the fan-out hub and the
// projection pipeline, so eventlog.Log only needs a single Publisher.
type multiPublisher struct {
	hub  *fanout.Hub
	proj *projection.Pipeline
}

// NewMultiPublisher builds the composite Publisher cmd/khalad wires into
// eventlog.New, since eventlog.Log accepts exactly one Publisher but commits
// need to reach both the fan-out hub and the projection pipeline.
func NewMultiPublisher(hub *fanout.Hub, proj *projection.Pipeline) eventlog.Publisher {
	return &multiPublisher{hub: hub, proj: proj}
}

func (m *multiPublisher) Publish(topic string, seq int64, eventType string, payload map[string]any, commitTS time.Time) {
	m.hub.Publish(topic, seq, eventType, payload, commitTS)
	m.proj.Publish(topic, seq, eventType, payload, commitTS)
}
