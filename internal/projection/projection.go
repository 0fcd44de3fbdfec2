// Package projection folds committed frames into per-stream summaries.
// Grounded on spec.md §4.8 and §9's "projections MUST be derivable solely
// from the event log" — and on internal/reputation/tax.go's pattern of
// folding an append-only ledger into running aggregates.
package projection

import (
	"strings"
	"sync"
	"time"

	"github.com/ocx/khala/internal/apierr"
)

// RunSummary is the projected view of a run:<id>:events stream.
type RunSummary struct {
	LastEventType string
	LastSeq       int64
	Status        string
	StepCount     int64
}

// WorkerCheckpoint is the projected view of a worker:<id>:lifecycle stream.
type WorkerCheckpoint struct {
	LastEventType string
	LastSeq       int64
	LastSeenMs    int64
	Status        string
}

// driftKey identifies one external subscriber's cursor position on a topic.
type driftKey struct {
	topic  string
	cursor string
}

// Pipeline consumes each committed frame exactly once, synchronously with
// the append commit (the caller invokes Publish from inside the same
// critical section eventlog.Log uses to publish to the fan-out hub, so a
// committed frame is never visible to projection readers before its fold
// has applied).
type Pipeline struct {
	mu       sync.RWMutex
	runs     map[string]*RunSummary
	workers  map[string]*WorkerCheckpoint
	drift    map[driftKey]int64
}

// New creates an empty projection pipeline.
func New() *Pipeline {
	return &Pipeline{
		runs:    make(map[string]*RunSummary),
		workers: make(map[string]*WorkerCheckpoint),
		drift:   make(map[driftKey]int64),
	}
}

// Publish implements eventlog.Publisher — folding frames into the
// appropriate projection as they commit.
func (p *Pipeline) Publish(topic string, seq int64, eventType string, payload map[string]any, commitTS time.Time) {
	switch {
	case strings.HasPrefix(topic, "run:"):
		p.foldRun(topic, seq, eventType, payload)
	case strings.HasPrefix(topic, "worker:"):
		p.foldWorker(topic, seq, eventType, payload, commitTS)
	}
}

func (p *Pipeline) foldRun(topic string, seq int64, eventType string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.runs[topic]
	if !ok {
		s = &RunSummary{Status: "pending"}
		p.runs[topic] = s
	}
	s.LastEventType = eventType
	s.LastSeq = seq
	if strings.HasPrefix(eventType, "run.step.") {
		s.StepCount++
	}
	switch eventType {
	case "run.started":
		s.Status = "running"
	case "run.finished":
		if status, ok := payload["status"].(string); ok {
			s.Status = status
		}
	}
}

func (p *Pipeline) foldWorker(topic string, seq int64, eventType string, payload map[string]any, commitTS time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[topic]
	if !ok {
		w = &WorkerCheckpoint{}
		p.workers[topic] = w
	}
	w.LastEventType = eventType
	w.LastSeq = seq
	w.LastSeenMs = commitTS.UnixMilli()
	switch eventType {
	case "worker.registered":
		w.Status = "registered"
	case "worker.heartbeat":
		if w.Status == "idle" || w.Status == "" {
			w.Status = "active"
		}
	case "worker.activated":
		w.Status = "active"
	case "worker.idled":
		w.Status = "idle"
	case "worker.failed":
		w.Status = "failed"
	case "worker.retired":
		w.Status = "retired"
	}
}

// RunSummaryFor returns the projected run summary, or not_found if the run
// stream has never been observed.
func (p *Pipeline) RunSummaryFor(streamKey string) (*RunSummary, *apierr.Error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.runs[streamKey]
	if !ok {
		return nil, apierr.NotFound("unknown_projection")
	}
	cp := *s
	return &cp, nil
}

// WorkerCheckpointFor returns the projected worker checkpoint, or not_found.
func (p *Pipeline) WorkerCheckpointFor(streamKey string) (*WorkerCheckpoint, *apierr.Error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[streamKey]
	if !ok {
		return nil, apierr.NotFound("unknown_projection")
	}
	cp := *w
	return &cp, nil
}

// RecordDrift tracks the last cursor an external subscriber observed for a
// topic, keyed on (topic, subscriberID); the stored value is the cursor.
func (p *Pipeline) RecordDrift(topic, subscriberID string, cursor int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drift[driftKey{topic: topic, cursor: subscriberID}] = cursor
}

// DriftFor returns the last recorded cursor for a (topic, subscriber) pair.
func (p *Pipeline) DriftFor(topic, subscriberID string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.drift[driftKey{topic: topic, cursor: subscriberID}]
	return v, ok
}
