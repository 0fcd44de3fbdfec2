package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSummaryNotFoundBeforeAnyFrame(t *testing.T) {
	p := New()
	_, err := p.RunSummaryFor("run:missing:events")
	require.NotNil(t, err)
	assert.Equal(t, "unknown_projection", err.ReasonCode)
}

func TestRunSummaryFoldsStatusAndStepCount(t *testing.T) {
	p := New()
	p.Publish("run:r1:events", 1, "run.started", map[string]any{}, time.Now())
	p.Publish("run:r1:events", 2, "run.step.completed", map[string]any{"step": 1}, time.Now())
	p.Publish("run:r1:events", 3, "run.finished", map[string]any{"status": "succeeded"}, time.Now())

	s, err := p.RunSummaryFor("run:r1:events")
	require.Nil(t, err)
	assert.Equal(t, "succeeded", s.Status)
	assert.Equal(t, int64(3), s.LastSeq)
	assert.Equal(t, int64(1), s.StepCount)
}

func TestWorkerCheckpointTracksLastSeen(t *testing.T) {
	p := New()
	now := time.Now()
	p.Publish("worker:w1:lifecycle", 1, "worker.registered", map[string]any{}, now)
	w, err := p.WorkerCheckpointFor("worker:w1:lifecycle")
	require.Nil(t, err)
	assert.Equal(t, "registered", w.Status)
	assert.Equal(t, now.UnixMilli(), w.LastSeenMs)
}

func TestDriftTracksPerSubscriberCursor(t *testing.T) {
	p := New()
	p.RecordDrift("run:r1:events", "sub-a", 5)
	p.RecordDrift("run:r1:events", "sub-b", 9)

	v, ok := p.DriftFor("run:r1:events", "sub-a")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)

	_, ok = p.DriftFor("run:r1:events", "sub-missing")
	assert.False(t, ok)
}
