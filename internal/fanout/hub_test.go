package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
)

func newTestHub(cfg *config.Config) (*Hub, *clock.Fake) {
	if cfg == nil {
		cfg = config.Defaulted()
	}
	c := clock.NewFake(time.Unix(0, 0))
	return New(cfg, c, nil), c
}

func loadDefaultedConfig() *config.Config {
	return config.Defaulted()
}

func publishN(h *Hub, topic string, n int) {
	for i := 1; i <= n; i++ {
		h.Publish(topic, int64(i), "run.step.progress", map[string]any{"i": i}, time.Now())
	}
}

// TestScenario4_StaleCursorByRetention is scenario 4 from spec.md §8.
func TestScenario4_StaleCursorByRetention(t *testing.T) {
	cfg := loadDefaultedConfig()
	h, _ := newTestHub(cfg)
	topic := "run:run-stale:events"
	publishN(h, topic, 80)

	_, err := h.Poll(topic, 0, 10, "principal-1")
	require.NotNil(t, err)
	assert.Equal(t, "stale_cursor", err.Kind)
	assert.Equal(t, "retention_floor_breach", err.ReasonCode)
}

// TestScenario5_SlowConsumerEviction is scenario 5 from spec.md §8.
func TestScenario5_SlowConsumerEviction(t *testing.T) {
	cfg := loadDefaultedConfig()
	cfg.Fanout.SlowConsumerLagThreshold = 2
	cfg.Fanout.SlowConsumerMaxStrikes = 2
	cfg.Fanout.PollDefaultLimit = 1
	cfg.Fanout.PollMinIntervalMs = 0

	h, fc := newTestHub(cfg)
	topic := "run:run-slow:events"
	publishN(h, topic, 7)

	res1, err1 := h.Poll(topic, 0, 1, "principal-slow")
	require.Nil(t, err1)
	assert.Equal(t, 1, res1.SlowConsumerStrikes)

	fc.Advance(time.Second)
	_, err2 := h.Poll(topic, 0, 1, "principal-slow")
	require.NotNil(t, err2)
	assert.Equal(t, "slow_consumer_evicted", err2.ReasonCode)
	assert.Equal(t, 2, err2.Details["strikes"])
}

func TestPollMinIntervalRateLimits(t *testing.T) {
	cfg := loadDefaultedConfig()
	cfg.Fanout.PollMinIntervalMs = 1000
	h, _ := newTestHub(cfg)
	topic := "run:run-rl:events"
	publishN(h, topic, 5)

	_, err := h.Poll(topic, 0, 10, "p1")
	require.Nil(t, err)

	_, err2 := h.Poll(topic, 0, 10, "p1")
	require.NotNil(t, err2)
	assert.Equal(t, "rate_limited", err2.Kind)
	assert.Equal(t, "poll_interval_guard", err2.ReasonCode)
}

func TestFairSliceAppliesAcrossMultipleTopics(t *testing.T) {
	cfg := loadDefaultedConfig()
	cfg.Fanout.PollMinIntervalMs = 0
	cfg.Fanout.FairTopicSliceLimit = 10
	cfg.Fanout.PollDefaultLimit = 100
	cfg.Fanout.PollMaxLimit = 100
	cfg.Fanout.OutboundQueueLimit = 100

	h, _ := newTestHub(cfg)
	publishN(h, "run:a:events", 50)
	publishN(h, "run:b:events", 50)

	res1, err := h.Poll("run:a:events", 0, 100, "principal-fair")
	require.Nil(t, err)
	assert.False(t, res1.FairnessApplied)
	assert.Equal(t, 1, res1.ActiveTopicCount)

	res2, err2 := h.Poll("run:b:events", 0, 100, "principal-fair")
	require.Nil(t, err2)
	assert.True(t, res2.FairnessApplied)
	assert.Equal(t, 2, res2.ActiveTopicCount)
	assert.LessOrEqual(t, res2.LimitApplied, ceilDiv(10, 2))
}

func TestReplayBudgetExceededEvenWhenPhysicallyResident(t *testing.T) {
	cfg := loadDefaultedConfig()
	cfg.Topics.RunEvents.ReplayBudgetEvents = 5
	cfg.Fanout.QueueCapacity = 1000

	h, _ := newTestHub(cfg)
	topic := "run:run-budget:events"
	publishN(h, topic, 20)

	_, err := h.Poll(topic, 0, 10, "p1")
	require.NotNil(t, err)
	assert.Equal(t, "replay_budget_exceeded", err.ReasonCode)

	_, err2 := h.Poll(topic, 15, 10, "p2")
	require.Nil(t, err2)
}
