package ratelimit

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
)

func TestAllowPublishDrainsBucketThenRefills(t *testing.T) {
	cfg := config.Defaulted()
	cfg.Topics.RunEvents.PublishRatePerSecond = 2
	c := clock.NewFake(time.Unix(0, 0))
	g := New(cfg, c, nil)

	topic := "run:r1:events"
	require.Nil(t, g.AllowPublish(topic))
	require.Nil(t, g.AllowPublish(topic))

	err := g.AllowPublish(topic)
	require.NotNil(t, err)
	assert.Equal(t, "rate_limited", err.Kind)
	assert.Equal(t, "khala_publish_rate_limited", err.ReasonCode)

	c.Advance(time.Second)
	require.Nil(t, g.AllowPublish(topic))
}

func TestCheckPayloadBoundary(t *testing.T) {
	cfg := config.Defaulted()
	cfg.Topics.RunEvents.MaxPayloadBytes = 20
	c := clock.NewFake(time.Unix(0, 0))
	g := New(cfg, c, nil)

	topic := "run:r1:events"

	small := map[string]any{"a": "x"}
	require.Nil(t, g.CheckPayload(topic, small))

	exact := map[string]any{"a": strings.Repeat("x", 12)} // {"a":"x…x"} is 20 bytes
	require.Nil(t, g.CheckPayload(topic, exact))

	overByOne := map[string]any{"a": strings.Repeat("x", 13)}
	require.NotNil(t, g.CheckPayload(topic, overByOne))

	big := map[string]any{"a": strings.Repeat("x", 30)}
	err := g.CheckPayload(topic, big)
	require.NotNil(t, err)
	assert.Equal(t, "payload_too_large", err.Kind)
	assert.Equal(t, "khala_frame_payload_too_large", err.ReasonCode)
}
