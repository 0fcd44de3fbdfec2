// Package ratelimit implements the publish-side leaky bucket and payload cap
// described in spec.md §4.4, per topic class. Grounded on
// internal/middleware/rate_limiter.go's read-first/write-on-miss window map,
// generalized from per-agent sliding windows to a leaky bucket keyed by
// topic class (the knob spec.md names, `<class>_publish_rate_per_second`, is
// a steady-state rate rather than a per-minute burst count, so the bucket
// drains continuously instead of resetting on a fixed window boundary).
package ratelimit

import (
	"sync"
	"time"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/canon"
	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/eventlog"
	"github.com/ocx/khala/internal/metrics"
)

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// Gate enforces the per-topic-class publish rate limit and payload cap.
type Gate struct {
	cfg   *config.Config
	clock clock.Clock
	mets  *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket // keyed by topic
}

// New builds an empty Gate.
func New(cfg *config.Config, c clock.Clock, m *metrics.Metrics) *Gate {
	return &Gate{cfg: cfg, clock: c, mets: m, buckets: make(map[string]*bucket)}
}

func (g *Gate) getBucket(topic string, now time.Time) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[topic]
	if !ok {
		class := eventlog.ClassifyKey(topic)
		classCfg := g.cfg.Topics.ClassFor(string(class))
		b = &bucket{tokens: classCfg.PublishRatePerSecond, lastFill: now}
		g.buckets[topic] = b
	}
	return b
}

// AllowPublish applies the §4.4 leaky-bucket check for one publish attempt
// against topic, refilling by elapsed time at the topic class's configured
// rate and capping the bucket depth at one second's worth of tokens.
func (g *Gate) AllowPublish(topic string) *apierr.Error {
	class := eventlog.ClassifyKey(topic)
	classCfg := g.cfg.Topics.ClassFor(string(class))
	if classCfg.PublishRatePerSecond <= 0 {
		return nil
	}

	now := g.clock.Now()
	b := g.getBucket(topic, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * classCfg.PublishRatePerSecond
		if b.tokens > classCfg.PublishRatePerSecond {
			b.tokens = classCfg.PublishRatePerSecond
		}
		b.lastFill = now
	}

	if b.tokens < 1 {
		if g.mets != nil {
			g.mets.RateLimitRejections.WithLabelValues(string(class)).Inc()
		}
		return apierr.RateLimited("khala_publish_rate_limited", int64(1000/classCfg.PublishRatePerSecond))
	}
	b.tokens--
	return nil
}

// CheckPayload enforces the §4.4 `<class>_max_payload_bytes` cap, measured
// over the canonical JSON encoding of payload. A payload of exactly the
// configured size is accepted; one byte over is rejected (spec.md §8's
// named boundary case).
func (g *Gate) CheckPayload(topic string, payload map[string]any) *apierr.Error {
	class := eventlog.ClassifyKey(topic)
	classCfg := g.cfg.Topics.ClassFor(string(class))
	if classCfg.MaxPayloadBytes <= 0 {
		return nil
	}

	raw, err := canon.Marshal(payload)
	if err != nil {
		return apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}
	if len(raw) > classCfg.MaxPayloadBytes {
		if g.mets != nil {
			g.mets.PayloadRejections.WithLabelValues(string(class)).Inc()
		}
		return apierr.PayloadTooLarge(string(class))
	}
	return nil
}
