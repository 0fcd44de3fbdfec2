// Package fanout implements the per-topic bounded ring buffers, cursor-based
// polling, fair scheduling, and slow-consumer eviction described in
// spec.md §4.3. Grounded on spec.md directly for the ring/poll contract and
// on internal/ringbuf/reader.go's naming for a bounded ring (that file wraps
// a kernel eBPF ring; this one is a plain in-memory slice-backed ring since
// there is no kernel event source in this system).
package fanout

import (
	"sync"
	"time"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/eventlog"
	"github.com/ocx/khala/internal/metrics"
)

// Message is a fan-out copy of a committed frame, shaped for delivery to
// pollers and streaming sessions.
type Message struct {
	Sequence        int64          `json:"sequence"`
	EventType       string         `json:"event_type"`
	Payload         map[string]any `json:"payload"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
}

// ring is the bounded per-topic queue. On overflow the oldest message is
// evicted and the retention floor advances to the sequence following it.
type ring struct {
	mu       sync.Mutex
	capacity int
	buf      []Message
	floor    int64 // oldest sequence still resident; 1 before anything evicted
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity, floor: 1}
}

func (r *ring) push(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, m)
	if len(r.buf) > r.capacity {
		evicted := r.buf[0]
		r.buf = r.buf[1:]
		r.floor = evicted.Sequence + 1
	}
}

func (r *ring) snapshot() (buf []Message, floor, head, depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.buf))
	copy(out, r.buf)
	h := int64(0)
	if len(r.buf) > 0 {
		h = r.buf[len(r.buf)-1].Sequence
	}
	return out, r.floor, h, int64(len(r.buf))
}

// Subscription is the hub's weak reference to a serving session: principal
// and cursor, used for fair-slice accounting and slow-consumer eviction.
type Subscription struct {
	Principal  string
	Topic      string
	Cursor     int64
	LastServed time.Time
	Strikes    int
	QoSTier    string
}

type subKey struct {
	principal string
	topic     string
}

// PollResult is the response shape returned from Poll, per §4.3 step 6.
type PollResult struct {
	Messages              []Message `json:"messages"`
	NextCursor            int64     `json:"next_cursor"`
	HeadCursor            int64     `json:"head_cursor"`
	OldestAvailableCursor int64     `json:"oldest_available_cursor"`
	QueueDepth            int64     `json:"queue_depth"`
	LimitApplied          int       `json:"limit_applied"`
	LimitCapped           bool      `json:"limit_capped"`
	FairnessApplied       bool      `json:"fairness_applied"`
	ActiveTopicCount      int       `json:"active_topic_count"`
	OutboundQueueLimit    int       `json:"outbound_queue_limit"`
	ReplayComplete        bool      `json:"replay_complete"`
	SlowConsumerStrikes   int       `json:"slow_consumer_strikes"`
	QoSTier               string    `json:"qos_tier"`
	ReplayBudgetEvents    int64     `json:"replay_budget_events"`
}

// Hub owns every topic ring and every (principal, topic) subscription.
type Hub struct {
	cfg    *config.Config
	clock  clock.Clock
	mets   *metrics.Metrics

	ringsMu sync.RWMutex
	rings   map[string]*ring

	subsMu sync.Mutex
	subs   map[subKey]*Subscription
}

// New creates an empty Hub.
func New(cfg *config.Config, c clock.Clock, m *metrics.Metrics) *Hub {
	return &Hub{
		cfg:   cfg,
		clock: c,
		mets:  m,
		rings: make(map[string]*ring),
		subs:  make(map[subKey]*Subscription),
	}
}

func (h *Hub) getRing(topic string) *ring {
	h.ringsMu.RLock()
	r, ok := h.rings[topic]
	h.ringsMu.RUnlock()
	if ok {
		return r
	}

	h.ringsMu.Lock()
	defer h.ringsMu.Unlock()
	if r, ok := h.rings[topic]; ok {
		return r
	}
	capacity := h.cfg.Fanout.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}
	r = newRing(capacity)
	h.rings[topic] = r
	return r
}

// Publish implements eventlog.Publisher — committed frames are handed to
// the hub inside the stream's lock so hub order equals log order.
func (h *Hub) Publish(topic string, seq int64, eventType string, payload map[string]any, commitTS time.Time) {
	r := h.getRing(topic)
	r.push(Message{Sequence: seq, EventType: eventType, Payload: payload, CommitTimestamp: commitTS})
	if h.mets != nil {
		_, _, _, depth := r.snapshot()
		h.mets.QueueDepth.WithLabelValues(topic).Set(float64(depth))
	}
}

func (h *Hub) getOrCreateSub(principal, topic string) *Subscription {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	k := subKey{principal: principal, topic: topic}
	s, ok := h.subs[k]
	if !ok {
		s = &Subscription{Principal: principal, Topic: topic, QoSTier: "warm"}
		h.subs[k] = s
	}
	return s
}

func (h *Hub) activeTopicCount(principal string) int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	n := 0
	for k := range h.subs {
		if k.principal == principal {
			n++
		}
	}
	return n
}

func (h *Hub) evictSub(principal, topic string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	delete(h.subs, subKey{principal: principal, topic: topic})
}

// Poll implements steps 1 and 4-7 of the §4.3 poll contract. Steps 2
// (origin) and 3 (authorize) are evaluated by the caller (auth.Gate.Authorize,
// called from internal/api's poll handler) before Poll is ever invoked.
func (h *Hub) Poll(topic string, afterSeq int64, requestedLimit int, principal string) (*PollResult, *apierr.Error) {
	sub := h.getOrCreateSub(principal, topic)
	now := h.clock.Now()

	minInterval := time.Duration(h.cfg.Fanout.PollMinIntervalMs) * time.Millisecond
	if !sub.LastServed.IsZero() {
		elapsed := now.Sub(sub.LastServed)
		if elapsed < minInterval {
			remaining := (minInterval - elapsed).Milliseconds()
			return nil, apierr.RateLimited("poll_interval_guard", remaining)
		}
	}

	class := eventlog.ClassifyKey(topic)
	classCfg := h.cfg.Topics.ClassFor(string(class))

	r := h.getRing(topic)
	buf, floor, head, depth := r.snapshot()

	if afterSeq < floor-1 {
		return nil, apierr.StaleCursor("retention_floor_breach")
	}
	if head-afterSeq > classCfg.ReplayBudgetEvents {
		return nil, apierr.StaleCursor("replay_budget_exceeded")
	}

	limit := requestedLimit
	if limit <= 0 {
		limit = h.cfg.Fanout.PollDefaultLimit
	}
	limitCapped := false
	applyCap := func(n int) {
		if limit > n {
			limit = n
			limitCapped = true
		}
	}
	applyCap(h.cfg.Fanout.PollDefaultLimit)
	if h.cfg.Fanout.PollMaxLimit > 0 {
		applyCap(h.cfg.Fanout.PollMaxLimit)
	}
	applyCap(h.cfg.Fanout.OutboundQueueLimit)

	activeTopics := h.activeTopicCount(principal)
	fairnessApplied := false
	if activeTopics > 1 {
		fairCap := ceilDiv(h.cfg.Fanout.FairTopicSliceLimit, activeTopics)
		if limit > fairCap {
			limit = fairCap
			fairnessApplied = true
		}
	}

	messages := make([]Message, 0, limit)
	for _, m := range buf {
		if m.Sequence <= afterSeq {
			continue
		}
		messages = append(messages, m)
		if len(messages) >= limit {
			break
		}
	}

	nextCursor := afterSeq
	if len(messages) > 0 {
		nextCursor = messages[len(messages)-1].Sequence
	}

	sub.LastServed = now
	sub.Cursor = nextCursor
	lag := head - nextCursor
	if lag > int64(h.cfg.Fanout.SlowConsumerLagThreshold) {
		sub.Strikes++
	}
	strikes := sub.Strikes

	if strikes >= h.cfg.Fanout.SlowConsumerMaxStrikes {
		h.evictSub(principal, topic)
		if h.mets != nil {
			h.mets.SubscriptionEvictions.WithLabelValues(topic).Inc()
		}
		return nil, apierr.SlowConsumerEvicted(strikes)
	}
	if h.mets != nil && lag > int64(h.cfg.Fanout.SlowConsumerLagThreshold) {
		h.mets.SlowConsumerStrikes.WithLabelValues(topic).Inc()
	}

	return &PollResult{
		Messages:              messages,
		NextCursor:            nextCursor,
		HeadCursor:            head,
		OldestAvailableCursor: floor,
		QueueDepth:            depth,
		LimitApplied:          limit,
		LimitCapped:           limitCapped,
		FairnessApplied:       fairnessApplied,
		ActiveTopicCount:      activeTopics,
		OutboundQueueLimit:    h.cfg.Fanout.OutboundQueueLimit,
		ReplayComplete:        nextCursor == head,
		SlowConsumerStrikes:   strikes,
		QoSTier:               sub.QoSTier,
		ReplayBudgetEvents:    classCfg.ReplayBudgetEvents,
	}, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
