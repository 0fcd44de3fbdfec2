package eventlog

import (
	"sync"
	"time"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/clock"
)

// Publisher hands a committed frame to the fan-out hub. Publishing happens
// while the stream's lock is held so hub order equals log order (§4.1).
type Publisher interface {
	Publish(topic string, seq int64, eventType string, payload map[string]any, commitTS time.Time)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, int64, string, map[string]any, time.Time) {}

// AppendOptions carries the optional idempotency/concurrency fields from
// §3/§4.1. Privileged must be set only by callers the core itself trusts to
// produce settlement event types (internal/credit.Store) — the HTTP append
// handler never sets it, so a client-supplied event_type can never reach the
// settlement-only branch below.
type AppendOptions struct {
	IdempotencyKey      string
	ExpectedPreviousSeq *int64
	Privileged          bool
}

// settlementEventTypes are produced only by the Settlement Executor; direct
// client writes are rejected per §4.1 append contract step 4.
var settlementEventTypes = map[string]bool{
	"payment": true,
	"receipt": true,
}

// IsSettlementEventType reports whether eventType is produced only by the
// Settlement Executor, so callers outside this package (the HTTP append
// handler) can reject it before ever calling Append.
func IsSettlementEventType(eventType string) bool {
	return settlementEventTypes[eventType]
}

// Log is the registry of all streams, keyed by stream key. A registry-wide
// mutex guards creation only; once a *Stream exists, all operations against
// it take the stream's own lock so cross-stream operations proceed in
// parallel.
type Log struct {
	mu        sync.RWMutex
	streams   map[string]*Stream
	clock     clock.Clock
	publisher Publisher
}

// New creates an empty Log.
func New(c clock.Clock, pub Publisher) *Log {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Log{streams: make(map[string]*Stream), clock: c, publisher: pub}
}

func (l *Log) getOrCreate(key string) *Stream {
	l.mu.RLock()
	s, ok := l.streams[key]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[key]; ok {
		return s
	}
	s = newStream(key, "", l.clock.Now())
	l.streams[key] = s
	return s
}

// Get returns the stream if it exists.
func (l *Log) Get(key string) (*Stream, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.streams[key]
	return s, ok
}

// CreateStream appends a synthetic first frame at sequence 1. Fails with
// conflict if the stream already has committed frames.
func (l *Log) CreateStream(key, owner, eventType string, payload map[string]any) (*Frame, *apierr.Error) {
	s := l.getOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) > 0 {
		return nil, apierr.Conflict("sequence_conflict", map[string]any{"head": s.head()})
	}
	if s.Owner == "" {
		s.Owner = owner
	}
	return l.appendLocked(s, eventType, payload, AppendOptions{})
}

// Append validates and commits a new frame per the §4.1 append contract,
// evaluated in order: idempotent replay, expected-seq conflict, terminal-stream
// guard, settlement-event guard, state machine validation, then sequence
// assignment and publish — all inside the stream's own lock so publish order equals commit
// order.
func (l *Log) Append(key, eventType string, payload map[string]any, opts AppendOptions) (*Frame, *apierr.Error) {
	s := l.getOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.appendLocked(s, eventType, payload, opts)
}

func (l *Log) appendLocked(s *Stream, eventType string, payload map[string]any, opts AppendOptions) (*Frame, *apierr.Error) {
	sha, err := payloadSHA(eventType, payload)
	if err != nil {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}

	// Step 1: idempotent replay.
	if opts.IdempotencyKey != "" {
		if idx, ok := s.idempotency[opts.IdempotencyKey]; ok {
			existing := s.frames[idx]
			if existing.PayloadSHA256 == sha {
				return existing, nil
			}
			return nil, apierr.Conflict("idempotency_drift", map[string]any{"idempotency_key": opts.IdempotencyKey})
		}
	}

	// Step 2: expected_previous_seq conflict.
	head := s.head()
	if opts.ExpectedPreviousSeq != nil && *opts.ExpectedPreviousSeq != head {
		return nil, apierr.Conflict("sequence_conflict", map[string]any{"head": head})
	}

	// Terminal-stream guard (§3 invariant: terminal streams reject new
	// non-receipt appends), evaluated before the state machine.
	if s.Terminal && !settlementEventTypes[eventType] {
		return nil, apierr.BadRequest("invalid_terminal_transition", nil)
	}

	// Step 4: settlement-only event types (payment, receipt) are produced
	// only by the Settlement Executor — reject any non-privileged write
	// before it ever reaches the state machine, per §4.1 append contract
	// step 4.
	if settlementEventTypes[eventType] && !opts.Privileged {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"event_type": eventType})
	}

	// Step 3: state machine validation.
	nextStatus, changes, serr := s.machine.transition(s.status, eventType, payload)
	if serr != nil {
		return nil, serr
	}

	seq := head + 1
	now := l.clock.Now()
	frame := &Frame{
		Sequence:          seq,
		EventType:         eventType,
		Payload:           payload,
		PayloadSHA256:     sha,
		ProducerTimestamp: now,
		CommitTimestamp:   now,
		IdempotencyKey:    opts.IdempotencyKey,
	}
	if opts.ExpectedPreviousSeq != nil {
		v := *opts.ExpectedPreviousSeq
		frame.ExpectedPreviousSeq = &v
	}

	s.frames = append(s.frames, frame)
	if opts.IdempotencyKey != "" {
		s.idempotency[opts.IdempotencyKey] = len(s.frames) - 1
	}
	if changes {
		s.status = nextStatus
		if s.machine.terminal(nextStatus) {
			s.Terminal = true
		}
	}

	l.publisher.Publish(s.Key, frame.Sequence, frame.EventType, frame.Payload, frame.CommitTimestamp)

	return frame, nil
}

// Read returns up to limit frames with sequence > afterSeq, plus head and
// floor.
func (l *Log) Read(key string, afterSeq int64, limit int) (frames []*Frame, head int64, floor int64, err *apierr.Error) {
	s, ok := l.Get(key)
	if !ok {
		return nil, 0, 0, apierr.NotFound("unknown_stream")
	}
	return s.Frames(afterSeq, limit), s.Head(), s.Floor(), nil
}

// Head returns the head sequence for a stream, or 0 and not-found.
func (l *Log) Head(key string) (int64, *apierr.Error) {
	s, ok := l.Get(key)
	if !ok {
		return 0, apierr.NotFound("unknown_stream")
	}
	return s.Head(), nil
}

// Floor returns the retention floor for a stream, or 0 and not-found.
func (l *Log) Floor(key string) (int64, *apierr.Error) {
	s, ok := l.Get(key)
	if !ok {
		return 0, apierr.NotFound("unknown_stream")
	}
	return s.Floor(), nil
}

// OwnerOf satisfies internal/auth.OwnerLookup for owner-binding checks on
// worker/fleet topics.
func (l *Log) OwnerOf(key string) (string, bool) {
	s, ok := l.Get(key)
	if !ok {
		return "", false
	}
	return s.OwnerOf(), true
}
