package credit

import "sync"

// breakerWindowSize bounds the sliding window of recent settlement outcomes
// kept per (pool, scope_type) key. Large enough that min_sample thresholds
// in the tens still have headroom before the oldest sample rolls off.
const breakerWindowSize = 200

type outcome struct {
	loss      bool
	lnFailure bool
}

// breaker tracks a sliding window of settlement outcomes for one
// (pool, scope_type) pair and derives halted/closed state from it, adapted
// from internal/circuitbreaker/breaker.go's Counts/ReadyToTrip shape but
// keyed and thresholded the way spec.md §4.9 describes: two independent
// rates (loss, LN-failure) each gated by a minimum sample count.
type breaker struct {
	mu      sync.Mutex
	samples []outcome
	next    int
	filled  int
}

func newBreaker() *breaker {
	return &breaker{samples: make([]outcome, breakerWindowSize)}
}

// record appends one settlement outcome to the window.
func (b *breaker) record(loss, lnFailure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples[b.next] = outcome{loss: loss, lnFailure: lnFailure}
	b.next = (b.next + 1) % breakerWindowSize
	if b.filled < breakerWindowSize {
		b.filled++
	}
}

// halted reports whether the breaker is currently open, per the loss-rate
// and LN-failure-rate thresholds and the minimum sample gate.
func (b *breaker) halted(minSample int, lossThreshold, lnThreshold float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled < minSample {
		return false
	}
	var losses, lnFailures int
	for i := 0; i < b.filled; i++ {
		if b.samples[i].loss {
			losses++
		}
		if b.samples[i].lnFailure {
			lnFailures++
		}
	}
	lossRate := float64(losses) / float64(b.filled)
	lnRate := float64(lnFailures) / float64(b.filled)
	return lossRate > lossThreshold || lnRate > lnThreshold
}

// Breakers is the process-wide registry of per-(pool, scope_type) breakers.
// Writes go through a single serializer per key, via each breaker's own
// mutex, per spec.md §5's shared-resource policy.
type Breakers struct {
	mu       sync.Mutex
	byKey    map[string]*breaker
	minSample int
	lossThreshold float64
	lnThreshold   float64
}

func newBreakers(minSample int, lossThreshold, lnThreshold float64) *Breakers {
	return &Breakers{
		byKey:         make(map[string]*breaker),
		minSample:     minSample,
		lossThreshold: lossThreshold,
		lnThreshold:   lnThreshold,
	}
}

func breakerKey(pool, scopeType string) string { return pool + "\x00" + scopeType }

func (b *Breakers) get(pool, scopeType string) *breaker {
	key := breakerKey(pool, scopeType)
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.byKey[key]
	if !ok {
		br = newBreaker()
		b.byKey[key] = br
	}
	return br
}

// IsHalted reports whether the (pool, scope_type) breaker is currently
// halted, for both the Settle policy check and the router's candidate
// filter (spec.md §4.9's "router candidates ... excluded from selection").
func (b *Breakers) IsHalted(pool, scopeType string) bool {
	return b.get(pool, scopeType).halted(b.minSample, b.lossThreshold, b.lnThreshold)
}

// RecordOutcome records one settlement's outcome against its breaker.
func (b *Breakers) RecordOutcome(pool, scopeType string, loss, lnFailure bool) {
	b.get(pool, scopeType).record(loss, lnFailure)
}
