package auth

import "strings"

// Scope names required per topic class, per §4.6 step 5.
const (
	ScopeRunEvents       = "runtime.run_events"
	ScopeWorkerLifecycle = "runtime.worker_lifecycle_events"
	ScopeCodexWorker     = "runtime.codex_worker_events"
)

// requiredScopes maps a topic key to the OR-set of scopes a token may carry
// to satisfy it, mirroring internal/eventlog's ClassifyKey prefix rules but
// speaking in terms of OA scope names rather than internal topic classes.
// Per §4.6 step 5, worker:*:lifecycle and fleet:user:<u>:workers topics
// accept either runtime.worker_lifecycle_events or runtime.codex_worker_events
// — there is no key shape that distinguishes a "codex" worker topic from any
// other, so the two scopes are simply interchangeable grants over the same
// worker/fleet topic space.
func requiredScopes(topic string) []string {
	switch {
	case strings.HasPrefix(topic, "run:"):
		return []string{ScopeRunEvents}
	case strings.HasPrefix(topic, "worker:"):
		return []string{ScopeWorkerLifecycle, ScopeCodexWorker}
	case strings.HasPrefix(topic, "fleet:") && strings.HasSuffix(topic, ":workers"):
		return []string{ScopeWorkerLifecycle, ScopeCodexWorker}
	default:
		return []string{ScopeWorkerLifecycle, ScopeCodexWorker}
	}
}

// isRunTopic reports whether topic is a run:*:events stream — the only
// class the onyx surface may touch, per §4.6 step 6.
func isRunTopic(topic string) bool {
	return strings.HasPrefix(topic, "run:")
}

// isOwnerScopedTopic reports whether topic is a worker or fleet topic,
// subject to owner binding per §4.6 step 7.
func isOwnerScopedTopic(topic string) bool {
	return strings.HasPrefix(topic, "worker:") || strings.HasPrefix(topic, "fleet:")
}
