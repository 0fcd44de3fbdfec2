package eventlog

import "github.com/ocx/khala/internal/apierr"

// machine validates the allowed event transitions for one stream family
// (run, worker, or the catch-all that accepts anything). Grounded on
// internal/federation's HandshakeStateMachine shape: an explicit
// allowed-from/to table instead of ambient mutable status fields.
type machine interface {
	// transition reports the status the stream moves to after eventType
	// commits from currentStatus, or an error if the event is disallowed.
	// changesStatus is false when the event does not affect status at all (e.g. a
	// step event that keeps the run running).
	transition(currentStatus, eventType string, payload map[string]any) (nextStatus string, changesStatus bool, err *apierr.Error)
	// terminal reports whether status is a terminal state for this machine.
	terminal(status string) bool
}

// runMachine implements the Run state table from §4.2:
// pending -> running -> {succeeded, failed, cancelled}.
type runMachine struct{}

const (
	runStatusPending   = "pending"
	runStatusRunning   = "running"
	runStatusCancelled = "cancelled"
	runStatusSucceeded = "succeeded"
	runStatusFailed    = "failed"
)

func (runMachine) terminal(status string) bool {
	switch status {
	case runStatusSucceeded, runStatusFailed, runStatusCancelled:
		return true
	default:
		return false
	}
}

func (m runMachine) transition(current, eventType string, payload map[string]any) (string, bool, *apierr.Error) {
	if current == "" {
		current = runStatusPending
	}
	if eventType == "receipt" || eventType == "payment" {
		return current, false, nil
	}

	switch eventType {
	case "run.started":
		if current != runStatusPending {
			return "", false, apierr.BadRequest("invalid_terminal_transition", nil)
		}
		return runStatusRunning, true, nil
	case "run.cancel_requested":
		if current != runStatusPending && current != runStatusRunning {
			return "", false, apierr.BadRequest("invalid_terminal_transition", nil)
		}
		// cancel_requested does not itself finalize the run; run.finished
		// with status "cancelled" does. Status stays as-is.
		return current, false, nil
	case "run.finished":
		if current != runStatusPending && current != runStatusRunning {
			return "", false, apierr.BadRequest("invalid_terminal_transition", nil)
		}
		status, _ := payload["status"].(string)
		switch status {
		case runStatusSucceeded, runStatusFailed, runStatusCancelled:
			return status, true, nil
		default:
			return "", false, apierr.BadRequest("invalid_request", map[string]any{"field": "status"})
		}
	default:
		if isRunStepEvent(eventType) {
			if current != runStatusPending && current != runStatusRunning {
				return "", false, apierr.BadRequest("invalid_terminal_transition", nil)
			}
			return current, false, nil
		}
		return "", false, apierr.BadRequest("invalid_request", map[string]any{"event_type": eventType})
	}
}

func isRunStepEvent(eventType string) bool {
	return len(eventType) > len("run.step.") && eventType[:len("run.step.")] == "run.step."
}

// workerMachine implements the Worker state table:
// registered -> active <-> idle -> {failed, retired}.
type workerMachine struct{}

const (
	workerStatusRegistered = "registered"
	workerStatusActive     = "active"
	workerStatusIdle       = "idle"
	workerStatusFailed     = "failed"
	workerStatusRetired    = "retired"
)

func (workerMachine) terminal(status string) bool {
	return status == workerStatusFailed || status == workerStatusRetired
}

func (m workerMachine) transition(current, eventType string, payload map[string]any) (string, bool, *apierr.Error) {
	if eventType == "receipt" || eventType == "payment" {
		return current, false, nil
	}

	switch eventType {
	case "worker.registered":
		if current != "" {
			return "", false, apierr.BadRequest("invalid_terminal_transition", nil)
		}
		return workerStatusRegistered, true, nil
	case "worker.heartbeat":
		if current == "" {
			return "", false, apierr.BadRequest("invalid_request", map[string]any{"reason": "worker_not_registered"})
		}
		if current == workerStatusIdle {
			return workerStatusActive, true, nil
		}
		// Idempotent: already active/registered, no spurious transition.
		return current, false, nil
	case "worker.activated":
		if current != workerStatusIdle && current != workerStatusRegistered {
			return "", false, apierr.BadRequest("invalid_terminal_transition", nil)
		}
		return workerStatusActive, true, nil
	case "worker.idled":
		if current != workerStatusActive {
			return "", false, apierr.BadRequest("invalid_terminal_transition", nil)
		}
		return workerStatusIdle, true, nil
	case "worker.failed":
		if current == "" {
			return "", false, apierr.BadRequest("invalid_request", nil)
		}
		return workerStatusFailed, true, nil
	case "worker.retired":
		if current == "" {
			return "", false, apierr.BadRequest("invalid_request", nil)
		}
		return workerStatusRetired, true, nil
	default:
		return "", false, apierr.BadRequest("invalid_request", map[string]any{"event_type": eventType})
	}
}

// openMachine is used for stream families with no state machine
// (fleet:*:workers rosters) — every event is accepted and status is
// meaningless, only the terminal flag ever set explicitly is honored.
type openMachine struct{}

func (openMachine) terminal(string) bool { return false }

func (openMachine) transition(current, eventType string, _ map[string]any) (string, bool, *apierr.Error) {
	return current, false, nil
}
