// Package apierr carries the single typed-error shape used across the core:
// every component returns *Error values instead of ad-hoc strings, so the HTTP layer has one place to map Kind to status code.
package apierr

import "fmt"

// Error is the one error type every component constructs. Call sites never
// hand-build the status/reason pairing — each row of the error table gets a
// constructor below.
type Error struct {
	Kind       string         `json:"kind"`
	ReasonCode string         `json:"reason_code"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.ReasonCode)
}

func new_(kind, reason string, status int, details map[string]any) *Error {
	return &Error{Kind: kind, ReasonCode: reason, HTTPStatus: status, Details: details}
}

// MissingAuthorization — 401.
func MissingAuthorization() *Error {
	return new_("missing_authorization", "missing_authorization", 401, nil)
}

// TokenExpired — 401.
func TokenExpired() *Error {
	return new_("token_invalid", "token_expired", 401, nil)
}

// TokenRevoked — 401.
func TokenRevoked() *Error {
	return new_("token_invalid", "token_revoked", 401, nil)
}

// TokenMalformed — 401.
func TokenMalformed(detail string) *Error {
	return new_("token_invalid", "token_malformed", 401, map[string]any{"detail": detail})
}

// ForbiddenTopic — 403, reason one of missing_scope|owner_mismatch|surface_policy_denied.
func ForbiddenTopic(reason string) *Error {
	return new_("forbidden_topic", reason, 403, nil)
}

// ForbiddenOrigin — 403.
func ForbiddenOrigin() *Error {
	return new_("forbidden_origin", "origin_not_allowed", 403, nil)
}

// BadRequest — 400, reason one of invalid_terminal_transition|invalid_request|constraints_not_object.
func BadRequest(reason string, details map[string]any) *Error {
	return new_("bad_request", reason, 400, details)
}

// NotFound — 404, reason one of unknown_stream|unknown_projection.
func NotFound(reason string) *Error {
	return new_("not_found", reason, 404, nil)
}

// Conflict — 409, reason one of sequence_conflict|idempotency_drift|offer_already_consumed|slow_consumer_evicted.
func Conflict(reason string, details map[string]any) *Error {
	return new_("conflict", reason, 409, details)
}

// RateLimited — 429, reason one of poll_interval_guard|khala_publish_rate_limited.
func RateLimited(reason string, retryAfterMs int64) *Error {
	return new_("rate_limited", reason, 429, map[string]any{"retry_after_ms": retryAfterMs})
}

// PayloadTooLarge — 413.
func PayloadTooLarge(topicClass string) *Error {
	return new_("payload_too_large", "khala_frame_payload_too_large", 413, map[string]any{"topic_class": topicClass})
}

// StaleCursor — 410, reason one of retention_floor_breach|replay_budget_exceeded.
func StaleCursor(reason string) *Error {
	return new_("stale_cursor", reason, 410, map[string]any{
		"recovery": "reset_local_watermark_and_replay_bootstrap",
	})
}

// DependencyUnavailable — 502, reason one of wallet_executor_unreachable|wallet_executor_auth_failed.
func DependencyUnavailable(reason string) *Error {
	return new_("dependency_unavailable", reason, 502, nil)
}

// WritePathFrozen — 503.
func WritePathFrozen() *Error {
	return new_("write_path_frozen", "authority_read_only", 503, nil)
}

// Internal — 500, reason one of verifier_rejected|signature_failed.
func Internal(reason string) *Error {
	return new_("internal", reason, 500, nil)
}

// SlowConsumerEvicted — 409, carries strikes + recovery per spec scenario 5.
func SlowConsumerEvicted(strikes int) *Error {
	return new_("conflict", "slow_consumer_evicted", 409, map[string]any{
		"strikes":  strikes,
		"recovery": "advance_cursor_or_rebootstrap",
	})
}

// As reports whether err is an *Error, mirroring errors.As for the one
// concrete error type the core ever returns across package boundaries.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
