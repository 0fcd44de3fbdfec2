// Package ledgerbridge forwards settlement outcomes and router decisions,
// handed to it by the HTTP handlers, to an external audit-ledger service over
// gRPC, fire-and-forget.
// Directly adapted from internal/ledger/client.go's AuditLogger.LogTurn:
// same goroutine-per-call, protobuf-message, RecordEntry, log-only-on-failure
// shape, repointed from turn/plan auditing to settlement/routing auditing
// per SPEC_FULL.md §4.12.
package ledgerbridge

import (
	"context"
	"log/slog"

	"github.com/ocx/khala/pb"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Bridge forwards settlement and routing audit entries to an external
// ledger service. A nil-disabled Bridge (enabled=false) is a safe no-op —
// the bridge is explicitly best-effort per §4.12.
type Bridge struct {
	client  pb.LedgerServiceClient
	enabled bool
}

// New builds a Bridge. Pass enabled=false to get an inert Bridge (e.g. when
// audit_ledger.enabled is false or no gRPC target is configured).
func New(c pb.LedgerServiceClient, enabled bool) *Bridge {
	return &Bridge{client: c, enabled: enabled}
}

// ReceiptEntry is a committed receipt or payment frame forwarded for audit.
type ReceiptEntry struct {
	EnvelopeID string
	Kind       string // "payment" | "receipt" | "router_decision"
	Status     string
	ReasonCode string
	PayloadSHA string
}

// Forward ships one audit entry, fire-and-forget. It never blocks the
// caller and never returns an error — on failure it only logs, matching
// AuditLogger.LogTurn's "CRITICAL: Ledger unreachable" fallback.
func (b *Bridge) Forward(entry ReceiptEntry) {
	if !b.enabled || b.client == nil {
		return
	}

	go func() {
		e := &pb.LedgerEntry{
			TurnId:     entry.EnvelopeID,
			AgentId:    entry.Kind,
			BinaryHash: entry.PayloadSHA,
			Status:     statusFor(entry.Status),
			IntentHash: entry.ReasonCode,
			ActualHash: entry.PayloadSHA,
			Timestamp:  timestamppb.Now(),
		}

		if _, err := b.client.RecordEntry(context.Background(), e); err != nil {
			slog.Error("ledgerbridge: audit ledger unreachable", "error", err, "envelope_id", entry.EnvelopeID)
		}
	}()
}

func statusFor(status string) pb.LedgerEntry_TurnStatus {
	switch status {
	case "settled", "selected":
		return pb.LedgerEntry_COMMITTED
	default:
		return pb.LedgerEntry_COMPENSATED
	}
}
