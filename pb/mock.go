package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Ledger Types
type LedgerEntry_Status int32
type LedgerEntry_TurnStatus int32

const (
	LedgerEntry_COMMITTED   LedgerEntry_TurnStatus = 0
	LedgerEntry_COMPENSATED LedgerEntry_TurnStatus = 1
)

type TurnData struct {
	TurnID     string
	AgentID    string
	Status     LedgerEntry_TurnStatus
	IntentHash string
	ActualHash string
}

type LedgerEntry struct {
	TurnId     string
	AgentId    string
	BinaryHash string
	Status     LedgerEntry_TurnStatus
	IntentHash string
	ActualHash string
	Timestamp  *timestamppb.Timestamp
}

type LedgerServiceClient interface {
	RecordTurn(ctx context.Context, in *TurnData, opts ...grpc.CallOption) (*TurnData, error)
	RecordEntry(ctx context.Context, in *LedgerEntry, opts ...grpc.CallOption) (*LedgerEntry, error)
}

type MockLedgerClient struct{}

func (m *MockLedgerClient) RecordTurn(ctx context.Context, in *TurnData, opts ...grpc.CallOption) (*TurnData, error) {
	return in, nil
}

func (m *MockLedgerClient) RecordEntry(ctx context.Context, in *LedgerEntry, opts ...grpc.CallOption) (*LedgerEntry, error) {
	return in, nil
}

// ledgerServiceClient is the wire-connected counterpart to MockLedgerClient,
// hand-written the way this package's other types are rather than generated
// from a .proto file — there is no ledger.proto in this tree to regenerate
// from. It dials the same two RPCs MockLedgerClient stubs.
type ledgerServiceClient struct {
	cc *grpc.ClientConn
}

// NewLedgerServiceClient wraps an established connection to the external
// audit-ledger service.
func NewLedgerServiceClient(cc *grpc.ClientConn) LedgerServiceClient {
	return &ledgerServiceClient{cc: cc}
}

func (c *ledgerServiceClient) RecordTurn(ctx context.Context, in *TurnData, opts ...grpc.CallOption) (*TurnData, error) {
	out := new(TurnData)
	if err := c.cc.Invoke(ctx, "/ledger.LedgerService/RecordTurn", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) RecordEntry(ctx context.Context, in *LedgerEntry, opts ...grpc.CallOption) (*LedgerEntry, error) {
	out := new(LedgerEntry)
	if err := c.cc.Invoke(ctx, "/ledger.LedgerService/RecordEntry", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
