// Package gateway defines the contract with the external bank-transfer
// collaborator. The engine only ever talks to correspondent networks
// through these interfaces; the mock implementation stands in for a real
// RTGS/SWIFT adapter.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferStatus is the externally observed state of a transfer.
type TransferStatus string

const (
	TransferPending TransferStatus = "PENDING"
	TransferSettled TransferStatus = "SETTLED"
	TransferFailed  TransferStatus = "FAILED"
)

// TransferRequest describes one settlement leg handed to the external
// network.
type TransferRequest struct {
	InstructionID string
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Currency      string
	CrossBorder   bool
}

// Gateway is the bank transfer collaborator. InitiateTransfer may take
// seconds to tens of seconds to settle; callers poll. ReverseTransfer is
// the compensating action used during rollback.
type Gateway interface {
	InitiateTransfer(ctx context.Context, req TransferRequest) (string, error)
	PollStatus(ctx context.Context, transferRef string) (TransferStatus, error)
	ReverseTransfer(ctx context.Context, transferRef string) error
}

// BalanceReporter supplies the externally confirmed balance for an
// account, consumed by the reconciliation engine.
type BalanceReporter interface {
	ConfirmedBalance(ctx context.Context, accountID, currency string) (decimal.Decimal, error)
}
