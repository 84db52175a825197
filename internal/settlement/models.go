package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Instruction statuses. FINALIZED, FAILED and ROLLED_BACK are terminal.
const (
	StatusPending      = "PENDING"
	StatusLocked       = "LOCKED"
	StatusTransferring = "TRANSFERRING"
	StatusConfirmed    = "CONFIRMED"
	StatusFinalized    = "FINALIZED"
	StatusFailed       = "FAILED"
	StatusRolledBack   = "ROLLED_BACK"
)

// Instruction is one settlement leg generated from a net position. The
// unique (net_position_id, split_seq) pair is the idempotency key: the
// same position can never produce duplicate instructions, and cap splits
// are deterministic.
type Instruction struct {
	gorm.Model    `json:"-"`
	InstructionID string          `gorm:"uniqueIndex" json:"instruction_id"`
	NetPositionID string          `gorm:"uniqueIndex:idx_instructions_position_seq" json:"net_position_id"`
	SplitSeq      int             `gorm:"uniqueIndex:idx_instructions_position_seq" json:"split_seq"`
	WindowID      string          `gorm:"index" json:"window_id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(30,8)" json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `gorm:"index" json:"status"`
	OperationID   string          `gorm:"index" json:"operation_id,omitempty"`
	TransferRef   string          `json:"transfer_ref,omitempty"`
	CrossBorder   bool            `json:"cross_border"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// InstructionSpec is the input for generating one instruction from a net
// position.
type InstructionSpec struct {
	NetPositionID string
	SplitSeq      int
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Currency      string
	CrossBorder   bool
}
