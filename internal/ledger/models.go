package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	AccountTypeNostro = "NOSTRO"
	AccountTypeVostro = "VOSTRO"

	AccountActive    = "ACTIVE"
	AccountSuspended = "SUSPENDED"
	AccountClosed    = "CLOSED"
)

// Account is a correspondent (nostro/vostro) account. Balance fields are
// never mutated directly; every change goes through a fund lock acquire,
// release or settlement posting so that
// ledger_balance == available_balance + locked_balance always holds.
type Account struct {
	gorm.Model       `json:"-"`
	AccountID        string          `gorm:"uniqueIndex" json:"account_id"`
	BankID           string          `gorm:"index:idx_accounts_bank_currency" json:"bank_id"`
	Currency         string          `gorm:"index:idx_accounts_bank_currency" json:"currency"`
	AccountType      string          `json:"account_type"` // NOSTRO or VOSTRO
	Status           string          `json:"status"`       // ACTIVE, SUSPENDED, CLOSED
	LedgerBalance    decimal.Decimal `gorm:"type:decimal(30,8)" json:"ledger_balance"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(30,8)" json:"available_balance"`
	LockedBalance    decimal.Decimal `gorm:"type:decimal(30,8)" json:"locked_balance"`
	CreditLimit      decimal.Decimal `gorm:"type:decimal(30,8)" json:"credit_limit"` // vostro only
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const (
	LockActive   = "ACTIVE"
	LockReleased = "RELEASED"
	LockExpired  = "EXPIRED"
	LockConsumed = "CONSUMED"
)

// LockOutcome names how a fund lock leaves the ACTIVE state.
type LockOutcome string

const (
	OutcomeReleased LockOutcome = "RELEASED"
	OutcomeExpired  LockOutcome = "EXPIRED"
)

// FundLock reserves an amount against an account's available balance
// while a settlement transfer is in flight.
type FundLock struct {
	gorm.Model  `json:"-"`
	LockID      string          `gorm:"uniqueIndex" json:"lock_id"`
	AccountID   string          `gorm:"index" json:"account_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(30,8)" json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `gorm:"index" json:"status"` // ACTIVE, RELEASED, EXPIRED, CONSUMED
	OperationID string          `gorm:"index" json:"operation_id"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
