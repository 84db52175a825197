package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Obligation is a single approved payment obligation admitted into a
// clearing window. Obligations arrive pre-screened; the engine never
// performs compliance checks on them.
type Obligation struct {
	gorm.Model   `json:"-"`
	ObligationID string          `gorm:"uniqueIndex" json:"obligation_id"`
	WindowID     string          `gorm:"index" json:"window_id"`
	PayerBankID  string          `json:"payer_bank_id"`
	PayeeBankID  string          `json:"payee_bank_id"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `gorm:"type:decimal(30,8)" json:"amount"`
	Reference    string          `json:"reference"`
	Status       string          `json:"status"` // ADMITTED, NETTED
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const (
	ObligationAdmitted = "ADMITTED"
	ObligationNetted   = "NETTED"
)

// ObligationRequest is the intake payload for submitting an obligation.
type ObligationRequest struct {
	PayerBankID string          `json:"payer_bank_id" binding:"required"`
	PayeeBankID string          `json:"payee_bank_id" binding:"required"`
	Currency    string          `json:"currency" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Reference   string          `json:"reference"`
}

// ClearingBankID is the central counterparty every multilateral net
// position settles against.
const ClearingBankID = "CLEARING_HOUSE"
