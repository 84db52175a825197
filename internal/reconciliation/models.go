package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	StatusMatched   = "MATCHED"
	StatusUnmatched = "UNMATCHED"
)

// Report is one account's book-versus-external comparison at a point in
// time. Reports are append-only; the engine records discrepancies but
// never corrects balances itself.
type Report struct {
	gorm.Model      `json:"-"`
	ReportID        string          `gorm:"uniqueIndex" json:"report_id"`
	AccountID       string          `gorm:"index" json:"account_id"`
	Currency        string          `json:"currency"`
	AsOf            time.Time       `json:"as_of"`
	BookBalance     decimal.Decimal `gorm:"type:decimal(30,8)" json:"book_balance"`
	ExternalBalance decimal.Decimal `gorm:"type:decimal(30,8)" json:"external_balance"`
	Discrepancy     decimal.Decimal `gorm:"type:decimal(30,8)" json:"discrepancy"`
	Status          string          `gorm:"index" json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}
