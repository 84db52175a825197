package clearing

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Window lifecycle states. COMPLETED, FAILED and ROLLED_BACK are
// terminal; a terminal window is an immutable audit record.
const (
	StatusOpen       = "OPEN"
	StatusClosing    = "CLOSING"
	StatusClosed     = "CLOSED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusRolledBack = "ROLLED_BACK"
)

// ClearingWindow is one fixed time interval during which obligations
// accumulate before netting and settlement. Only the window manager
// mutates it.
type ClearingWindow struct {
	gorm.Model        `json:"-"`
	WindowID          string          `gorm:"uniqueIndex" json:"window_id"`
	Status            string          `gorm:"index" json:"status"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	GracePeriod       time.Duration   `json:"grace_period"`
	ObligationsCount  int             `json:"obligations_count"`
	GrossValue        decimal.Decimal `gorm:"type:decimal(30,8)" json:"gross_value"`
	NetValue          decimal.Decimal `gorm:"type:decimal(30,8)" json:"net_value"`
	NettingEfficiency float64         `json:"netting_efficiency"` // 1 - net/gross
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Terminal reports whether the window can no longer change state.
func (w *ClearingWindow) Terminal() bool {
	switch w.Status {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

const (
	DirectionCredit = "CREDIT" // the network owes the bank
	DirectionDebit  = "DEBIT"  // the bank owes the network
)

// NetPosition is one participant's multilateral net position for a
// currency within a window, settled against the clearing house.
// Immutable once computed.
type NetPosition struct {
	gorm.Model `json:"-"`
	PositionID string          `gorm:"uniqueIndex" json:"position_id"`
	WindowID   string          `gorm:"index" json:"window_id"`
	BankID     string          `json:"bank_id"`
	Currency   string          `json:"currency"`
	NetAmount  decimal.Decimal `gorm:"type:decimal(30,8)" json:"net_amount"` // signed: > 0 creditor, < 0 debtor
	Direction  string          `json:"direction"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WindowResponse is the status view returned to callers.
type WindowResponse struct {
	WindowID          string    `json:"window_id"`
	Status            string    `json:"status"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	GracePeriodSecs   float64   `json:"grace_period_seconds"`
	ObligationsCount  int       `json:"obligations_count"`
	GrossValue        string    `json:"gross_value"`
	NetValue          string    `json:"net_value"`
	NettingEfficiency float64   `json:"netting_efficiency"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func (w *ClearingWindow) Response() *WindowResponse {
	return &WindowResponse{
		WindowID:          w.WindowID,
		Status:            w.Status,
		StartTime:         w.StartTime,
		EndTime:           w.EndTime,
		GracePeriodSecs:   w.GracePeriod.Seconds(),
		ObligationsCount:  w.ObligationsCount,
		GrossValue:        w.GrossValue.String(),
		NetValue:          w.NetValue.String(),
		NettingEfficiency: w.NettingEfficiency,
		FailureReason:     w.FailureReason,
		Timestamp:         w.UpdatedAt,
	}
}
