package reconciliation

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/gateway"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/pkg/metrics"
	"github.com/ksred/interclear/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Engine compares book balances against externally confirmed balances
// on a fixed cadence. A discrepancy above tolerance produces an
// unmatched report and an event for operators; the engine never adjusts
// balances on its own.
type Engine struct {
	db        *Database
	ledger    *ledger.Service
	reporter  gateway.BalanceReporter
	publisher events.Publisher
	tolerance decimal.Decimal
}

// NewEngine creates a reconciliation engine.
func NewEngine(gormDB *gorm.DB, ledgerSvc *ledger.Service, reporter gateway.BalanceReporter, publisher events.Publisher, tolerance decimal.Decimal) *Engine {
	return &Engine{
		db:        NewDatabase(gormDB),
		ledger:    ledgerSvc,
		reporter:  reporter,
		publisher: publisher,
		tolerance: tolerance,
	}
}

// GetDB returns the reconciliation database wrapper.
func (e *Engine) GetDB() *Database {
	return e.db
}

// Run performs one reconciliation pass over every account and returns
// the reports it produced.
func (e *Engine) Run(ctx context.Context) ([]Report, error) {
	logger := log.With().Str("service", "reconciliation").Logger()

	accounts, err := e.ledger.GetDB().ListAccounts()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	reports := make([]Report, 0, len(accounts))
	unmatched := 0
	for i := range accounts {
		account := &accounts[i]

		external, err := e.reporter.ConfirmedBalance(ctx, account.AccountID, account.Currency)
		if err != nil {
			logger.Error().
				Err(err).
				Str("account_id", account.AccountID).
				Msg("failed to fetch external balance")
			continue
		}

		discrepancy := account.LedgerBalance.Sub(external)
		status := StatusMatched
		if discrepancy.Abs().Cmp(e.tolerance) > 0 {
			status = StatusUnmatched
			unmatched++
		}

		report := Report{
			ReportID:        "REC_" + uuid.New().String(),
			AccountID:       account.AccountID,
			Currency:        account.Currency,
			AsOf:            now,
			BookBalance:     account.LedgerBalance,
			ExternalBalance: external,
			Discrepancy:     discrepancy,
			Status:          status,
			CreatedAt:       now,
		}
		if err := e.db.CreateReport(&report); err != nil {
			logger.Error().
				Err(err).
				Str("account_id", account.AccountID).
				Msg("failed to persist reconciliation report")
			continue
		}
		reports = append(reports, report)

		if status == StatusUnmatched {
			metrics.ReconciliationMismatches.Inc()
			logger.Warn().
				Str("account_id", account.AccountID).
				Str("book_balance", account.LedgerBalance.String()).
				Str("external_balance", external.String()).
				Str("discrepancy", discrepancy.String()).
				Msg("reconciliation mismatch")

			if err := e.publisher.Publish(ctx, events.New(events.ReconciliationMismatch, map[string]any{
				"report_id":        report.ReportID,
				"account_id":       account.AccountID,
				"currency":         account.Currency,
				"book_balance":     account.LedgerBalance.String(),
				"external_balance": external.String(),
				"discrepancy":      discrepancy.String(),
			})); err != nil {
				logger.Error().Err(err).Str("report_id", report.ReportID).Msg("failed to publish mismatch event")
			}
		}
	}

	logger.Info().
		Int("accounts", len(accounts)).
		Int("unmatched", unmatched).
		Msg("completed reconciliation pass")
	return reports, nil
}

// Start runs reconciliation passes on the configured interval until the
// context is cancelled.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "reconciliation_loop").Logger()
	logger.Info().Dur("interval", interval).Msg("starting reconciliation loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation loop")
			return
		case <-ticker.C:
			if _, err := e.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// GinHandlers contains HTTP handlers for reconciliation endpoints
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// RunReconciliationHandler triggers an immediate pass.
func (h *GinHandlers) RunReconciliationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reports, err := h.engine.Run(c.Request.Context())
		response.Handle(c, reports, err)
	}
}

func (h *GinHandlers) GetAccountReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		reports, err := h.engine.GetDB().GetReportsForAccount(accountID, 50)
		response.Handle(c, reports, err)
	}
}

func (h *GinHandlers) GetUnmatchedReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reports, err := h.engine.GetDB().GetUnmatchedReports(100)
		response.Handle(c, reports, err)
	}
}
