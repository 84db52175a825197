package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/types"
	"github.com/ksred/interclear/pkg/metrics"
	"github.com/ksred/interclear/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service is the fund lock manager and the only writer of account
// balance fields. All mutations to a single account happen under that
// account's serializing mutex plus a storage transaction, giving a total
// order of balance changes per account.
type Service struct {
	db        *Database
	publisher events.Publisher

	mu        sync.Mutex
	accountMu map[string]*sync.Mutex
}

// NewService creates a ledger service with the given database connection.
func NewService(gormDB *gorm.DB, publisher events.Publisher) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		publisher: publisher,
		accountMu: make(map[string]*sync.Mutex),
	}
}

// GetDB returns the ledger database wrapper.
func (s *Service) GetDB() *Database {
	return s.db
}

// accountLock returns the serializing mutex for an account, creating it
// on first use.
func (s *Service) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.accountMu[accountID]
	if !ok {
		m = &sync.Mutex{}
		s.accountMu[accountID] = m
	}
	return m
}

// lockPair acquires both account mutexes in a stable order so that
// concurrent settlements over the same pair cannot deadlock.
func (s *Service) lockPair(a, b string) func() {
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	if first == second {
		m := s.accountLock(first)
		m.Lock()
		return m.Unlock
	}
	m1, m2 := s.accountLock(first), s.accountLock(second)
	m1.Lock()
	m2.Lock()
	return func() {
		m2.Unlock()
		m1.Unlock()
	}
}

// CreateAccount registers a new correspondent account with an opening
// balance.
func (s *Service) CreateAccount(accountID, bankID, currency, accountType string, openingBalance, creditLimit decimal.Decimal) (*Account, error) {
	if openingBalance.IsNegative() {
		return nil, errors.New("opening balance cannot be negative")
	}

	account := &Account{
		AccountID:        accountID,
		BankID:           bankID,
		Currency:         currency,
		AccountType:      accountType,
		Status:           AccountActive,
		LedgerBalance:    openingBalance,
		AvailableBalance: openingBalance,
		LockedBalance:    decimal.Zero,
		CreditLimit:      creditLimit,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}

	if err := s.db.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	log.Info().
		Str("account_id", accountID).
		Str("bank_id", bankID).
		Str("currency", currency).
		Str("account_type", accountType).
		Str("opening_balance", openingBalance.String()).
		Msg("created correspondent account")

	return account, nil
}

// GetAccount fetches an account by ID.
func (s *Service) GetAccount(accountID string) (*Account, error) {
	return s.db.GetAccount(accountID)
}

// AccountForBank resolves a bank's correspondent account for a currency.
func (s *Service) AccountForBank(bankID, currency string) (*Account, error) {
	return s.db.GetAccountForBank(bankID, currency)
}

// Acquire reserves amount against the account's available balance and
// records a fund lock. The balance check, the balance move and the lock
// insert happen in a single storage transaction under the account's
// serializing mutex, so no concurrent acquire can observe a stale
// balance.
func (s *Service) Acquire(accountID string, amount decimal.Decimal, currency, operationID string, ttl time.Duration) (*FundLock, error) {
	logger := log.With().
		Str("account_id", accountID).
		Str("operation_id", operationID).
		Str("amount", amount.String()).
		Str("currency", currency).
		Str("component", "fund_lock_manager").
		Logger()

	if amount.Sign() <= 0 {
		return nil, errors.New("lock amount must be positive")
	}

	m := s.accountLock(accountID)
	m.Lock()
	defer m.Unlock()

	lock := &FundLock{
		LockID:      "LCK_" + uuid.New().String(),
		AccountID:   accountID,
		Amount:      amount,
		Currency:    currency,
		Status:      LockActive,
		OperationID: operationID,
		ExpiresAt:   time.Now().Add(ttl),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var account Account
		if err := tx.Where("account_id = ?", accountID).First(&account).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return types.ErrAccountNotFound
			}
			return fmt.Errorf("failed to fetch account: %w", err)
		}

		if account.Status != AccountActive {
			return types.ErrAccountInactive
		}
		if account.Currency != currency {
			return types.ErrCurrencyMismatch
		}
		if account.AvailableBalance.Cmp(amount) < 0 {
			return types.ErrInsufficientBalance
		}

		account.AvailableBalance = account.AvailableBalance.Sub(amount)
		account.LockedBalance = account.LockedBalance.Add(amount)
		account.UpdatedAt = time.Now()

		if err := tx.Save(&account).Error; err != nil {
			return fmt.Errorf("failed to update account balances: %w", err)
		}
		if err := tx.Create(lock).Error; err != nil {
			return fmt.Errorf("failed to create fund lock: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrInsufficientBalance) {
			logger.Warn().Msg("lock rejected, insufficient available balance")
		} else {
			logger.Error().Err(err).Msg("failed to acquire fund lock")
		}
		return nil, err
	}

	logger.Debug().
		Str("lock_id", lock.LockID).
		Time("expires_at", lock.ExpiresAt).
		Msg("acquired fund lock")

	return lock, nil
}

// Release moves a lock's amount back to the account's available balance.
// Releasing a lock that is no longer ACTIVE is a no-op, which is what
// makes compensating rollback idempotent.
func (s *Service) Release(lockID string, outcome LockOutcome) error {
	logger := log.With().
		Str("lock_id", lockID).
		Str("outcome", string(outcome)).
		Str("component", "fund_lock_manager").
		Logger()

	lock, err := s.db.GetLock(lockID)
	if err != nil {
		return err
	}
	if lock.Status != LockActive {
		logger.Debug().Str("status", lock.Status).Msg("lock already terminal, release is a no-op")
		return nil
	}

	m := s.accountLock(lock.AccountID)
	m.Lock()
	defer m.Unlock()

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		// Re-read under the transaction; the sweep and a rollback can race
		// to release the same lock.
		var fresh FundLock
		if err := tx.Where("lock_id = ?", lockID).First(&fresh).Error; err != nil {
			return fmt.Errorf("failed to fetch fund lock: %w", err)
		}
		if fresh.Status != LockActive {
			return nil
		}

		var account Account
		if err := tx.Where("account_id = ?", fresh.AccountID).First(&account).Error; err != nil {
			return fmt.Errorf("failed to fetch account: %w", err)
		}

		account.AvailableBalance = account.AvailableBalance.Add(fresh.Amount)
		account.LockedBalance = account.LockedBalance.Sub(fresh.Amount)
		account.UpdatedAt = time.Now()

		fresh.Status = string(outcome)
		fresh.UpdatedAt = time.Now()

		if err := tx.Save(&account).Error; err != nil {
			return fmt.Errorf("failed to update account balances: %w", err)
		}
		if err := tx.Save(&fresh).Error; err != nil {
			return fmt.Errorf("failed to update fund lock: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to release fund lock")
		return err
	}

	logger.Debug().Msg("released fund lock")
	return nil
}

// PostSettlement finalizes a settlement: the lock is consumed as a
// ledger debit on the source account and the destination account is
// credited, all within one storage transaction so the debit equals the
// credit or nothing happens.
func (s *Service) PostSettlement(lockID, destAccountID string) error {
	logger := log.With().
		Str("lock_id", lockID).
		Str("destination_account", destAccountID).
		Str("component", "fund_lock_manager").
		Logger()

	lock, err := s.db.GetLock(lockID)
	if err != nil {
		return err
	}
	if lock.Status != LockActive {
		return fmt.Errorf("fund lock %s is not active (status %s)", lockID, lock.Status)
	}

	unlock := s.lockPair(lock.AccountID, destAccountID)
	defer unlock()

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		var fresh FundLock
		if err := tx.Where("lock_id = ?", lockID).First(&fresh).Error; err != nil {
			return fmt.Errorf("failed to fetch fund lock: %w", err)
		}
		if fresh.Status != LockActive {
			return fmt.Errorf("fund lock %s is not active (status %s)", lockID, fresh.Status)
		}

		var source, dest Account
		if err := tx.Where("account_id = ?", fresh.AccountID).First(&source).Error; err != nil {
			return fmt.Errorf("failed to fetch source account: %w", err)
		}
		if err := tx.Where("account_id = ?", destAccountID).First(&dest).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return types.ErrAccountNotFound
			}
			return fmt.Errorf("failed to fetch destination account: %w", err)
		}
		if dest.Currency != fresh.Currency {
			return types.ErrCurrencyMismatch
		}

		// Debit: the locked amount leaves the source ledger.
		source.LockedBalance = source.LockedBalance.Sub(fresh.Amount)
		source.LedgerBalance = source.LedgerBalance.Sub(fresh.Amount)
		source.UpdatedAt = time.Now()

		// Credit: the same amount lands on the destination ledger.
		dest.AvailableBalance = dest.AvailableBalance.Add(fresh.Amount)
		dest.LedgerBalance = dest.LedgerBalance.Add(fresh.Amount)
		dest.UpdatedAt = time.Now()

		fresh.Status = LockConsumed
		fresh.UpdatedAt = time.Now()

		if err := tx.Save(&source).Error; err != nil {
			return fmt.Errorf("failed to debit source account: %w", err)
		}
		if err := tx.Save(&dest).Error; err != nil {
			return fmt.Errorf("failed to credit destination account: %w", err)
		}
		if err := tx.Save(&fresh).Error; err != nil {
			return fmt.Errorf("failed to consume fund lock: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to post settlement")
		return err
	}

	logger.Info().
		Str("source_account", lock.AccountID).
		Str("amount", lock.Amount.String()).
		Str("currency", lock.Currency).
		Msg("posted settlement")
	return nil
}

// StartLockSweep runs the background sweep that expires stale ACTIVE
// locks. An expired lock means the owning operation stalled, so a
// reconciliation-relevant event is emitted for each one.
func (s *Service) StartLockSweep(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "lock_sweep").Logger()
	logger.Info().Dur("interval", interval).Msg("starting fund lock sweep")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down fund lock sweep")
			return
		case <-ticker.C:
			if err := s.sweepExpiredLocks(ctx); err != nil {
				logger.Error().Err(err).Msg("lock sweep pass failed")
			}
		}
	}
}

func (s *Service) sweepExpiredLocks(ctx context.Context) error {
	logger := log.With().Str("component", "lock_sweep").Logger()

	locks, err := s.db.ExpiredActiveLocks(time.Now())
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		return nil
	}

	logger.Warn().Int("expired_count", len(locks)).Msg("expiring stale fund locks")

	for _, lock := range locks {
		if err := s.Release(lock.LockID, OutcomeExpired); err != nil {
			logger.Error().
				Err(err).
				Str("lock_id", lock.LockID).
				Msg("failed to expire fund lock")
			continue
		}

		metrics.LocksExpired.Inc()
		if err := s.publisher.Publish(ctx, events.New(events.LockExpired, map[string]any{
			"lock_id":      lock.LockID,
			"account_id":   lock.AccountID,
			"operation_id": lock.OperationID,
			"amount":       lock.Amount.String(),
			"currency":     lock.Currency,
		})); err != nil {
			logger.Error().Err(err).Str("lock_id", lock.LockID).Msg("failed to publish lock expiry event")
		}
	}
	return nil
}

// SeedFunc mirrors a new account's opening balance into the external
// network's view, so reconciliation starts matched.
type SeedFunc func(accountID string, balance decimal.Decimal)

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	service *Service
	seed    SeedFunc
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// WithNetworkSeed registers the external balance seed hook.
func (h *GinHandlers) WithNetworkSeed(fn SeedFunc) *GinHandlers {
	h.seed = fn
	return h
}

// CreateAccountRequest is the payload for registering a correspondent
// account.
type CreateAccountRequest struct {
	AccountID      string          `json:"account_id" binding:"required"`
	BankID         string          `json:"bank_id" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	AccountType    string          `json:"account_type" binding:"required"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	CreditLimit    decimal.Decimal `json:"credit_limit"`
}

func (h *GinHandlers) CreateAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.CreateAccount(
			req.AccountID, req.BankID, req.Currency, req.AccountType,
			req.OpeningBalance, req.CreditLimit,
		)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if h.seed != nil {
			h.seed(account.AccountID, account.LedgerBalance)
		}
		response.Success(c, account)
	}
}

func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		account, err := h.service.GetAccount(accountID)
		if errors.Is(err, types.ErrAccountNotFound) {
			response.NotFound(c, "Account not found")
			return
		}
		response.Handle(c, account, err)
	}
}

func (h *GinHandlers) ListAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accounts, err := h.service.GetDB().ListAccounts()
		response.Handle(c, accounts, err)
	}
}
