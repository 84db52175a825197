package ledger

import (
	"fmt"
	"time"

	"github.com/ksred/interclear/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying gorm handle for transactional service code.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) CreateAccount(account *Account) error {
	return d.db.Create(account).Error
}

func (d *Database) GetAccount(accountID string) (*Account, error) {
	var account Account
	if err := d.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	return &account, nil
}

// GetAccountForBank resolves the correspondent account a bank settles
// through for a currency.
func (d *Database) GetAccountForBank(bankID, currency string) (*Account, error) {
	var account Account
	if err := d.db.Where("bank_id = ? AND currency = ?", bankID, currency).
		First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to fetch account for bank: %w", err)
	}
	return &account, nil
}

func (d *Database) ListAccounts() ([]Account, error) {
	var accounts []Account
	if err := d.db.Order("account_id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (d *Database) GetLock(lockID string) (*FundLock, error) {
	var lock FundLock
	if err := d.db.Where("lock_id = ?", lockID).First(&lock).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch fund lock: %w", err)
	}
	return &lock, nil
}

func (d *Database) GetLocksForOperation(operationID string) ([]FundLock, error) {
	var locks []FundLock
	if err := d.db.Where("operation_id = ?", operationID).Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch locks for operation: %w", err)
	}
	return locks, nil
}

// ExpiredActiveLocks returns locks still ACTIVE past their expiry, oldest
// first, for the background sweep.
func (d *Database) ExpiredActiveLocks(now time.Time) ([]FundLock, error) {
	var locks []FundLock
	if err := d.db.Where("status = ? AND expires_at < ?", LockActive, now).
		Order("expires_at ASC").
		Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch expired locks: %w", err)
	}
	return locks, nil
}
