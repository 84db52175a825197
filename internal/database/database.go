package database

import (
	"fmt"

	"github.com/ksred/interclear/internal/atomicop"
	"github.com/ksred/interclear/internal/clearing"
	"github.com/ksred/interclear/internal/database/migrations"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/obligations"
	"github.com/ksred/interclear/internal/reconciliation"
	"github.com/ksred/interclear/internal/settlement"
	"github.com/ksred/interclear/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection. The
// busy timeout lets concurrent writers (scheduler, operator requests,
// settlement goroutines) queue instead of erroring; TranslateError
// turns unique-constraint violations into gorm.ErrDuplicatedKey.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&ledger.Account{},
		&ledger.FundLock{},
		&types.Obligation{},
		&obligations.IdempotencyRecord{},
		&clearing.ClearingWindow{},
		&clearing.NetPosition{},
		&settlement.Instruction{},
		&atomicop.AtomicOperation{},
		&atomicop.Checkpoint{},
		&reconciliation.Report{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddSettlementIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
