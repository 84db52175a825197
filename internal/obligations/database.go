package obligations

import (
	"errors"
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

func (d *Database) GetObligation(obligationID string) (*types.Obligation, error) {
	var obligation types.Obligation
	if err := d.db.Where("obligation_id = ?", obligationID).First(&obligation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &obligation, nil
}

func (d *Database) GetObligationsForWindow(windowID string) ([]types.Obligation, error) {
	var obligations []types.Obligation
	if err := d.db.Where("window_id = ?", windowID).
		Order("created_at ASC, id ASC").
		Find(&obligations).Error; err != nil {
		return nil, err
	}
	return obligations, nil
}

// CreateObligationWithIdempotency creates the obligation and its
// idempotency record in one transaction.
func (d *Database) CreateObligationWithIdempotency(obligation *types.Obligation, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(obligation).Error; err != nil {
			return err
		}

		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     obligation.ObligationID,
			ResourceType:   "obligation",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves an idempotency record by key. Returns
// nil when no record exists.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
