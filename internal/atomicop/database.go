package atomicop

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOperation(op *AtomicOperation) error {
	return d.db.Create(op).Error
}

func (d *Database) UpdateOperation(op *AtomicOperation) error {
	return d.db.Save(op).Error
}

func (d *Database) GetOperation(operationID string) (*AtomicOperation, error) {
	var op AtomicOperation
	if err := d.db.Where("operation_id = ?", operationID).First(&op).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch operation: %w", err)
	}
	return &op, nil
}

// GetOperationsForWindow returns a window's operations newest first, the
// order a window rollback walks them in.
func (d *Database) GetOperationsForWindow(windowID string) ([]AtomicOperation, error) {
	var ops []AtomicOperation
	if err := d.db.Where("window_id = ?", windowID).
		Order("created_at DESC, id DESC").
		Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch operations for window: %w", err)
	}
	return ops, nil
}

// CreateCheckpoint appends a checkpoint with the next monotonic sequence
// number for the operation. The sequence assignment and the insert share
// a transaction; the unique (operation_id, seq) index rejects the loser
// of any race.
func (d *Database) CreateCheckpoint(operationID, name, data string) (*Checkpoint, error) {
	cp := &Checkpoint{
		CheckpointID: "CHK_" + uuid.New().String(),
		OperationID:  operationID,
		Name:         name,
		Data:         data,
		CreatedAt:    time.Now(),
	}

	err := d.db.Transaction(func(tx *gorm.DB) error {
		var op AtomicOperation
		if err := tx.Where("operation_id = ?", operationID).First(&op).Error; err != nil {
			return fmt.Errorf("failed to fetch operation: %w", err)
		}
		if op.Terminal() {
			return types.ErrOperationTerminal
		}

		var maxSeq int
		if err := tx.Model(&Checkpoint{}).
			Where("operation_id = ?", operationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("failed to read checkpoint sequence: %w", err)
		}
		cp.Seq = maxSeq + 1

		if err := tx.Create(cp).Error; err != nil {
			return fmt.Errorf("failed to create checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListReverse returns an operation's checkpoints latest first, the order
// compensating actions are applied in.
func (d *Database) ListReverse(operationID string) ([]Checkpoint, error) {
	var checkpoints []Checkpoint
	if err := d.db.Where("operation_id = ?", operationID).
		Order("seq DESC").
		Find(&checkpoints).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoints: %w", err)
	}
	return checkpoints, nil
}

// ListForward returns an operation's checkpoints in creation order.
func (d *Database) ListForward(operationID string) ([]Checkpoint, error) {
	var checkpoints []Checkpoint
	if err := d.db.Where("operation_id = ?", operationID).
		Order("seq ASC").
		Find(&checkpoints).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Purge deletes checkpoints for terminal operations older than the
// retention window. Operation summary rows are kept for audit.
func (d *Database) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	var terminalOps []string
	if err := d.db.Model(&AtomicOperation{}).
		Where("state IN ? AND completed_at IS NOT NULL AND completed_at < ?",
			[]string{StateCommitted, StateRolledBack, StateFailed}, cutoff).
		Pluck("operation_id", &terminalOps).Error; err != nil {
		return 0, fmt.Errorf("failed to list purgeable operations: %w", err)
	}
	if len(terminalOps) == 0 {
		return 0, nil
	}

	result := d.db.Unscoped().
		Where("operation_id IN ?", terminalOps).
		Delete(&Checkpoint{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", result.Error)
	}
	return result.RowsAffected, nil
}
