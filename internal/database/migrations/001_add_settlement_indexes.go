package migrations

import (
	"gorm.io/gorm"
)

// AddSettlementIndexes creates indexes for the hot settlement and
// rollback query paths.
func AddSettlementIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Rollback walks an operation's checkpoints in reverse sequence
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_op_seq
		 ON checkpoints(operation_id, seq)`,

		// One instruction per net position split
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_instructions_position_seq
		 ON instructions(net_position_id, split_seq)`,

		// Window rollback lists operations newest first
		`CREATE INDEX IF NOT EXISTS idx_atomic_operations_window_created
		 ON atomic_operations(window_id, created_at)`,

		// Lock sweep scans for expired active locks
		`CREATE INDEX IF NOT EXISTS idx_fund_locks_status_expires
		 ON fund_locks(status, expires_at)`,

		// Netting reads a window's obligations in admission order
		`CREATE INDEX IF NOT EXISTS idx_obligations_window_created
		 ON obligations(window_id, created_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
