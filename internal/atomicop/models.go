package atomicop

import (
	"time"

	"gorm.io/gorm"
)

// Operation states. COMMITTED, ROLLED_BACK and FAILED are terminal;
// terminal records are never mutated, only kept for audit.
const (
	StatePending    = "PENDING"
	StateInProgress = "IN_PROGRESS"
	StateCommitted  = "COMMITTED"
	StateRolledBack = "ROLLED_BACK"
	StateFailed     = "FAILED"
)

// AtomicOperation tracks one multi-step mutation. Every settlement
// instruction and every window transition runs under one of these.
type AtomicOperation struct {
	gorm.Model    `json:"-"`
	OperationID   string     `gorm:"uniqueIndex" json:"operation_id"`
	WindowID      string     `gorm:"index" json:"window_id,omitempty"` // empty for non window-scoped operations
	OperationType string     `json:"operation_type"`
	State         string     `gorm:"index" json:"state"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the operation can no longer change state.
func (op *AtomicOperation) Terminal() bool {
	switch op.State {
	case StateCommitted, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// Checkpoint is a durable record of one completed pipeline step with
// enough data to reverse it. Checkpoints are append-only: the unique
// (operation_id, seq) pair prevents lost or duplicated checkpoints under
// concurrent retries, and rows are never updated.
type Checkpoint struct {
	gorm.Model   `json:"-"`
	CheckpointID string    `gorm:"uniqueIndex" json:"checkpoint_id"`
	OperationID  string    `gorm:"uniqueIndex:idx_checkpoints_op_seq" json:"operation_id"`
	Name         string    `json:"name"`
	Seq          int       `gorm:"uniqueIndex:idx_checkpoints_op_seq" json:"seq"`
	Data         string    `json:"data"`
	CreatedAt    time.Time `json:"created_at"`
}

// OperationResponse is the status view returned to callers.
type OperationResponse struct {
	OperationID   string     `json:"operation_id"`
	WindowID      string     `json:"window_id,omitempty"`
	OperationType string     `json:"operation_type"`
	State         string     `json:"state"`
	Reason        string     `json:"reason,omitempty"`
	Checkpoints   []string   `json:"checkpoints"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
