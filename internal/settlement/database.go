package settlement

import (
	"errors"
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

// CreateInstruction persists one instruction. The unique index on
// (net_position_id, split_seq) is the backstop against generating the
// same leg twice.
func (d *Database) CreateInstruction(instruction *Instruction) error {
	if err := d.db.Create(instruction).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: position %s seq %d",
				types.ErrDuplicateInstruction, instruction.NetPositionID, instruction.SplitSeq)
		}
		return err
	}
	return nil
}

func (d *Database) GetInstruction(instructionID string) (*Instruction, error) {
	var instruction Instruction
	if err := d.db.Where("instruction_id = ?", instructionID).First(&instruction).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch instruction: %w", err)
	}
	return &instruction, nil
}

func (d *Database) GetInstructionByOperation(operationID string) (*Instruction, error) {
	var instruction Instruction
	if err := d.db.Where("operation_id = ?", operationID).First(&instruction).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch instruction for operation: %w", err)
	}
	return &instruction, nil
}

func (d *Database) UpdateInstruction(instruction *Instruction) error {
	return d.db.Save(instruction).Error
}

// UpdateInstructionStatus moves an instruction to a new status, with an
// optional failure reason.
func (d *Database) UpdateInstructionStatus(instructionID, status, reason string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}

	result := d.db.Model(&Instruction{}).
		Where("instruction_id = ?", instructionID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("instruction not found")
	}
	return nil
}

// GetInstructionsForWindow returns a window's instructions in creation
// order, the order they are executed in.
func (d *Database) GetInstructionsForWindow(windowID string) ([]Instruction, error) {
	var instructions []Instruction
	if err := d.db.Where("window_id = ?", windowID).
		Order("created_at ASC, id ASC").
		Find(&instructions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch instructions for window: %w", err)
	}
	return instructions, nil
}

// CountForPosition reports how many instructions already exist for a net
// position.
func (d *Database) CountForPosition(netPositionID string) (int64, error) {
	var count int64
	if err := d.db.Model(&Instruction{}).
		Where("net_position_id = ?", netPositionID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count instructions for position: %w", err)
	}
	return count, nil
}
