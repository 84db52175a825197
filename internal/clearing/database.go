package clearing

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

func (d *Database) CreateWindow(window *ClearingWindow) error {
	return d.db.Create(window).Error
}

func (d *Database) UpdateWindow(window *ClearingWindow) error {
	return d.db.Save(window).Error
}

// TransitionWindow conditionally moves a window from one status to
// another. The update applies only while the window is still in the
// expected state, so callers racing on the same edge serialize: exactly
// one wins, the rest observe the state change and fail.
func (d *Database) TransitionWindow(windowID, from, to string) error {
	result := d.db.Model(&ClearingWindow{}).
		Where("window_id = ? AND status = ?", windowID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to transition window: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: window %s is no longer %s", types.ErrInvalidWindowState, windowID, from)
	}
	return nil
}

func (d *Database) GetWindow(windowID string) (*ClearingWindow, error) {
	var window ClearingWindow
	if err := d.db.Where("window_id = ?", windowID).First(&window).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch window: %w", err)
	}
	return &window, nil
}

// GetWindowByStatus returns the most recent window in one of the given
// states.
func (d *Database) GetWindowByStatus(statuses ...string) (*ClearingWindow, error) {
	var window ClearingWindow
	if err := d.db.Where("status IN ?", statuses).
		Order("start_time DESC").
		First(&window).Error; err != nil {
		return nil, err
	}
	return &window, nil
}

// GetWindowsByStatus returns all windows in one of the given states,
// oldest first.
func (d *Database) GetWindowsByStatus(statuses ...string) ([]ClearingWindow, error) {
	var windows []ClearingWindow
	if err := d.db.Where("status IN ?", statuses).
		Order("start_time ASC").
		Find(&windows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch windows by status: %w", err)
	}
	return windows, nil
}

// GetObligationsForWindow returns every obligation admitted into a
// window, in admission order so netting is deterministic.
func (d *Database) GetObligationsForWindow(windowID string) ([]types.Obligation, error) {
	var obligations []types.Obligation
	if err := d.db.Where("window_id = ?", windowID).
		Order("created_at ASC, id ASC").
		Find(&obligations).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch obligations for window: %w", err)
	}
	return obligations, nil
}

func (d *Database) CreatePositions(positions []NetPosition) error {
	if len(positions) == 0 {
		return nil
	}
	return d.db.Create(&positions).Error
}

func (d *Database) GetPositionsForWindow(windowID string) ([]NetPosition, error) {
	var positions []NetPosition
	if err := d.db.Where("window_id = ?", windowID).
		Order("position_id ASC").
		Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch positions for window: %w", err)
	}
	return positions, nil
}

// DeletePositionsForWindow removes a window's computed positions. Only
// the positions_computed compensating action calls this.
func (d *Database) DeletePositionsForWindow(windowID string) error {
	return d.db.Unscoped().Where("window_id = ?", windowID).Delete(&NetPosition{}).Error
}

// SaveNettingResult persists positions and the updated window stats in
// one transaction.
func (d *Database) SaveNettingResult(window *ClearingWindow, positions []NetPosition) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if len(positions) > 0 {
			if err := tx.Create(&positions).Error; err != nil {
				return fmt.Errorf("failed to save net positions: %w", err)
			}
		}
		if err := tx.Save(window).Error; err != nil {
			return fmt.Errorf("failed to update window netting stats: %w", err)
		}
		if err := markObligationsNetted(tx, window.WindowID); err != nil {
			return fmt.Errorf("failed to mark obligations netted: %w", err)
		}
		return nil
	})
}

func markObligationsNetted(tx *gorm.DB, windowID string) error {
	return tx.Model(&types.Obligation{}).
		Where("window_id = ?", windowID).
		Updates(map[string]interface{}{
			"status":     types.ObligationNetted,
			"updated_at": time.Now(),
		}).Error
}
