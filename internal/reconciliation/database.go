package reconciliation

import (
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateReport(report *Report) error {
	return d.db.Create(report).Error
}

func (d *Database) GetReport(reportID string) (*Report, error) {
	var report Report
	if err := d.db.Where("report_id = ?", reportID).First(&report).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reconciliation report: %w", err)
	}
	return &report, nil
}

// GetReportsForAccount returns an account's reports, newest first.
func (d *Database) GetReportsForAccount(accountID string, limit int) ([]Report, error) {
	var reports []Report
	if err := d.db.Where("account_id = ?", accountID).
		Order("as_of DESC").
		Limit(limit).
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reconciliation reports: %w", err)
	}
	return reports, nil
}

// GetUnmatchedReports returns the most recent unmatched reports.
func (d *Database) GetUnmatchedReports(limit int) ([]Report, error) {
	var reports []Report
	if err := d.db.Where("status = ?", StatusUnmatched).
		Order("as_of DESC").
		Limit(limit).
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch unmatched reports: %w", err)
	}
	return reports, nil
}
