package obligations

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord maps a client-supplied idempotency key to the
// obligation it created, so retried submissions return the original.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
