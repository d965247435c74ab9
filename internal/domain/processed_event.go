// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// ProcessedEvent records a Matrix event that has already been handled, keyed
// by its event ID. Sync responses can overlap after reconnects or restarts;
// the dispatcher consults these rows so a join or answer is never acted on
// twice. Rows expire and are purged periodically.
type ProcessedEvent struct {
	EventID   string    `gorm:"type:varchar(255);primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedEvent) TableName() string { return "processed_events" }
