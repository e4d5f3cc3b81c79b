package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncCursor persists the opaque change-feed position for one
// (connector, drive) pair. The token only moves forward; it is reset solely
// by an explicit full resync. Persisting it after each fully-applied page
// gives incremental sync at-least-once resume semantics across crashes.
type SyncCursor struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ConnectorID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_cursor_connector_drive" json:"connector_id"`
	DriveID     string    `gorm:"not null;uniqueIndex:idx_cursor_connector_drive" json:"drive_id"`
	PageToken   string    `gorm:"not null" json:"page_token"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for the SyncCursor model.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
