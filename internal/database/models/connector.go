package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync status values for Connector.LastSyncStatus.
const (
	SyncStatusPending    = "pending"
	SyncStatusInProgress = "in_progress"
	SyncStatusSucceeded  = "succeeded"
	SyncStatusFailed     = "failed"
)

// Connector represents one configured integration between a workspace and an
// external content provider. Sync engines read connector identity and mutate
// only the last-sync status fields.
type Connector struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	WorkspaceID uuid.UUID `gorm:"type:uuid;not null;index" json:"workspace_id"`
	Provider    string    `gorm:"not null;index" json:"provider"` // googledrive, slack, notion, ...
	Status      string    `gorm:"not null;default:'active'" json:"status"`

	// Last-sync bookkeeping, surfaced to end users as "last sync failed"
	// rather than partial content.
	LastSyncStartedAt    *time.Time `json:"last_sync_started_at,omitempty"`
	LastSyncSuccessfulAt *time.Time `json:"last_sync_successful_at,omitempty"`
	LastSyncStatus       string     `gorm:"not null;default:'pending'" json:"last_sync_status"`
	LastSyncError        *string    `json:"last_sync_error,omitempty"`

	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName returns the table name for the Connector model.
func (Connector) TableName() string {
	return "connectors"
}

// IsActive checks whether the connector is active and not soft-deleted.
func (c *Connector) IsActive() bool {
	return c.Status == "active" && c.DeletedAt == nil
}
