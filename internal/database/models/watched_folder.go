package models

import (
	"time"

	"github.com/google/uuid"
)

// WatchedFolder is one folder id explicitly selected for sync on a connector.
// An object is in scope iff some ancestor in its parent chain is a watched
// folder.
type WatchedFolder struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ConnectorID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_watched_connector_folder" json:"connector_id"`
	FolderID    string    `gorm:"not null;uniqueIndex:idx_watched_connector_folder" json:"folder_id"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName returns the table name for the WatchedFolder model.
func (WatchedFolder) TableName() string {
	return "watched_folders"
}

// FolderVisit marks a folder as walked within one full-sync generation.
// Visits are keyed by the explicit generation id rather than a timestamp
// floor, so overlapping generations cannot miscount each other's walks.
type FolderVisit struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectorID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_visit_connector_folder_gen" json:"connector_id"`
	FolderID     string    `gorm:"not null;uniqueIndex:idx_visit_connector_folder_gen" json:"folder_id"`
	GenerationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_visit_connector_folder_gen" json:"generation_id"`
	VisitedAt    time.Time `gorm:"not null" json:"visited_at"`
}

// TableName returns the table name for the FolderVisit model.
func (FolderVisit) TableName() string {
	return "folder_visits"
}
