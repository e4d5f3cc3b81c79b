package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentIDPrefix is prepended to remote object ids to form the stable
// document id used by the downstream search index.
const DocumentIDPrefix = "gdrive-"

// DocumentID derives the downstream document id for a remote object id.
// The mapping is deterministic so that repeated syncs of the same object
// always address the same index document.
func DocumentID(remoteObjectID string) string {
	return DocumentIDPrefix + remoteObjectID
}

// MirroredObject is the local record shadowing a remote file or folder.
// One row exists per (connector, remote object) ever observed; the row is
// deleted when the object is trashed remotely, falls out of the watched
// scope, or disappears during garbage collection.
type MirroredObject struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConnectorID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_mirror_connector_remote" json:"connector_id"`
	RemoteObjectID string    `gorm:"not null;uniqueIndex:idx_mirror_connector_remote" json:"remote_object_id"`
	DocumentID     string    `gorm:"not null;index" json:"document_id"`

	Name     string  `gorm:"not null" json:"name"`
	MimeType string  `gorm:"not null" json:"mime_type"`
	ParentID *string `json:"parent_id,omitempty"` // remote parent object id, nil for roots
	DriveID  string  `gorm:"index" json:"drive_id"`
	IsFolder bool    `gorm:"not null" json:"is_folder"`

	// LastSeenAt is refreshed every time the object is confirmed to still
	// exist and be in scope. Garbage collection treats rows whose LastSeenAt
	// predates the generation cutoff as deletion candidates.
	LastSeenAt *time.Time `gorm:"index" json:"last_seen_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for the MirroredObject model.
func (MirroredObject) TableName() string {
	return "mirrored_objects"
}

// SeenSince reports whether the object was confirmed alive at or after ts.
func (m *MirroredObject) SeenSince(ts time.Time) bool {
	return m.LastSeenAt != nil && !m.LastSeenAt.Before(ts)
}
