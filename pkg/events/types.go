// Package events provides event schemas and the Kafka producer used to
// announce sync lifecycle transitions to the rest of the platform.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the sync engines
const (
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventObjectSynced  = "object.synced"
	EventObjectDeleted = "object.deleted"
	EventGCCompleted   = "gc.completed"
)

// SyncEvent is the single envelope for all sync lifecycle events. Object
// fields are empty for connector-level events.
type SyncEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Source      string    `json:"source"` // component that generated the event
	Time        time.Time `json:"time"`
	ConnectorID uuid.UUID `json:"connector_id"`
	DriveID     string    `json:"drive_id,omitempty"`

	// Object-level payload
	RemoteObjectID string `json:"remote_object_id,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`

	// Connector-level payload
	SyncType string `json:"sync_type,omitempty"` // full, incremental
	Error    string `json:"error,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// NewSyncEvent creates an event with generated id and current timestamp.
func NewSyncEvent(eventType, source string, connectorID uuid.UUID) *SyncEvent {
	return &SyncEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Source:      source,
		Time:        time.Now(),
		ConnectorID: connectorID,
	}
}
