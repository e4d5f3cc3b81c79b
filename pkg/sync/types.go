// Package sync implements the connector synchronization engine: full folder
// walks, change-feed driven incremental sync, webhook channel lifecycle and
// garbage collection of the local mirror against the remote source of truth.
//
// Every engine operation is designed to run as an independently retryable
// unit of work under a durable orchestrator: idempotent under at-least-once
// redelivery, heartbeat-able, and returning continuation tokens instead of
// recursing in-process.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sergey-chuvayev/dust/internal/database/models"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/events"
)

// SourceClient is the view of the remote content provider the engines need.
// Implemented by *gdrive.Client; tests substitute an in-memory fake.
type SourceClient interface {
	ListChildren(ctx context.Context, folderID, pageToken string) (*gdrive.ChildList, error)
	GetObject(ctx context.Context, objectID string) (*gdrive.Object, error)
	GetStartPageToken(ctx context.Context, driveID string) (string, error)
	ListChanges(ctx context.Context, driveID, pageToken string) (*gdrive.ChangeList, error)
	ListDrives(ctx context.Context) ([]*gdrive.DriveInfo, error)
	FetchContent(ctx context.Context, obj *gdrive.Object) ([]byte, error)
	CreateChannel(ctx context.Context, driveID, notifyURL string) (*gdrive.Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// IndexClient pushes content to and removes it from the downstream search
// index. Both operations are idempotent.
type IndexClient interface {
	UpsertDocument(ctx context.Context, documentID string, content []byte, metadata map[string]string) error
	DeleteDocument(ctx context.Context, documentID string) error
}

// EventPublisher announces sync lifecycle events. Implemented by
// *events.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, event *events.SyncEvent) error
}

// NoopPublisher discards events; used when the event bus is disabled.
type NoopPublisher struct{}

// Publish implements EventPublisher.
func (NoopPublisher) Publish(context.Context, *events.SyncEvent) error { return nil }

// MirrorStore persists the local record of every remote object the connector
// has observed. Mutations are keyed upserts/deletes on
// (connectorID, remoteObjectID), commutative and idempotent, so full sync,
// incremental sync and GC can touch the store concurrently without locking.
type MirrorStore interface {
	// GetObject returns the mirror row, or nil when the object was never
	// mirrored.
	GetObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string) (*models.MirroredObject, error)
	UpsertObject(ctx context.Context, connectorID uuid.UUID, obj *gdrive.Object, seenAt time.Time) (*models.MirroredObject, error)
	// TouchObject refreshes the liveness marker without rewriting metadata.
	TouchObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string, seenAt time.Time) error
	DeleteObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string) error
	// ListStaleObjects returns up to limit rows whose last-seen marker
	// predates cutoff (or was never set), oldest first.
	ListStaleObjects(ctx context.Context, connectorID uuid.UUID, cutoff time.Time, limit int) ([]*models.MirroredObject, error)
}

// VisitStore records which folders a full-sync generation has already walked.
type VisitStore interface {
	WasVisited(ctx context.Context, connectorID uuid.UUID, folderID string, generationID uuid.UUID) (bool, error)
	MarkVisited(ctx context.Context, connectorID uuid.UUID, folderID string, generationID uuid.UUID, at time.Time) error
	// PruneVisits drops visit markers older than the given time. Storage
	// hygiene only.
	PruneVisits(ctx context.Context, before time.Time) (int64, error)
}

// CursorStore persists change-feed positions per (connector, drive).
type CursorStore interface {
	// GetCursor returns the persisted token, or "" when none exists yet.
	GetCursor(ctx context.Context, connectorID uuid.UUID, driveID string) (string, error)
	SetCursor(ctx context.Context, connectorID uuid.UUID, driveID, pageToken string) error
	// DeleteCursor rewinds a drive to start-of-feed. Only used for an
	// explicit full resync.
	DeleteCursor(ctx context.Context, connectorID uuid.UUID, driveID string) error
}

// ScopeStore exposes the set of folders an admin selected for ingestion.
type ScopeStore interface {
	ListWatchedFolders(ctx context.Context, connectorID uuid.UUID) ([]string, error)
}

// ConnectorStore reads connector identity and mutates last-sync status.
type ConnectorStore interface {
	GetConnector(ctx context.Context, id uuid.UUID) (*models.Connector, error)
	MarkSyncStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkSyncSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkSyncFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// WebhookStore persists push-notification subscriptions. Only the webhook
// lifecycle manager writes here.
type WebhookStore interface {
	InsertSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	// GetByChannelID returns the subscription for a provider channel id, or
	// nil when unknown.
	GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error)
	// ListRenewable returns up to limit non-superseded subscriptions whose
	// renew deadline is at or before the given time, oldest first.
	ListRenewable(ctx context.Context, deadline time.Time, limit int) ([]*models.WebhookSubscription, error)
	MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID) error
	// DeferRenewal pushes a subscription's renew deadline out after a failed
	// renewal attempt.
	DeferRenewal(ctx context.Context, id uuid.UUID, until time.Time) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	// PurgeExpiredSuperseded permanently deletes subscriptions that are both
	// superseded and expired before the given time.
	PurgeExpiredSuperseded(ctx context.Context, expiredBefore time.Time) (int64, error)
	// ActiveSubscription returns the current non-superseded subscription for
	// a drive, or nil.
	ActiveSubscription(ctx context.Context, connectorID uuid.UUID, driveID string) (*models.WebhookSubscription, error)
}

// Generation identifies one full-sync pass. The id keys folder-visit markers
// so overlapping generations never confuse each other's walks; the start
// timestamp is the liveness cutoff later used by garbage collection.
type Generation struct {
	ID        uuid.UUID `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// NewGeneration starts a new full-sync generation.
func NewGeneration() Generation {
	return Generation{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
	}
}

// Config contains tuning knobs shared by the sync engines.
type Config struct {
	// SyncableMimeTypes is the set of MIME types whose content is pushed to
	// the index. Folders are always tracked as metadata.
	SyncableMimeTypes []string `yaml:"syncable_mime_types"`

	// Worker pool sizes. GC uses a smaller pool: reconciliation is lower
	// priority and more request-expensive per item.
	MaxWorkers int `yaml:"max_workers"`
	GCWorkers  int `yaml:"gc_workers"`

	// GCPageSize bounds how many stale candidates one GC unit of work
	// examines.
	GCPageSize int `yaml:"gc_page_size"`

	// Webhook lifecycle settings. RenewMargin is how long before hard expiry
	// the soft renew deadline is set; RenewLookahead is the query window a
	// renewal pass covers; RenewCoolDown defers retry after a failed
	// renewal; SubscriptionRetention keeps superseded records past expiry to
	// absorb stale-channel notifications.
	RenewMargin           time.Duration `yaml:"renew_margin"`
	RenewLookahead        time.Duration `yaml:"renew_lookahead"`
	RenewCoolDown         time.Duration `yaml:"renew_cool_down"`
	SubscriptionRetention time.Duration `yaml:"subscription_retention"`

	// DebounceWindow coalesces incremental-sync triggers per drive.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// NotificationURL is the public address push notifications are delivered
	// to.
	NotificationURL string `yaml:"notification_url"`
}

// DefaultConfig returns default sync configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncableMimeTypes: []string{
			gdrive.MimeTypeDocument,
			gdrive.MimeTypeSpreadsheet,
			gdrive.MimeTypePresentation,
			"application/pdf",
			"text/plain",
			"text/markdown",
			"text/csv",
		},
		MaxWorkers:            8,
		GCWorkers:             3,
		GCPageSize:            100,
		RenewMargin:           24 * time.Hour,
		RenewLookahead:        time.Hour,
		RenewCoolDown:         30 * time.Minute,
		SubscriptionRetention: 7 * 24 * time.Hour,
		DebounceWindow:        10 * time.Second,
	}
}

// IsSyncable reports whether content for the given MIME type is ingested.
func (c *Config) IsSyncable(mimeType string) bool {
	for _, m := range c.SyncableMimeTypes {
		if m == mimeType {
			return true
		}
	}
	return false
}
