package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sergey-chuvayev/dust/internal/database/models"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
)

// Store is the gorm-backed implementation of all sync persistence
// interfaces. One Store serves every connector; rows are scoped by
// connector id.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on top of an established database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Compile-time interface checks.
var (
	_ MirrorStore    = (*Store)(nil)
	_ VisitStore     = (*Store)(nil)
	_ CursorStore    = (*Store)(nil)
	_ ScopeStore     = (*Store)(nil)
	_ ConnectorStore = (*Store)(nil)
	_ WebhookStore   = (*Store)(nil)
)

// GetObject returns the mirror row for a remote object, or nil when absent.
func (s *Store) GetObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string) (*models.MirroredObject, error) {
	var obj models.MirroredObject
	err := s.db.WithContext(ctx).
		Where("connector_id = ? AND remote_object_id = ?", connectorID, remoteObjectID).
		First(&obj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mirrored object: %w", err)
	}
	return &obj, nil
}

// UpsertObject writes or refreshes the mirror row for a remote object. The
// upsert keys on (connector_id, remote_object_id) so concurrent engines
// converge on the same row.
func (s *Store) UpsertObject(ctx context.Context, connectorID uuid.UUID, obj *gdrive.Object, seenAt time.Time) (*models.MirroredObject, error) {
	var parentID *string
	if obj.ParentID != "" {
		parentID = &obj.ParentID
	}
	row := &models.MirroredObject{
		ConnectorID:    connectorID,
		RemoteObjectID: obj.ID,
		DocumentID:     models.DocumentID(obj.ID),
		Name:           obj.Name,
		MimeType:       obj.MimeType,
		ParentID:       parentID,
		DriveID:        obj.DriveID,
		IsFolder:       obj.IsFolder(),
		LastSeenAt:     &seenAt,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "connector_id"}, {Name: "remote_object_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "mime_type", "parent_id", "drive_id", "is_folder", "last_seen_at", "updated_at",
			}),
		}).
		Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert mirrored object: %w", err)
	}
	return row, nil
}

// TouchObject refreshes last_seen_at without rewriting object metadata.
func (s *Store) TouchObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string, seenAt time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.MirroredObject{}).
		Where("connector_id = ? AND remote_object_id = ?", connectorID, remoteObjectID).
		Update("last_seen_at", seenAt).Error
	if err != nil {
		return fmt.Errorf("failed to touch mirrored object: %w", err)
	}
	return nil
}

// DeleteObject removes the mirror row. Deleting an absent row is a no-op.
func (s *Store) DeleteObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string) error {
	err := s.db.WithContext(ctx).
		Where("connector_id = ? AND remote_object_id = ?", connectorID, remoteObjectID).
		Delete(&models.MirroredObject{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete mirrored object: %w", err)
	}
	return nil
}

// ListStaleObjects returns up to limit rows not seen since cutoff, oldest
// first. Rows with a NULL marker sort first.
func (s *Store) ListStaleObjects(ctx context.Context, connectorID uuid.UUID, cutoff time.Time, limit int) ([]*models.MirroredObject, error) {
	var rows []*models.MirroredObject
	err := s.db.WithContext(ctx).
		Where("connector_id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", connectorID, cutoff).
		Order("last_seen_at ASC NULLS FIRST").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale objects: %w", err)
	}
	return rows, nil
}

// WasVisited reports whether the folder was already walked in this generation.
func (s *Store) WasVisited(ctx context.Context, connectorID uuid.UUID, folderID string, generationID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.FolderVisit{}).
		Where("connector_id = ? AND folder_id = ? AND generation_id = ?", connectorID, folderID, generationID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check folder visit: %w", err)
	}
	return count > 0, nil
}

// MarkVisited records a folder visit. Re-marking is a no-op so redelivered
// folder pages do not fail.
func (s *Store) MarkVisited(ctx context.Context, connectorID uuid.UUID, folderID string, generationID uuid.UUID, at time.Time) error {
	visit := &models.FolderVisit{
		ConnectorID:  connectorID,
		FolderID:     folderID,
		GenerationID: generationID,
		VisitedAt:    at,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connector_id"}, {Name: "folder_id"}, {Name: "generation_id"}},
			DoNothing: true,
		}).
		Create(visit).Error
	if err != nil {
		return fmt.Errorf("failed to mark folder visited: %w", err)
	}
	return nil
}

// PruneVisits deletes visit markers older than the given time.
func (s *Store) PruneVisits(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("visited_at < ?", before).
		Delete(&models.FolderVisit{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune folder visits: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetCursor returns the persisted change-feed token, or "" when none exists.
func (s *Store) GetCursor(ctx context.Context, connectorID uuid.UUID, driveID string) (string, error) {
	var cursor models.SyncCursor
	err := s.db.WithContext(ctx).
		Where("connector_id = ? AND drive_id = ?", connectorID, driveID).
		First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return cursor.PageToken, nil
}

// SetCursor persists the change-feed token for a drive.
func (s *Store) SetCursor(ctx context.Context, connectorID uuid.UUID, driveID, pageToken string) error {
	cursor := &models.SyncCursor{
		ConnectorID: connectorID,
		DriveID:     driveID,
		PageToken:   pageToken,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connector_id"}, {Name: "drive_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"page_token", "updated_at"}),
		}).
		Create(cursor).Error
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}

// DeleteCursor removes the persisted token for a drive.
func (s *Store) DeleteCursor(ctx context.Context, connectorID uuid.UUID, driveID string) error {
	err := s.db.WithContext(ctx).
		Where("connector_id = ? AND drive_id = ?", connectorID, driveID).
		Delete(&models.SyncCursor{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete sync cursor: %w", err)
	}
	return nil
}

// ListWatchedFolders returns the folder ids selected for sync on a connector.
func (s *Store) ListWatchedFolders(ctx context.Context, connectorID uuid.UUID) ([]string, error) {
	var folderIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.WatchedFolder{}).
		Where("connector_id = ?", connectorID).
		Pluck("folder_id", &folderIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list watched folders: %w", err)
	}
	return folderIDs, nil
}

// GetConnector loads a connector by id.
func (s *Store) GetConnector(ctx context.Context, id uuid.UUID) (*models.Connector, error) {
	var connector models.Connector
	err := s.db.WithContext(ctx).First(&connector, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("connector %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}
	return &connector, nil
}

// MarkSyncStarted records the beginning of a sync attempt.
func (s *Store) MarkSyncStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Connector{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_sync_started_at": at,
			"last_sync_status":     models.SyncStatusInProgress,
			"last_sync_error":      nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark sync started: %w", err)
	}
	return nil
}

// MarkSyncSucceeded records a completed sync.
func (s *Store) MarkSyncSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Connector{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_sync_successful_at": at,
			"last_sync_status":        models.SyncStatusSucceeded,
			"last_sync_error":         nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark sync succeeded: %w", err)
	}
	return nil
}

// MarkSyncFailed records a failed sync with the user-visible reason.
func (s *Store) MarkSyncFailed(ctx context.Context, id uuid.UUID, reason string) error {
	err := s.db.WithContext(ctx).
		Model(&models.Connector{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_sync_status": models.SyncStatusFailed,
			"last_sync_error":  reason,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark sync failed: %w", err)
	}
	return nil
}

// InsertSubscription persists a newly created push channel.
func (s *Store) InsertSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to insert webhook subscription: %w", err)
	}
	return nil
}

// GetByChannelID looks up a subscription by provider channel id, or nil.
func (s *Store) GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook subscription: %w", err)
	}
	return &sub, nil
}

// ListRenewable returns non-superseded subscriptions due for renewal.
func (s *Store) ListRenewable(ctx context.Context, deadline time.Time, limit int) ([]*models.WebhookSubscription, error) {
	var subs []*models.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("renewed_by_subscription_id IS NULL AND renew_at <= ?", deadline).
		Order("renew_at ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list renewable subscriptions: %w", err)
	}
	return subs, nil
}

// MarkSuperseded sets the forward pointer from the old subscription to its
// replacement.
func (s *Store) MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&models.WebhookSubscription{}).
		Where("id = ?", oldID).
		Update("renewed_by_subscription_id", newID).Error
	if err != nil {
		return fmt.Errorf("failed to mark subscription superseded: %w", err)
	}
	return nil
}

// DeferRenewal pushes a subscription's renew deadline to the given time.
func (s *Store) DeferRenewal(ctx context.Context, id uuid.UUID, until time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.WebhookSubscription{}).
		Where("id = ?", id).
		Update("renew_at", until).Error
	if err != nil {
		return fmt.Errorf("failed to defer subscription renewal: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription record.
func (s *Store) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Delete(&models.WebhookSubscription{}, "id = ?", id).Error
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}
	return nil
}

// PurgeExpiredSuperseded deletes subscriptions that are both superseded and
// expired before the given time.
func (s *Store) PurgeExpiredSuperseded(ctx context.Context, expiredBefore time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("renewed_by_subscription_id IS NOT NULL AND expires_at < ?", expiredBefore).
		Delete(&models.WebhookSubscription{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge superseded subscriptions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ActiveSubscription returns the current non-superseded subscription for a
// drive, or nil when the drive is not being watched.
func (s *Store) ActiveSubscription(ctx context.Context, connectorID uuid.UUID, driveID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("connector_id = ? AND drive_id = ? AND renewed_by_subscription_id IS NULL", connectorID, driveID).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return &sub, nil
}
