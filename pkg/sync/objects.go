package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sergey-chuvayev/dust/internal/database/models"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/events"
	"github.com/sergey-chuvayev/dust/pkg/logger"
)

// objectSyncer applies single-object mutations shared by the full and
// incremental engines: push a file's content to the index, track a folder,
// remove an object everywhere. All operations are idempotent.
type objectSyncer struct {
	source    SourceClient
	mirror    MirrorStore
	index     IndexClient
	publisher EventPublisher
	config    *Config
	logger    *logger.Logger
	tracer    trace.Tracer
}

func newObjectSyncer(source SourceClient, mirror MirrorStore, index IndexClient, publisher EventPublisher, config *Config, log *logger.Logger) *objectSyncer {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &objectSyncer{
		source:    source,
		mirror:    mirror,
		index:     index,
		publisher: publisher,
		config:    config,
		logger:    log,
		tracer:    otel.Tracer("sync-objects"),
	}
}

// syncFile fetches the file's content, upserts the index document and
// refreshes the mirror row. Safe to call repeatedly for the same object.
func (o *objectSyncer) syncFile(ctx context.Context, connectorID uuid.UUID, obj *gdrive.Object, seenAt time.Time) error {
	ctx, span := o.tracer.Start(ctx, "sync_file")
	defer span.End()
	span.SetAttributes(
		attribute.String("connector.id", connectorID.String()),
		attribute.String("object.id", obj.ID),
		attribute.String("object.mime_type", obj.MimeType),
	)

	content, err := o.source.FetchContent(ctx, obj)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to fetch content for %s: %w", obj.ID, err)
	}

	documentID := models.DocumentID(obj.ID)
	metadata := map[string]string{
		"title":       obj.Name,
		"mime_type":   obj.MimeType,
		"drive_id":    obj.DriveID,
		"size":        strconv.FormatInt(obj.Size, 10),
		"modified_at": obj.ModifiedTime.Format(time.RFC3339),
		"source_url":  obj.WebViewLink,
	}
	if err := o.index.UpsertDocument(ctx, documentID, content, metadata); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to index document %s: %w", documentID, err)
	}

	if _, err := o.mirror.UpsertObject(ctx, connectorID, obj, seenAt); err != nil {
		span.RecordError(err)
		return err
	}

	event := events.NewSyncEvent(events.EventObjectSynced, "sync-engine", connectorID)
	event.RemoteObjectID = obj.ID
	event.DocumentID = documentID
	event.MimeType = obj.MimeType
	event.DriveID = obj.DriveID
	if err := o.publisher.Publish(ctx, event); err != nil {
		// Event loss is tolerable; the mirror is the source of truth.
		o.logger.WithConnector(connectorID.String(), obj.DriveID).
			Warn("failed to publish object synced event: %v", err)
	}

	return nil
}

// upsertFolder tracks a folder as metadata only; folder content is its
// children, walked separately.
func (o *objectSyncer) upsertFolder(ctx context.Context, connectorID uuid.UUID, obj *gdrive.Object, seenAt time.Time) error {
	if _, err := o.mirror.UpsertObject(ctx, connectorID, obj, seenAt); err != nil {
		return err
	}
	return nil
}

// removeObject deletes the object from the index and the mirror. The index
// delete runs first so a crash between the two leaves a mirror row that a
// later pass will re-delete, never an orphaned index document.
func (o *objectSyncer) removeObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string) error {
	ctx, span := o.tracer.Start(ctx, "remove_object")
	defer span.End()
	span.SetAttributes(
		attribute.String("connector.id", connectorID.String()),
		attribute.String("object.id", remoteObjectID),
	)

	documentID := models.DocumentID(remoteObjectID)
	if err := o.index.DeleteDocument(ctx, documentID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}

	if err := o.mirror.DeleteObject(ctx, connectorID, remoteObjectID); err != nil {
		span.RecordError(err)
		return err
	}

	event := events.NewSyncEvent(events.EventObjectDeleted, "sync-engine", connectorID)
	event.RemoteObjectID = remoteObjectID
	event.DocumentID = documentID
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.WithConnector(connectorID.String(), "").
			Warn("failed to publish object deleted event: %v", err)
	}

	return nil
}
