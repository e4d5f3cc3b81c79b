package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/logger"
)

// IncrementalEngine drains the remote change feed for one drive and applies
// each change against the mirror, the index and the watched-folder scope.
// The persisted cursor advances only after a page has been fully applied, so
// delivery is at-least-once; every apply is idempotent, so redelivery
// converges instead of corrupting.
type IncrementalEngine struct {
	source     SourceClient
	mirror     MirrorStore
	cursors    CursorStore
	scope      ScopeStore
	connectors ConnectorStore
	syncer     *objectSyncer
	config     *Config
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewIncrementalEngine creates an incremental-sync engine.
func NewIncrementalEngine(source SourceClient, mirror MirrorStore, cursors CursorStore, scope ScopeStore, connectors ConnectorStore, index IndexClient, publisher EventPublisher, config *Config, log *logger.Logger) *IncrementalEngine {
	if config == nil {
		config = DefaultConfig()
	}
	return &IncrementalEngine{
		source:     source,
		mirror:     mirror,
		cursors:    cursors,
		scope:      scope,
		connectors: connectors,
		syncer:     newObjectSyncer(source, mirror, index, publisher, config, log),
		config:     config,
		logger:     log,
		tracer:     otel.Tracer("incremental-sync"),
	}
}

// SyncChangePage consumes one page of the drive's change feed and returns the
// cursor for the next page, or "" once the feed is exhausted. Pass an empty
// cursor to resume from the persisted position; a drive with no persisted
// position is initialized at the current head, so incremental sync never
// replays history a full sync already covered.
//
// Revoked credentials mark the connector failed and return nil: retrying
// cannot help until the user re-authorizes.
func (e *IncrementalEngine) SyncChangePage(ctx context.Context, connectorID uuid.UUID, driveID, cursor string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "sync_change_page")
	defer span.End()
	span.SetAttributes(
		attribute.String("connector.id", connectorID.String()),
		attribute.String("drive.id", driveID),
	)

	log := e.logger.WithConnector(connectorID.String(), driveID)

	if cursor == "" {
		persisted, err := e.cursors.GetCursor(ctx, connectorID, driveID)
		if err != nil {
			return "", err
		}
		cursor = persisted
	}
	if cursor == "" {
		head, err := e.source.GetStartPageToken(ctx, driveID)
		if err != nil {
			return "", e.handleSourceError(ctx, connectorID, log, fmt.Errorf("failed to get start page token: %w", err))
		}
		if err := e.cursors.SetCursor(ctx, connectorID, driveID, head); err != nil {
			return "", err
		}
		cursor = head
		log.Info("initialized change cursor at feed head")
	}

	list, err := e.source.ListChanges(ctx, driveID, cursor)
	if err != nil {
		return "", e.handleSourceError(ctx, connectorID, log, fmt.Errorf("failed to list changes: %w", err))
	}

	resolver := NewScopeResolver(e.source, e.scope, connectorID)
	seenAt := time.Now().UTC()
	applied := 0
	for _, change := range list.Changes {
		if err := e.applyChange(ctx, connectorID, resolver, change, seenAt); err != nil {
			return "", e.handleSourceError(ctx, connectorID, log, err)
		}
		applied++
	}

	span.SetAttributes(attribute.Int("changes.applied", applied))

	// Persist position only after the full page applied. A crash mid-page
	// redelivers the page; applies are idempotent.
	if list.NextPageToken != "" {
		if err := e.cursors.SetCursor(ctx, connectorID, driveID, list.NextPageToken); err != nil {
			return "", err
		}
		return list.NextPageToken, nil
	}

	if list.NewStartPageToken != "" {
		if err := e.cursors.SetCursor(ctx, connectorID, driveID, list.NewStartPageToken); err != nil {
			return "", err
		}
	}
	log.Debug("change feed exhausted, applied %d changes", applied)
	return "", nil
}

// applyChange maps one change-feed entry onto the mirror and the index.
func (e *IncrementalEngine) applyChange(ctx context.Context, connectorID uuid.UUID, resolver *ScopeResolver, change *gdrive.Change, seenAt time.Time) error {
	// Removals and dangling entries carry no object metadata: drop whatever
	// we mirror for that id.
	if change.Removed || change.Object == nil {
		return e.syncer.removeObject(ctx, connectorID, change.ObjectID)
	}

	obj := change.Object
	if obj.Trashed {
		return e.syncer.removeObject(ctx, connectorID, obj.ID)
	}

	inScope, err := resolver.InScope(ctx, obj.ID)
	if err != nil {
		return err
	}

	if obj.IsFolder() {
		if !inScope {
			return e.syncer.removeObject(ctx, connectorID, obj.ID)
		}
		return e.syncer.upsertFolder(ctx, connectorID, obj, seenAt)
	}

	if !inScope {
		// Covers moves out of the watched tree as well as objects that were
		// never ours; removeObject is a no-op for the latter.
		return e.syncer.removeObject(ctx, connectorID, obj.ID)
	}

	if !e.config.IsSyncable(obj.MimeType) {
		return nil
	}
	return e.syncer.syncFile(ctx, connectorID, obj, seenAt)
}

// handleSourceError maps an engine failure to its retry semantics. Auth
// revocation is terminal for the run: the connector is marked failed and the
// error swallowed. Everything else propagates for the orchestrator to retry.
func (e *IncrementalEngine) handleSourceError(ctx context.Context, connectorID uuid.UUID, log *logger.Logger, err error) error {
	if gdrive.IsAuthError(err) {
		log.Error("credentials revoked, marking connector failed: %v", err)
		if markErr := e.connectors.MarkSyncFailed(ctx, connectorID, "authorization revoked"); markErr != nil {
			return markErr
		}
		return nil
	}
	return err
}

// ResetCursor rewinds the drive's change feed to the current head. Used after
// an explicit full resync invalidated mirror history.
func (e *IncrementalEngine) ResetCursor(ctx context.Context, connectorID uuid.UUID, driveID string) error {
	head, err := e.source.GetStartPageToken(ctx, driveID)
	if err != nil {
		return fmt.Errorf("failed to get start page token: %w", err)
	}
	return e.cursors.SetCursor(ctx, connectorID, driveID, head)
}
