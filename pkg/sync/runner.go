package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sergey-chuvayev/dust/pkg/events"
	"github.com/sergey-chuvayev/dust/pkg/logger"
)

// Runner drives the page-granular engines through complete sync passes,
// beating the orchestrator heartbeat between units of work. Each Run* method
// is the body of one workflow.
type Runner struct {
	source      SourceClient
	full        *FullSyncEngine
	incremental *IncrementalEngine
	gc          *GarbageCollector
	webhooks    *WebhookManager
	connectors  ConnectorStore
	visits      VisitStore
	scope       ScopeStore
	publisher   EventPublisher
	heartbeat   Heartbeater
	config      *Config
	logger      *logger.Logger
}

// NewRunner assembles a runner over already-constructed engines.
func NewRunner(source SourceClient, full *FullSyncEngine, incremental *IncrementalEngine, gc *GarbageCollector, webhooks *WebhookManager, connectors ConnectorStore, visits VisitStore, scope ScopeStore, publisher EventPublisher, heartbeat Heartbeater, config *Config, log *logger.Logger) *Runner {
	if heartbeat == nil {
		heartbeat = NoopHeartbeater{}
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Runner{
		source:      source,
		full:        full,
		incremental: incremental,
		gc:          gc,
		webhooks:    webhooks,
		connectors:  connectors,
		visits:      visits,
		scope:       scope,
		publisher:   publisher,
		heartbeat:   heartbeat,
		config:      config,
		logger:      log,
	}
}

// folderWork is one pending unit on the full-sync frontier.
type folderWork struct {
	folderID  string
	pageToken string
}

// RunFullSync walks every watched folder to completion under a fresh
// generation, then reconciles the mirror with garbage collection. The
// frontier is breadth-first over folders; each page is one heartbeat-bounded
// unit of work.
func (r *Runner) RunFullSync(ctx context.Context, connectorID uuid.UUID) error {
	log := r.logger.WithConnector(connectorID.String(), "")

	connector, err := r.connectors.GetConnector(ctx, connectorID)
	if err != nil {
		return err
	}
	if !connector.IsActive() {
		log.Info("connector inactive, skipping full sync")
		return nil
	}

	gen := NewGeneration()
	if err := r.connectors.MarkSyncStarted(ctx, connectorID, gen.StartedAt); err != nil {
		return err
	}
	r.publishLifecycle(ctx, events.EventSyncStarted, connectorID, "full", "")
	log.Info("full sync started, generation %s", gen.ID)

	roots, err := r.scope.ListWatchedFolders(ctx, connectorID)
	if err != nil {
		return r.failSync(ctx, connectorID, "full", err)
	}

	frontier := make([]folderWork, 0, len(roots))
	for _, folderID := range roots {
		frontier = append(frontier, folderWork{folderID: folderID})
	}

	totalSynced := 0
	for len(frontier) > 0 {
		if err := r.heartbeat.Beat(ctx, fmt.Sprintf("full-sync frontier=%d", len(frontier))); err != nil {
			return err
		}

		work := frontier[0]
		frontier = frontier[1:]

		result, err := r.full.SyncFolderPage(ctx, connectorID, gen, work.folderID, work.pageToken)
		if err != nil {
			return r.failSync(ctx, connectorID, "full", err)
		}
		totalSynced += result.SyncedCount

		if result.NextPageToken != "" {
			frontier = append(frontier, folderWork{folderID: work.folderID, pageToken: result.NextPageToken})
		}
		for _, sub := range result.Subfolders {
			frontier = append(frontier, folderWork{folderID: sub})
		}
	}

	if err := r.connectors.MarkSyncSucceeded(ctx, connectorID, time.Now().UTC()); err != nil {
		return err
	}
	r.publishLifecycle(ctx, events.EventSyncCompleted, connectorID, "full", "")
	log.Info("full sync complete, %d files synced", totalSynced)

	return r.RunGarbageCollection(ctx, connectorID, gen.StartedAt)
}

// RunIncrementalSync drains the change feed for one drive. Each page is one
// heartbeat-bounded unit of work; the engine persists its own cursor so a
// rescheduled run resumes where the last one stopped.
func (r *Runner) RunIncrementalSync(ctx context.Context, connectorID uuid.UUID, driveID string) error {
	log := r.logger.WithConnector(connectorID.String(), driveID)

	connector, err := r.connectors.GetConnector(ctx, connectorID)
	if err != nil {
		return err
	}
	if !connector.IsActive() {
		log.Info("connector inactive, skipping incremental sync")
		return nil
	}

	r.publishLifecycle(ctx, events.EventSyncStarted, connectorID, "incremental", driveID)

	cursor := ""
	for {
		if err := r.heartbeat.Beat(ctx, "incremental-sync"); err != nil {
			return err
		}
		next, err := r.incremental.SyncChangePage(ctx, connectorID, driveID, cursor)
		if err != nil {
			r.publishFailure(ctx, connectorID, "incremental", driveID, err)
			return err
		}
		if next == "" {
			break
		}
		cursor = next
	}

	r.publishLifecycle(ctx, events.EventSyncCompleted, connectorID, "incremental", driveID)
	log.Debug("incremental sync drained change feed")
	return nil
}

// RunGarbageCollection reconciles the mirror against the given liveness
// cutoff, page by page until no stale candidates remain. Refuses to run when
// the last full sync did not complete, or when a watched root has become
// inaccessible; the latter needs a full resync, not a sweep.
func (r *Runner) RunGarbageCollection(ctx context.Context, connectorID uuid.UUID, cutoff time.Time) error {
	connector, err := r.connectors.GetConnector(ctx, connectorID)
	if err != nil {
		return err
	}
	if !ShouldGarbageCollect(connector) {
		return ErrGCPreconditionFailed
	}

	log := r.logger.WithConnector(connectorID.String(), "")

	inaccessible, err := r.gc.VerifyWatchedFolders(ctx, connectorID)
	if err != nil {
		return err
	}
	if len(inaccessible) > 0 {
		log.Warn("watched folders no longer resolve, full resync required: %v", inaccessible)
		return fmt.Errorf("%w: %s", ErrWatchedFolderInaccessible, strings.Join(inaccessible, ", "))
	}

	totalReclaimed := 0
	for {
		if err := r.heartbeat.Beat(ctx, "gc"); err != nil {
			return err
		}
		result, err := r.gc.Collect(ctx, connectorID, cutoff)
		if err != nil {
			return err
		}
		totalReclaimed += result.Reclaimed
		if result.Processed() == 0 {
			break
		}
		// Reclaimed and refreshed candidates drop out of the stale set, so
		// any page with either makes progress. A page of nothing but
		// unverifiable skips would repeat verbatim; stop and let the next
		// scheduled pass retry them.
		if result.Skipped == result.Processed() {
			break
		}
	}
	log.Info("garbage collection reclaimed %d objects", totalReclaimed)

	// Visit markers from generations older than the cutoff serve no further
	// walk.
	if _, err := r.visits.PruneVisits(ctx, cutoff.Add(-24*time.Hour)); err != nil {
		log.Warn("failed to prune folder visits: %v", err)
	}
	return nil
}

// RunWebhookBootstrap ensures a live push channel exists for the user's own
// drive and every shared drive visible to the connector. Idempotent; run at
// connector creation and periodically as reconciliation.
func (r *Runner) RunWebhookBootstrap(ctx context.Context, connectorID uuid.UUID) error {
	log := r.logger.WithConnector(connectorID.String(), "")

	// Empty drive id addresses the user's own drive.
	driveIDs := []string{""}
	drives, err := r.source.ListDrives(ctx)
	if err != nil {
		return fmt.Errorf("failed to list shared drives: %w", err)
	}
	for _, d := range drives {
		driveIDs = append(driveIDs, d.ID)
	}

	for _, driveID := range driveIDs {
		if err := r.heartbeat.Beat(ctx, "webhook-bootstrap"); err != nil {
			return err
		}
		if _, err := r.webhooks.RegisterForDrive(ctx, connectorID, driveID); err != nil {
			log.Warn("failed to register webhook for drive %q: %v", driveID, err)
		}
	}
	return nil
}

// ResetDriveCursor rewinds a drive's change feed to head. Pairs with a forced
// full resync.
func (r *Runner) ResetDriveCursor(ctx context.Context, connectorID uuid.UUID, driveID string) error {
	return r.incremental.ResetCursor(ctx, connectorID, driveID)
}

func (r *Runner) failSync(ctx context.Context, connectorID uuid.UUID, syncType string, cause error) error {
	if err := r.connectors.MarkSyncFailed(ctx, connectorID, cause.Error()); err != nil {
		r.logger.WithConnector(connectorID.String(), "").
			Error("failed to record sync failure: %v", err)
	}
	r.publishFailure(ctx, connectorID, syncType, "", cause)
	return cause
}

func (r *Runner) publishLifecycle(ctx context.Context, eventType string, connectorID uuid.UUID, syncType, driveID string) {
	event := events.NewSyncEvent(eventType, "sync-runner", connectorID)
	event.SyncType = syncType
	event.DriveID = driveID
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.WithConnector(connectorID.String(), driveID).
			Warn("failed to publish %s event: %v", eventType, err)
	}
}

func (r *Runner) publishFailure(ctx context.Context, connectorID uuid.UUID, syncType, driveID string, cause error) {
	event := events.NewSyncEvent(events.EventSyncFailed, "sync-runner", connectorID)
	event.SyncType = syncType
	event.DriveID = driveID
	event.Error = cause.Error()
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.WithConnector(connectorID.String(), driveID).
			Warn("failed to publish sync failed event: %v", err)
	}
}
