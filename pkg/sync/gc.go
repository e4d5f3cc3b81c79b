package sync

import (
	"context"
	"errors"
	stdsync "sync"
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

// GarbageCollector reconciles the mirror after a completed full sync: every
// row whose liveness marker predates the generation cutoff is re-verified
// against the remote and either refreshed or removed. GC only ever deletes
// what the remote confirms gone or out of scope; on doubt it keeps the row
// for the next pass.
type GarbageCollector struct {
	source    SourceClient
	mirror    MirrorStore
	scope     ScopeStore
	syncer    *objectSyncer
	publisher EventPublisher
	config    *Config
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewGarbageCollector creates a garbage collector.
func NewGarbageCollector(source SourceClient, mirror MirrorStore, scope ScopeStore, index IndexClient, publisher EventPublisher, config *Config, log *logger.Logger) *GarbageCollector {
	if config == nil {
		config = DefaultConfig()
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &GarbageCollector{
		source:    source,
		mirror:    mirror,
		scope:     scope,
		syncer:    newObjectSyncer(source, mirror, index, publisher, config, log),
		publisher: publisher,
		config:    config,
		logger:    log,
		tracer:    otel.Tracer("gc"),
	}
}

// CollectResult summarizes one page of garbage collection.
type CollectResult struct {
	// Reclaimed counts candidates removed from the index and mirror.
	Reclaimed int
	// Refreshed counts candidates confirmed alive and re-marked, dropping
	// them out of the stale set.
	Refreshed int
	// Skipped counts candidates left untouched because verification failed;
	// they stay stale and the next pass retries them.
	Skipped int
}

// Processed is the number of candidates examined on the page.
func (r CollectResult) Processed() int {
	return r.Reclaimed + r.Refreshed + r.Skipped
}

// Collect examines one page of stale candidates against the cutoff. The
// caller loops until a page processes nothing, or processes nothing but
// skips. Candidates that cannot be verified because of transient failures are
// skipped, not deleted.
func (g *GarbageCollector) Collect(ctx context.Context, connectorID uuid.UUID, cutoff time.Time) (CollectResult, error) {
	ctx, span := g.tracer.Start(ctx, "gc_collect")
	defer span.End()
	span.SetAttributes(
		attribute.String("connector.id", connectorID.String()),
		attribute.String("cutoff", cutoff.Format(time.RFC3339)),
	)

	var result CollectResult

	candidates, err := g.mirror.ListStaleObjects(ctx, connectorID, cutoff, g.config.GCPageSize)
	if err != nil {
		return result, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	log := g.logger.WithConnector(connectorID.String(), "")
	resolver := NewScopeResolver(g.source, g.scope, connectorID)
	now := time.Now().UTC()

	workers := g.config.GCWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	jobs := make(chan *models.MirroredObject)
	var mu stdsync.Mutex
	var wg stdsync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				removed, err := g.reconcile(ctx, connectorID, resolver, row, now)
				mu.Lock()
				switch {
				case err != nil:
					// Unverifiable candidate: leave the row stale for the
					// next pass rather than guessing.
					log.Warn("skipping unverifiable object %s: %v", row.RemoteObjectID, err)
					result.Skipped++
				case removed:
					result.Reclaimed++
				default:
					result.Refreshed++
				}
				mu.Unlock()
			}
		}()
	}

	for _, row := range candidates {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return result, ctx.Err()
		case jobs <- row:
		}
	}
	close(jobs)
	wg.Wait()

	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("reclaimed", result.Reclaimed),
		attribute.Int("skipped", result.Skipped),
	)
	log.Info("gc page done: %d/%d reclaimed", result.Reclaimed, len(candidates))

	event := events.NewSyncEvent(events.EventGCCompleted, "gc", connectorID)
	event.Count = result.Reclaimed
	if err := g.publisher.Publish(ctx, event); err != nil {
		log.Warn("failed to publish gc event: %v", err)
	}

	return result, nil
}

// VerifyWatchedFolders probes every watched root against the remote and
// returns the ids of those that no longer resolve. Collecting against a
// broken scope would sweep the whole subtree, so the caller should trigger a
// full resync instead when any root comes back inaccessible. Transient probe
// failures are returned as errors, not treated as inaccessibility.
func (g *GarbageCollector) VerifyWatchedFolders(ctx context.Context, connectorID uuid.UUID) ([]string, error) {
	roots, err := g.scope.ListWatchedFolders(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	var inaccessible []string
	for _, folderID := range roots {
		if _, err := g.source.GetObject(ctx, folderID); err != nil {
			if gdrive.IsNotFound(err) {
				inaccessible = append(inaccessible, folderID)
				continue
			}
			return nil, err
		}
	}
	return inaccessible, nil
}

// reconcile verifies one stale row against the remote. Returns true when the
// row was removed.
func (g *GarbageCollector) reconcile(ctx context.Context, connectorID uuid.UUID, resolver *ScopeResolver, row *models.MirroredObject, now time.Time) (bool, error) {
	obj, err := g.source.GetObject(ctx, row.RemoteObjectID)
	if err != nil {
		if gdrive.IsNotFound(err) {
			if err := g.syncer.removeObject(ctx, connectorID, row.RemoteObjectID); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, err
	}

	if obj.Trashed {
		if err := g.syncer.removeObject(ctx, connectorID, row.RemoteObjectID); err != nil {
			return false, err
		}
		return true, nil
	}

	inScope, err := resolver.InScope(ctx, obj.ID)
	if err != nil {
		return false, err
	}
	if !inScope {
		if err := g.syncer.removeObject(ctx, connectorID, row.RemoteObjectID); err != nil {
			return false, err
		}
		return true, nil
	}

	// Alive and in scope: the walk simply missed it. Refresh the marker so
	// it stops being a candidate.
	if err := g.mirror.TouchObject(ctx, connectorID, row.RemoteObjectID, now); err != nil {
		return false, err
	}
	return false, nil
}

// ShouldGarbageCollect checks the precondition for running GC: the last full
// sync must have completed successfully. Collecting after a partial walk
// would delete everything the walk never reached.
func ShouldGarbageCollect(connector *models.Connector) bool {
	return connector.LastSyncStatus == models.SyncStatusSucceeded &&
		connector.LastSyncSuccessfulAt != nil
}

// ErrGCPreconditionFailed is returned when GC is requested for a connector
// whose last full sync did not complete.
var ErrGCPreconditionFailed = errors.New("garbage collection requires a completed full sync")

// ErrWatchedFolderInaccessible is returned when a watched root no longer
// resolves remotely; the connector needs a full resync, not garbage
// collection.
var ErrWatchedFolderInaccessible = errors.New("watched folder is no longer accessible")
