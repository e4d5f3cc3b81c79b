package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/logger"
)

// FullSyncEngine walks the watched folder tree one remote page at a time.
// Each SyncFolderPage call is an independently retryable unit of work: it
// syncs the files on one child page and reports the continuation token and
// discovered subfolders instead of recursing, so a durable orchestrator can
// drive the whole walk with heartbeats between pages.
type FullSyncEngine struct {
	source SourceClient
	mirror MirrorStore
	visits VisitStore
	syncer *objectSyncer
	config *Config
	logger *logger.Logger
	tracer trace.Tracer
}

// NewFullSyncEngine creates a full-sync engine.
func NewFullSyncEngine(source SourceClient, mirror MirrorStore, visits VisitStore, index IndexClient, publisher EventPublisher, config *Config, log *logger.Logger) *FullSyncEngine {
	if config == nil {
		config = DefaultConfig()
	}
	return &FullSyncEngine{
		source: source,
		mirror: mirror,
		visits: visits,
		syncer: newObjectSyncer(source, mirror, index, publisher, config, log),
		config: config,
		logger: log,
		tracer: otel.Tracer("full-sync"),
	}
}

// FolderPageResult reports the outcome of one folder-page unit of work.
type FolderPageResult struct {
	// NextPageToken continues this folder's child listing; empty when the
	// folder is exhausted.
	NextPageToken string
	// Subfolders are child folders discovered on this page, each the root of
	// a walk the caller still owes.
	Subfolders []string
	// SyncedCount is the number of files pushed to the index from this page.
	SyncedCount int
}

// SyncFolderPage processes one page of a folder's children. A call with an
// empty pageToken opens the folder: if this generation already visited it the
// call short-circuits, otherwise the folder is marked visited once its first
// page lists successfully, so a redelivered open never double-walks and a
// crash before the marker lands is retried from scratch.
func (e *FullSyncEngine) SyncFolderPage(ctx context.Context, connectorID uuid.UUID, gen Generation, folderID, pageToken string) (*FolderPageResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync_folder_page")
	defer span.End()
	span.SetAttributes(
		attribute.String("connector.id", connectorID.String()),
		attribute.String("folder.id", folderID),
		attribute.String("generation.id", gen.ID.String()),
		attribute.Bool("first_page", pageToken == ""),
	)

	log := e.logger.WithConnector(connectorID.String(), "").WithField("folder_id", folderID)

	if pageToken == "" {
		visited, err := e.visits.WasVisited(ctx, connectorID, folderID, gen.ID)
		if err != nil {
			return nil, err
		}
		if visited {
			span.SetAttributes(attribute.Bool("short_circuit", true))
			log.Debug("folder already visited in this generation, skipping")
			return &FolderPageResult{}, nil
		}
	}

	list, err := e.source.ListChildren(ctx, folderID, pageToken)
	if err != nil {
		if gdrive.IsNotFound(err) {
			// Folder disappeared between discovery and walk. Its mirrored
			// descendants go stale and GC reconciles them.
			log.Info("folder vanished remotely, treating as empty")
			return &FolderPageResult{}, nil
		}
		return nil, fmt.Errorf("failed to list children of %s: %w", folderID, err)
	}

	if pageToken == "" {
		if err := e.visits.MarkVisited(ctx, connectorID, folderID, gen.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	result := &FolderPageResult{NextPageToken: list.NextPageToken}
	seenAt := time.Now().UTC()

	// Partition the page before fanning out: folders are cheap metadata
	// upserts, only file content runs through the worker pool.
	var files []*gdrive.Object
	for _, child := range list.Objects {
		if child.Trashed {
			if err := e.syncer.removeObject(ctx, connectorID, child.ID); err != nil {
				return nil, err
			}
			continue
		}
		if child.IsFolder() {
			if err := e.syncer.upsertFolder(ctx, connectorID, child, seenAt); err != nil {
				return nil, err
			}
			result.Subfolders = append(result.Subfolders, child.ID)
			continue
		}
		if !e.config.IsSyncable(child.MimeType) {
			log.Debug("skipping unsupported mime type %s for %s", child.MimeType, child.ID)
			continue
		}
		files = append(files, child)
	}

	synced, err := e.syncFiles(ctx, connectorID, files, seenAt)
	result.SyncedCount = synced
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("files.synced", result.SyncedCount),
		attribute.Int("subfolders.found", len(result.Subfolders)),
	)
	return result, nil
}

// syncFiles pushes a page's files through a bounded worker pool. Per-file
// failures are logged and skipped so one unreadable file cannot sink the rest
// of the page; whatever a skip leaves behind goes stale and GC reconciles it.
// Only auth revocation aborts, since every remaining fetch would fail the
// same way. Returns the number of files successfully synced.
func (e *FullSyncEngine) syncFiles(ctx context.Context, connectorID uuid.UUID, files []*gdrive.Object, seenAt time.Time) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	log := e.logger.WithConnector(connectorID.String(), "")

	workers := e.config.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(files) {
		workers = len(files)
	}

	jobs := make(chan *gdrive.Object)
	errs := make(chan error, len(files))
	var synced int64
	var mu stdsync.Mutex
	var wg stdsync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range jobs {
				if err := e.syncer.syncFile(ctx, connectorID, obj, seenAt); err != nil {
					if gdrive.IsAuthError(err) {
						errs <- err
						continue
					}
					log.Warn("skipping file %s: %v", obj.ID, err)
					continue
				}
				mu.Lock()
				synced++
				mu.Unlock()
			}
		}()
	}

	for _, obj := range files {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return int(synced), ctx.Err()
		case jobs <- obj:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return int(synced), err
	}
	return int(synced), nil
}
