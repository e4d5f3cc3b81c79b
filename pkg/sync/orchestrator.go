package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// Heartbeater is the engines' view of the durable execution environment.
// Runners call Beat between units of work so the orchestrator can detect
// stalls and reschedule; outside an orchestrator NoopHeartbeater is used.
type Heartbeater interface {
	Beat(ctx context.Context, detail string) error
}

// NoopHeartbeater satisfies Heartbeater where no orchestrator is present.
type NoopHeartbeater struct{}

// Beat implements Heartbeater.
func (NoopHeartbeater) Beat(context.Context, string) error { return nil }

// Workflow id builders. Ids are deterministic per (connector, drive, kind) so
// the orchestrator's id-reuse policy deduplicates concurrent launches of the
// same work.
func FullSyncWorkflowID(connectorID uuid.UUID) string {
	return fmt.Sprintf("gdrive-full-sync-%s", connectorID)
}

func IncrementalSyncWorkflowID(connectorID uuid.UUID, driveID string) string {
	return fmt.Sprintf("gdrive-incremental-sync-%s-%s", connectorID, driveID)
}

func GarbageCollectWorkflowID(connectorID uuid.UUID) string {
	return fmt.Sprintf("gdrive-gc-%s", connectorID)
}

// IncrementalTrigger launches (or signals) the incremental-sync workflow for
// one drive. Implementations are expected to deduplicate on the workflow id.
type IncrementalTrigger interface {
	TriggerIncrementalSync(ctx context.Context, connectorID uuid.UUID, driveID string) error
}

// Debouncer coalesces bursts of incremental-sync triggers per drive: the
// first notification in a window starts a timer, subsequent ones within the
// window are absorbed, and the trigger fires once when the timer elapses.
// Notification payloads carry no change data so collapsing them loses
// nothing; the change feed is the source of truth.
type Debouncer struct {
	trigger IncrementalTrigger
	window  time.Duration

	mu      stdsync.Mutex
	pending map[string]*time.Timer
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(trigger IncrementalTrigger, window time.Duration) *Debouncer {
	return &Debouncer{
		trigger: trigger,
		window:  window,
		pending: make(map[string]*time.Timer),
	}
}

// Notify registers a change notification for a drive. Fire-and-forget; the
// eventual trigger runs with a background context because the notification
// request has long since returned.
func (d *Debouncer) Notify(connectorID uuid.UUID, driveID string) {
	key := connectorID.String() + "/" + driveID

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, waiting := d.pending[key]; waiting {
		return
	}
	d.pending[key] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		// Errors are dropped: a missed trigger is recovered by the next
		// notification or the periodic reconciliation sync.
		_ = d.trigger.TriggerIncrementalSync(context.Background(), connectorID, driveID)
	})
}

// Stop cancels all pending triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, timer := range d.pending {
		timer.Stop()
		delete(d.pending, key)
	}
}
