package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergey-chuvayev/dust/internal/database/models"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
)

func newIncrementalFixture(t *testing.T) (*IncrementalEngine, *fakeSource, *memStore, *fakeIndex) {
	t.Helper()
	source := newFakeSource()
	store := newMemStore()
	index := newFakeIndex()
	engine := NewIncrementalEngine(source, store, store, store, store, index, nil, DefaultConfig(), testLogger())
	return engine, source, store, index
}

func TestSyncChangePageInitializesCursorAtHead(t *testing.T) {
	engine, source, store, _ := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()
	source.startToken = "head-42"

	next, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.NoError(t, err)
	assert.Empty(t, next, "empty feed is exhausted immediately")

	cursor, err := store.GetCursor(context.Background(), connectorID, "drive-1")
	require.NoError(t, err)
	assert.Equal(t, "head-42", cursor)
}

func TestSyncChangePageAppliesAdditionsAndRemovals(t *testing.T) {
	engine, source, store, index := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()
	// No watched folders: everything is in scope.

	doc := source.addFile("doc-1", "root", "text/plain", []byte("v2"))
	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-1"))
	_, err := store.UpsertObject(context.Background(), connectorID,
		&gdrive.Object{ID: "doc-gone", Name: "doc-gone", MimeType: "text/plain"}, tnow())
	require.NoError(t, err)
	require.NoError(t, index.UpsertDocument(context.Background(), models.DocumentID("doc-gone"), []byte("old"), nil))

	source.changePages["tok-1"] = &gdrive.ChangeList{
		Changes: []*gdrive.Change{
			{ObjectID: "doc-1", Object: doc},
			{ObjectID: "doc-gone", Removed: true},
		},
		NewStartPageToken: "tok-2",
	}

	next, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.NoError(t, err)
	assert.Empty(t, next)

	assert.True(t, index.has(models.DocumentID("doc-1")))
	assert.False(t, index.has(models.DocumentID("doc-gone")))

	cursor, err := store.GetCursor(context.Background(), connectorID, "drive-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cursor)
}

func TestSyncChangePageIsIdempotentUnderRedelivery(t *testing.T) {
	engine, source, store, index := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()

	doc := source.addFile("doc-1", "root", "text/plain", []byte("content"))
	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-1"))
	source.changePages["tok-1"] = &gdrive.ChangeList{
		Changes:           []*gdrive.Change{{ObjectID: "doc-1", Object: doc}},
		NewStartPageToken: "tok-2",
	}

	_, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "tok-1")
	require.NoError(t, err)

	// Redeliver the same page, as an at-least-once orchestrator may.
	_, err = engine.SyncChangePage(context.Background(), connectorID, "drive-1", "tok-1")
	require.NoError(t, err)

	assert.Equal(t, 1, index.size())
	row, err := store.GetObject(context.Background(), connectorID, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestSyncChangePageFollowsPagination(t *testing.T) {
	engine, source, store, index := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()

	a := source.addFile("doc-a", "root", "text/plain", []byte("a"))
	b := source.addFile("doc-b", "root", "text/plain", []byte("b"))
	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-1"))
	source.changePages["tok-1"] = &gdrive.ChangeList{
		Changes:       []*gdrive.Change{{ObjectID: "doc-a", Object: a}},
		NextPageToken: "tok-mid",
	}
	source.changePages["tok-mid"] = &gdrive.ChangeList{
		Changes:           []*gdrive.Change{{ObjectID: "doc-b", Object: b}},
		NewStartPageToken: "tok-2",
	}

	next, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.NoError(t, err)
	assert.Equal(t, "tok-mid", next)

	// Cursor persisted mid-feed: a crash here resumes at tok-mid.
	cursor, _ := store.GetCursor(context.Background(), connectorID, "drive-1")
	assert.Equal(t, "tok-mid", cursor)

	next, err = engine.SyncChangePage(context.Background(), connectorID, "drive-1", next)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Equal(t, 2, index.size())

	cursor, _ = store.GetCursor(context.Background(), connectorID, "drive-1")
	assert.Equal(t, "tok-2", cursor)
}

func TestSyncChangePageRespectsWatchedScope(t *testing.T) {
	engine, source, store, index := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()
	store.watched[connectorID] = []string{"watched-root"}

	source.addFolder("watched-root", "")
	source.addFolder("other-root", "")
	inScope := source.addFile("doc-in", "watched-root", "text/plain", []byte("in"))
	outScope := source.addFile("doc-out", "other-root", "text/plain", []byte("out"))

	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-1"))
	source.changePages["tok-1"] = &gdrive.ChangeList{
		Changes: []*gdrive.Change{
			{ObjectID: "doc-in", Object: inScope},
			{ObjectID: "doc-out", Object: outScope},
		},
		NewStartPageToken: "tok-2",
	}

	_, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.NoError(t, err)

	assert.True(t, index.has(models.DocumentID("doc-in")))
	assert.False(t, index.has(models.DocumentID("doc-out")))
}

func TestSyncChangePageMoveOutOfScopeDeletes(t *testing.T) {
	engine, source, store, index := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()
	store.watched[connectorID] = []string{"watched-root"}

	source.addFolder("watched-root", "")
	source.addFolder("other-root", "")
	doc := source.addFile("doc-1", "watched-root", "text/plain", []byte("body"))

	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-1"))
	source.changePages["tok-1"] = &gdrive.ChangeList{
		Changes:           []*gdrive.Change{{ObjectID: "doc-1", Object: doc}},
		NewStartPageToken: "tok-2",
	}
	_, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.NoError(t, err)
	require.True(t, index.has(models.DocumentID("doc-1")))

	// The file moves outside the watched tree; its next change must delete.
	doc.ParentID = "other-root"
	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-3"))
	source.changePages["tok-3"] = &gdrive.ChangeList{
		Changes:           []*gdrive.Change{{ObjectID: "doc-1", Object: doc}},
		NewStartPageToken: "tok-4",
	}
	_, err = engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.NoError(t, err)

	assert.False(t, index.has(models.DocumentID("doc-1")))
	row, err := store.GetObject(context.Background(), connectorID, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSyncChangePageAuthRevokedMarksConnectorFailed(t *testing.T) {
	engine, source, store, _ := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()

	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-1"))
	source.changesErr = gdrive.ErrAuthRevoked

	next, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.NoError(t, err, "auth revocation is terminal, not retryable")
	assert.Empty(t, next)

	connector, err := store.GetConnector(context.Background(), connectorID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, connector.LastSyncStatus)
	require.NotNil(t, connector.LastSyncError)
	assert.Equal(t, "authorization revoked", *connector.LastSyncError)
}

func TestSyncChangePageTransientErrorPropagates(t *testing.T) {
	engine, source, store, _ := newIncrementalFixture(t)
	connectorID := store.newActiveConnector()

	require.NoError(t, store.SetCursor(context.Background(), connectorID, "drive-1", "tok-1"))
	source.changesErr = assert.AnError

	_, err := engine.SyncChangePage(context.Background(), connectorID, "drive-1", "")
	require.Error(t, err)

	// Cursor untouched, so the retry replays the same page.
	cursor, _ := store.GetCursor(context.Background(), connectorID, "drive-1")
	assert.Equal(t, "tok-1", cursor)
}
