package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergey-chuvayev/dust/internal/database/models"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
)

func newFullSyncFixture(t *testing.T) (*FullSyncEngine, *fakeSource, *memStore, *fakeIndex) {
	t.Helper()
	source := newFakeSource()
	store := newMemStore()
	index := newFakeIndex()
	engine := NewFullSyncEngine(source, store, store, index, nil, DefaultConfig(), testLogger())
	return engine, source, store, index
}

func TestSyncFolderPageSyncsFilesAndReportsSubfolders(t *testing.T) {
	engine, source, store, index := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()

	source.addFolder("root", "")
	source.addFolder("sub-a", "root")
	source.addFolder("sub-b", "root")
	source.addFile("doc-1", "root", "text/plain", []byte("hello"))
	source.addFile("image-1", "root", "image/png", []byte{0x89})

	result, err := engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "root", "")
	require.NoError(t, err)

	assert.Empty(t, result.NextPageToken)
	assert.ElementsMatch(t, []string{"sub-a", "sub-b"}, result.Subfolders)
	assert.Equal(t, 1, result.SyncedCount, "unsupported mime types are not synced")

	assert.True(t, index.has(models.DocumentID("doc-1")))
	assert.False(t, index.has(models.DocumentID("image-1")))

	row, err := store.GetObject(context.Background(), connectorID, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "gdrive-doc-1", row.DocumentID)

	folderRow, err := store.GetObject(context.Background(), connectorID, "sub-a")
	require.NoError(t, err)
	require.NotNil(t, folderRow)
	assert.True(t, folderRow.IsFolder)
}

func TestSyncFolderPageShortCircuitsVisitedFolder(t *testing.T) {
	engine, source, store, _ := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()
	gen := NewGeneration()

	source.addFolder("root", "")
	source.addFile("doc-1", "root", "text/plain", []byte("hello"))

	_, err := engine.SyncFolderPage(context.Background(), connectorID, gen, "root", "")
	require.NoError(t, err)
	callsAfterFirst := source.listCalls

	// Redelivered open of the same folder in the same generation.
	result, err := engine.SyncFolderPage(context.Background(), connectorID, gen, "root", "")
	require.NoError(t, err)
	assert.Empty(t, result.Subfolders)
	assert.Zero(t, result.SyncedCount)
	assert.Equal(t, callsAfterFirst, source.listCalls, "visited folder must not be listed again")
}

func TestSyncFolderPageNewGenerationRewalks(t *testing.T) {
	engine, source, store, _ := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()

	source.addFolder("root", "")
	source.addFile("doc-1", "root", "text/plain", []byte("hello"))

	_, err := engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "root", "")
	require.NoError(t, err)
	callsAfterFirst := source.listCalls

	result, err := engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "root", "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Greater(t, source.listCalls, callsAfterFirst)
}

func TestSyncFolderPageVanishedFolderIsEmpty(t *testing.T) {
	engine, _, store, _ := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()

	result, err := engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "missing-folder", "")
	require.NoError(t, err)
	assert.Empty(t, result.Subfolders)
	assert.Zero(t, result.SyncedCount)
	assert.Empty(t, result.NextPageToken)
}

func TestSyncFolderPageRemovesTrashedChildren(t *testing.T) {
	engine, source, store, index := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()

	source.addFolder("root", "")
	obj := source.addFile("doc-1", "root", "text/plain", []byte("hello"))

	gen := NewGeneration()
	_, err := engine.SyncFolderPage(context.Background(), connectorID, gen, "root", "")
	require.NoError(t, err)
	require.True(t, index.has(models.DocumentID("doc-1")))

	obj.Trashed = true
	_, err = engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "root", "")
	require.NoError(t, err)

	assert.False(t, index.has(models.DocumentID("doc-1")))
	row, err := store.GetObject(context.Background(), connectorID, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSyncFolderPageSkipsFilesThatFailToFetch(t *testing.T) {
	engine, source, store, index := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()

	source.addFolder("root", "")
	source.addFile("ok", "root", "text/plain", []byte("hello"))
	source.addFile("broken", "root", "text/plain", []byte("x"))
	delete(source.content, "broken") // vanished between listing and fetch

	result, err := engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "root", "")
	require.NoError(t, err, "one bad file must not abort the page")
	assert.Equal(t, 1, result.SyncedCount)

	assert.True(t, index.has(models.DocumentID("ok")), "surviving files on the page still sync")
	assert.False(t, index.has(models.DocumentID("broken")))
}

func TestSyncFolderPageAbortsOnAuthRevocation(t *testing.T) {
	engine, source, store, _ := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()

	source.addFolder("root", "")
	source.addFile("doc-1", "root", "text/plain", []byte("hello"))
	source.fetchErr["doc-1"] = gdrive.ErrAuthRevoked

	_, err := engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "root", "")
	require.Error(t, err, "revoked credentials fail every fetch, nothing to skip past")
	assert.True(t, gdrive.IsAuthError(err))
}

func TestSyncFolderPagePropagatesListErrors(t *testing.T) {
	engine, source, store, _ := newFullSyncFixture(t)
	connectorID := store.newActiveConnector()

	source.addFolder("root", "")
	source.listErr["root"] = gdrive.ErrAuthRevoked

	_, err := engine.SyncFolderPage(context.Background(), connectorID, NewGeneration(), "root", "")
	require.Error(t, err)
	assert.True(t, gdrive.IsAuthError(err))
}
