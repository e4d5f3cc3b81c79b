package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInScopeWalksAncestorChain(t *testing.T) {
	source := newFakeSource()
	store := newMemStore()
	connectorID := store.newActiveConnector()
	store.watched[connectorID] = []string{"watched-root"}

	source.addFolder("watched-root", "")
	source.addFolder("level-1", "watched-root")
	source.addFolder("level-2", "level-1")
	source.addFile("deep-doc", "level-2", "text/plain", nil)
	source.addFolder("outside", "")
	source.addFile("outside-doc", "outside", "text/plain", nil)

	resolver := NewScopeResolver(source, store, connectorID)

	inScope, err := resolver.InScope(context.Background(), "deep-doc")
	require.NoError(t, err)
	assert.True(t, inScope)

	inScope, err = resolver.InScope(context.Background(), "outside-doc")
	require.NoError(t, err)
	assert.False(t, inScope)

	inScope, err = resolver.InScope(context.Background(), "watched-root")
	require.NoError(t, err)
	assert.True(t, inScope, "a watched folder is itself in scope")
}

func TestInScopeEmptySelectionMeansEverything(t *testing.T) {
	source := newFakeSource()
	store := newMemStore()
	connectorID := store.newActiveConnector()

	resolver := NewScopeResolver(source, store, connectorID)
	inScope, err := resolver.InScope(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, inScope)
}

func TestInScopeMissingAncestorIsOutOfScope(t *testing.T) {
	source := newFakeSource()
	store := newMemStore()
	connectorID := store.newActiveConnector()
	store.watched[connectorID] = []string{"watched-root"}

	source.addFolder("watched-root", "")
	// orphan-doc's parent was deleted remotely.
	source.addFile("orphan-doc", "deleted-parent", "text/plain", nil)

	resolver := NewScopeResolver(source, store, connectorID)
	inScope, err := resolver.InScope(context.Background(), "orphan-doc")
	require.NoError(t, err)
	assert.False(t, inScope)
}

func TestInScopeTransientFailureIsNotAVerdict(t *testing.T) {
	source := newFakeSource()
	store := newMemStore()
	connectorID := store.newActiveConnector()
	store.watched[connectorID] = []string{"watched-root"}

	source.addFolder("watched-root", "")
	source.addFile("doc", "flaky-parent", "text/plain", nil)
	source.addFolder("flaky-parent", "watched-root")
	source.getErr["flaky-parent"] = assert.AnError

	resolver := NewScopeResolver(source, store, connectorID)
	_, err := resolver.InScope(context.Background(), "doc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScopeUnreachable)
}

func TestInScopeMemoizesVerdictsAcrossSiblings(t *testing.T) {
	source := newFakeSource()
	store := newMemStore()
	connectorID := store.newActiveConnector()
	store.watched[connectorID] = []string{"watched-root"}

	source.addFolder("watched-root", "")
	source.addFolder("shared-parent", "watched-root")
	source.addFile("doc-a", "shared-parent", "text/plain", nil)
	source.addFile("doc-b", "shared-parent", "text/plain", nil)

	resolver := NewScopeResolver(source, store, connectorID)

	inScope, err := resolver.InScope(context.Background(), "doc-a")
	require.NoError(t, err)
	require.True(t, inScope)

	// Second sibling reuses the memoized shared-parent verdict; breaking the
	// parent afterwards must not matter.
	source.getErr["shared-parent"] = assert.AnError
	inScope, err = resolver.InScope(context.Background(), "doc-b")
	require.NoError(t, err)
	assert.True(t, inScope)
}

func TestInScopeDetectsParentCycles(t *testing.T) {
	source := newFakeSource()
	store := newMemStore()
	connectorID := store.newActiveConnector()
	store.watched[connectorID] = []string{"watched-root"}

	source.addFolder("watched-root", "")
	source.addFolder("cycle-a", "cycle-b")
	source.addFolder("cycle-b", "cycle-a")

	resolver := NewScopeResolver(source, store, connectorID)
	_, err := resolver.InScope(context.Background(), "cycle-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScopeUnreachable)
}
