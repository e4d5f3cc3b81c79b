package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/google/uuid"

	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
)

// ErrScopeUnreachable is returned when an object's ancestor chain cannot be
// resolved because of a transient remote failure. Callers must not treat it
// as "out of scope".
var ErrScopeUnreachable = fmt.Errorf("scope resolution unreachable")

// ScopeResolver answers whether an object sits under one of the connector's
// watched folders by walking the remote parent chain. Verdicts are memoized
// per resolver instance; a fresh resolver is created per unit of work so the
// cache can never outlive the folder selection it was computed against.
type ScopeResolver struct {
	source      SourceClient
	scope       ScopeStore
	connectorID uuid.UUID

	mu      stdsync.Mutex
	watched map[string]bool
	cache   map[string]bool // object id -> in-scope verdict
}

// NewScopeResolver creates a resolver bound to one connector.
func NewScopeResolver(source SourceClient, scope ScopeStore, connectorID uuid.UUID) *ScopeResolver {
	return &ScopeResolver{
		source:      source,
		scope:       scope,
		connectorID: connectorID,
		cache:       make(map[string]bool),
	}
}

// maxAncestorDepth bounds the parent-chain walk. Drive hierarchies are far
// shallower in practice; the bound guards against parent-pointer cycles in
// pathological remote metadata.
const maxAncestorDepth = 64

// InScope reports whether the object identified by objectID lives under a
// watched folder. A watched folder is itself in scope. Objects whose parent
// chain hits a missing ancestor are out of scope: an unreachable ancestor
// means the subtree is no longer navigable from any watched root.
func (r *ScopeResolver) InScope(ctx context.Context, objectID string) (bool, error) {
	watched, err := r.watchedSet(ctx)
	if err != nil {
		return false, err
	}

	// Empty selection means the whole connector is in scope.
	if len(watched) == 0 {
		return true, nil
	}

	var chain []string
	current := objectID
	for depth := 0; depth < maxAncestorDepth; depth++ {
		if watched[current] {
			r.memoize(chain, true)
			r.setCached(current, true)
			return true, nil
		}
		if verdict, ok := r.cached(current); ok {
			r.memoize(chain, verdict)
			return verdict, nil
		}
		chain = append(chain, current)

		obj, err := r.source.GetObject(ctx, current)
		if err != nil {
			if gdrive.IsNotFound(err) {
				r.memoize(chain, false)
				return false, nil
			}
			return false, fmt.Errorf("%w: resolving ancestor %s: %v", ErrScopeUnreachable, current, err)
		}
		if obj.ParentID == "" {
			r.memoize(chain, false)
			return false, nil
		}
		current = obj.ParentID
	}

	// Depth exhausted: treat as a cycle and keep the object rather than
	// deleting user data on bad metadata.
	return false, fmt.Errorf("%w: ancestor chain for %s exceeds depth %d", ErrScopeUnreachable, objectID, maxAncestorDepth)
}

func (r *ScopeResolver) watchedSet(ctx context.Context) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watched != nil {
		return r.watched, nil
	}

	folders, err := r.scope.ListWatchedFolders(ctx, r.connectorID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing watched folders: %v", ErrScopeUnreachable, err)
	}
	set := make(map[string]bool, len(folders))
	for _, id := range folders {
		set[id] = true
	}
	r.watched = set
	return set, nil
}

func (r *ScopeResolver) cached(objectID string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	verdict, ok := r.cache[objectID]
	return verdict, ok
}

func (r *ScopeResolver) setCached(objectID string, verdict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[objectID] = verdict
}

// memoize records the verdict for every id on the walked chain.
func (r *ScopeResolver) memoize(chain []string, verdict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range chain {
		r.cache[id] = verdict
	}
}
