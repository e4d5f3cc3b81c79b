package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sergey-chuvayev/dust/internal/database/models"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/events"
	"github.com/sergey-chuvayev/dust/pkg/logger"
)

func tnow() time.Time {
	return time.Now().UTC()
}

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
}

// fakeSource is an in-memory SourceClient. Objects are stored flat; children
// are derived from parent pointers. Errors can be injected per object id.
type fakeSource struct {
	mu stdsync.Mutex

	objects map[string]*gdrive.Object
	// changePages maps a page token to the page it returns.
	changePages map[string]*gdrive.ChangeList
	drives      []*gdrive.DriveInfo
	content     map[string][]byte
	startToken  string

	// getErr injects an error for GetObject on a specific id.
	getErr map[string]error
	// listErr injects an error for ListChildren on a folder id.
	listErr map[string]error
	// changesErr fails every ListChanges call.
	changesErr error
	// fetchErr injects an error for FetchContent on a specific id.
	fetchErr map[string]error
	// channelErr fails CreateChannel.
	channelErr error
	// startTokenErr fails GetStartPageToken.
	startTokenErr error
	// channelTTL controls the expiry on minted channels.
	channelTTL time.Duration

	listCalls    int
	channelSeq   int
	stoppedChans []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		objects:     make(map[string]*gdrive.Object),
		changePages: make(map[string]*gdrive.ChangeList),
		content:     make(map[string][]byte),
		getErr:      make(map[string]error),
		listErr:     make(map[string]error),
		fetchErr:    make(map[string]error),
		startToken:  "head-1",
		channelTTL:  6 * 24 * time.Hour,
	}
}

func (f *fakeSource) addFolder(id, parentID string) *gdrive.Object {
	obj := &gdrive.Object{ID: id, Name: id, MimeType: gdrive.MimeTypeFolder, ParentID: parentID}
	f.objects[id] = obj
	return obj
}

func (f *fakeSource) addFile(id, parentID, mimeType string, body []byte) *gdrive.Object {
	obj := &gdrive.Object{ID: id, Name: id, MimeType: mimeType, ParentID: parentID, Size: int64(len(body))}
	f.objects[id] = obj
	f.content[id] = body
	return obj
}

func (f *fakeSource) ListChildren(ctx context.Context, folderID, pageToken string) (*gdrive.ChildList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.listErr[folderID]; err != nil {
		return nil, err
	}
	if _, ok := f.objects[folderID]; !ok {
		return nil, gdrive.ErrNotFound
	}
	list := &gdrive.ChildList{}
	for _, obj := range f.objects {
		if obj.ParentID == folderID {
			list.Objects = append(list.Objects, obj)
		}
	}
	return list, nil
}

func (f *fakeSource) GetObject(ctx context.Context, objectID string) (*gdrive.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[objectID]; err != nil {
		return nil, err
	}
	obj, ok := f.objects[objectID]
	if !ok {
		return nil, gdrive.ErrNotFound
	}
	return obj, nil
}

func (f *fakeSource) GetStartPageToken(ctx context.Context, driveID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startTokenErr != nil {
		return "", f.startTokenErr
	}
	return f.startToken, nil
}

func (f *fakeSource) ListChanges(ctx context.Context, driveID, pageToken string) (*gdrive.ChangeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	page, ok := f.changePages[pageToken]
	if !ok {
		return &gdrive.ChangeList{NewStartPageToken: pageToken}, nil
	}
	return page, nil
}

func (f *fakeSource) ListDrives(ctx context.Context) ([]*gdrive.DriveInfo, error) {
	return f.drives, nil
}

func (f *fakeSource) FetchContent(ctx context.Context, obj *gdrive.Object) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[obj.ID]; err != nil {
		return nil, err
	}
	body, ok := f.content[obj.ID]
	if !ok {
		return nil, gdrive.ErrNotFound
	}
	return body, nil
}

func (f *fakeSource) CreateChannel(ctx context.Context, driveID, notifyURL string) (*gdrive.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The real client resolves a start token before watching the feed, so
	// its failures surface through channel creation too.
	if f.startTokenErr != nil {
		return nil, f.startTokenErr
	}
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	f.channelSeq++
	return &gdrive.Channel{
		ID:         fmt.Sprintf("chan-%d", f.channelSeq),
		ResourceID: fmt.Sprintf("res-%d", f.channelSeq),
		Expiration: time.Now().Add(f.channelTTL),
	}, nil
}

func (f *fakeSource) StopChannel(ctx context.Context, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedChans = append(f.stoppedChans, channelID)
	return nil
}

// memStore is an in-memory implementation of every sync persistence
// interface.
type memStore struct {
	mu stdsync.Mutex

	mirror     map[string]*models.MirroredObject // key connector/object
	visits     map[string]bool                   // key connector/folder/generation
	cursors    map[string]string                 // key connector/drive
	watched    map[uuid.UUID][]string
	connectors map[uuid.UUID]*models.Connector
	subs       map[uuid.UUID]*models.WebhookSubscription
}

func newMemStore() *memStore {
	return &memStore{
		mirror:     make(map[string]*models.MirroredObject),
		visits:     make(map[string]bool),
		cursors:    make(map[string]string),
		watched:    make(map[uuid.UUID][]string),
		connectors: make(map[uuid.UUID]*models.Connector),
		subs:       make(map[uuid.UUID]*models.WebhookSubscription),
	}
}

func mirrorKey(connectorID uuid.UUID, objectID string) string {
	return connectorID.String() + "/" + objectID
}

func (s *memStore) GetObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string) (*models.MirroredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.mirror[mirrorKey(connectorID, remoteObjectID)]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *memStore) UpsertObject(ctx context.Context, connectorID uuid.UUID, obj *gdrive.Object, seenAt time.Time) (*models.MirroredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parentID *string
	if obj.ParentID != "" {
		p := obj.ParentID
		parentID = &p
	}
	row := &models.MirroredObject{
		ConnectorID:    connectorID,
		RemoteObjectID: obj.ID,
		DocumentID:     models.DocumentID(obj.ID),
		Name:           obj.Name,
		MimeType:       obj.MimeType,
		ParentID:       parentID,
		DriveID:        obj.DriveID,
		IsFolder:       obj.IsFolder(),
		LastSeenAt:     &seenAt,
	}
	s.mirror[mirrorKey(connectorID, obj.ID)] = row
	return row, nil
}

func (s *memStore) TouchObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.mirror[mirrorKey(connectorID, remoteObjectID)]; ok {
		row.LastSeenAt = &seenAt
	}
	return nil
}

func (s *memStore) DeleteObject(ctx context.Context, connectorID uuid.UUID, remoteObjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mirror, mirrorKey(connectorID, remoteObjectID))
	return nil
}

func (s *memStore) ListStaleObjects(ctx context.Context, connectorID uuid.UUID, cutoff time.Time, limit int) ([]*models.MirroredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*models.MirroredObject
	for _, row := range s.mirror {
		if row.ConnectorID != connectorID {
			continue
		}
		if row.LastSeenAt == nil || row.LastSeenAt.Before(cutoff) {
			copied := *row
			rows = append(rows, &copied)
		}
		if len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func visitKey(connectorID uuid.UUID, folderID string, generationID uuid.UUID) string {
	return connectorID.String() + "/" + folderID + "/" + generationID.String()
}

func (s *memStore) WasVisited(ctx context.Context, connectorID uuid.UUID, folderID string, generationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[visitKey(connectorID, folderID, generationID)], nil
}

func (s *memStore) MarkVisited(ctx context.Context, connectorID uuid.UUID, folderID string, generationID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[visitKey(connectorID, folderID, generationID)] = true
	return nil
}

func (s *memStore) PruneVisits(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func cursorKey(connectorID uuid.UUID, driveID string) string {
	return connectorID.String() + "/" + driveID
}

func (s *memStore) GetCursor(ctx context.Context, connectorID uuid.UUID, driveID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorKey(connectorID, driveID)], nil
}

func (s *memStore) SetCursor(ctx context.Context, connectorID uuid.UUID, driveID, pageToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey(connectorID, driveID)] = pageToken
	return nil
}

func (s *memStore) DeleteCursor(ctx context.Context, connectorID uuid.UUID, driveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, cursorKey(connectorID, driveID))
	return nil
}

func (s *memStore) ListWatchedFolders(ctx context.Context, connectorID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watched[connectorID], nil
}

func (s *memStore) GetConnector(ctx context.Context, id uuid.UUID) (*models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return nil, fmt.Errorf("connector %s not found", id)
	}
	copied := *c
	return &copied, nil
}

func (s *memStore) MarkSyncStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connectors[id]; ok {
		c.LastSyncStartedAt = &at
		c.LastSyncStatus = models.SyncStatusInProgress
	}
	return nil
}

func (s *memStore) MarkSyncSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connectors[id]; ok {
		c.LastSyncSuccessfulAt = &at
		c.LastSyncStatus = models.SyncStatusSucceeded
	}
	return nil
}

func (s *memStore) MarkSyncFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connectors[id]; ok {
		c.LastSyncStatus = models.SyncStatusFailed
		c.LastSyncError = &reason
	}
	return nil
}

func (s *memStore) InsertSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sub
	s.subs[sub.ID] = &copied
	return nil
}

func (s *memStore) GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ChannelID == channelID {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListRenewable(ctx context.Context, deadline time.Time, limit int) ([]*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []*models.WebhookSubscription
	for _, sub := range s.subs {
		if sub.RenewedBySubscriptionID == nil && !sub.RenewAt.After(deadline) {
			copied := *sub
			subs = append(subs, &copied)
		}
		if len(subs) >= limit {
			break
		}
	}
	return subs, nil
}

func (s *memStore) MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[oldID]; ok {
		sub.RenewedBySubscriptionID = &newID
	}
	return nil
}

func (s *memStore) DeferRenewal(ctx context.Context, id uuid.UUID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		sub.RenewAt = until
	}
	return nil
}

func (s *memStore) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

func (s *memStore) PurgeExpiredSuperseded(ctx context.Context, expiredBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, sub := range s.subs {
		if sub.RenewedBySubscriptionID != nil && sub.ExpiresAt.Before(expiredBefore) {
			delete(s.subs, id)
			purged++
		}
	}
	return purged, nil
}

func (s *memStore) ActiveSubscription(ctx context.Context, connectorID uuid.UUID, driveID string) (*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ConnectorID == connectorID && sub.DriveID == driveID && sub.RenewedBySubscriptionID == nil {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, nil
}

// fakeIndex records the documents currently in the index.
type fakeIndex struct {
	mu      stdsync.Mutex
	docs    map[string][]byte
	upserts int
	deletes int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: make(map[string][]byte)}
}

func (f *fakeIndex) UpsertDocument(ctx context.Context, documentID string, content []byte, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[documentID] = content
	f.upserts++
	return nil
}

func (f *fakeIndex) DeleteDocument(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, documentID)
	f.deletes++
	return nil
}

func (f *fakeIndex) has(documentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[documentID]
	return ok
}

func (f *fakeIndex) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     stdsync.Mutex
	events []*events.SyncEvent
}

func (c *capturePublisher) Publish(ctx context.Context, event *events.SyncEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) byType(eventType string) []*events.SyncEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*events.SyncEvent
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// newActiveConnector seeds the store with an active connector and returns its
// id.
func (s *memStore) newActiveConnector() uuid.UUID {
	id := uuid.New()
	s.connectors[id] = &models.Connector{
		ID:       id,
		Provider: "googledrive",
		Status:   "active",
	}
	return id
}
