package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDocumentIDIsDeterministic(t *testing.T) {
	assert.Equal(t, "gdrive-abc123", DocumentID("abc123"))
	assert.Equal(t, DocumentID("abc123"), DocumentID("abc123"))
	assert.NotEqual(t, DocumentID("abc123"), DocumentID("abc124"))
}

func TestSeenSince(t *testing.T) {
	cutoff := time.Now()

	var obj MirroredObject
	assert.False(t, obj.SeenSince(cutoff), "never-seen objects are stale")

	before := cutoff.Add(-time.Minute)
	obj.LastSeenAt = &before
	assert.False(t, obj.SeenSince(cutoff))

	obj.LastSeenAt = &cutoff
	assert.True(t, obj.SeenSince(cutoff), "cutoff itself counts as seen")

	after := cutoff.Add(time.Minute)
	obj.LastSeenAt = &after
	assert.True(t, obj.SeenSince(cutoff))
}

func TestWebhookSubscriptionAcceptsNotifications(t *testing.T) {
	now := time.Now()
	replacement := uuid.New()

	active := WebhookSubscription{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, active.AcceptsNotifications(now))
	assert.False(t, active.IsSuperseded())

	superseded := WebhookSubscription{
		ExpiresAt:               now.Add(time.Hour),
		RenewedBySubscriptionID: &replacement,
	}
	assert.True(t, superseded.AcceptsNotifications(now), "superseded but unexpired channels stay valid during cutover")
	assert.True(t, superseded.IsSuperseded())

	expired := WebhookSubscription{ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, expired.AcceptsNotifications(now))
}

func TestConnectorIsActive(t *testing.T) {
	c := Connector{Status: "active"}
	assert.True(t, c.IsActive())

	c.Status = "paused"
	assert.False(t, c.IsActive())

	now := time.Now()
	c = Connector{Status: "active", DeletedAt: &now}
	assert.False(t, c.IsActive())
}
