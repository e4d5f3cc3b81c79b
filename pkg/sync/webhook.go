package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sergey-chuvayev/dust/internal/database/models"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/logger"
)

// WebhookManager owns the push-notification channel lifecycle: registration,
// proactive renewal ahead of provider expiry, and retirement of superseded
// records. Renewal is make-before-break: the replacement channel is created
// and verified before the old one is stopped, and the old record is kept with
// a forward pointer so in-flight notifications against the stale channel id
// still resolve.
type WebhookManager struct {
	source     SourceClient
	store      WebhookStore
	connectors ConnectorStore
	config     *Config
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewWebhookManager creates a webhook lifecycle manager.
func NewWebhookManager(source SourceClient, store WebhookStore, connectors ConnectorStore, config *Config, log *logger.Logger) *WebhookManager {
	if config == nil {
		config = DefaultConfig()
	}
	return &WebhookManager{
		source:     source,
		store:      store,
		connectors: connectors,
		config:     config,
		logger:     log,
		tracer:     otel.Tracer("webhook-manager"),
	}
}

// RegisterForDrive ensures a live push channel exists for the drive. Returns
// the active subscription, creating one only when none exists.
func (m *WebhookManager) RegisterForDrive(ctx context.Context, connectorID uuid.UUID, driveID string) (*models.WebhookSubscription, error) {
	ctx, span := m.tracer.Start(ctx, "register_webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("connector.id", connectorID.String()),
		attribute.String("drive.id", driveID),
	)

	existing, err := m.store.ActiveSubscription(ctx, connectorID, driveID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.IsExpired(time.Now()) {
		return existing, nil
	}

	channel, err := m.source.CreateChannel(ctx, driveID, m.config.NotificationURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create push channel: %w", err)
	}

	sub := m.subscriptionFromChannel(connectorID, driveID, channel)
	if err := m.store.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	m.logger.WithConnector(connectorID.String(), driveID).
		Info("registered push channel %s expiring %s", sub.ChannelID, sub.ExpiresAt.Format(time.RFC3339))
	return sub, nil
}

// RenewExpiring runs one renewal pass: every non-superseded subscription due
// within the lookahead window is replaced. Per-subscription failures defer
// that subscription and continue; the pass never aborts on one bad channel.
// Returns the number of subscriptions renewed.
func (m *WebhookManager) RenewExpiring(ctx context.Context, batchSize int) (int, error) {
	ctx, span := m.tracer.Start(ctx, "renew_expiring_webhooks")
	defer span.End()

	deadline := time.Now().Add(m.config.RenewLookahead)
	due, err := m.store.ListRenewable(ctx, deadline, batchSize)
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return renewed, err
		}
		ok, err := m.renewOne(ctx, sub)
		if err != nil {
			m.logger.WithConnector(sub.ConnectorID.String(), sub.DriveID).
				Warn("failed to renew channel %s: %v", sub.ChannelID, err)
			continue
		}
		if ok {
			renewed++
		}
	}

	span.SetAttributes(
		attribute.Int("due", len(due)),
		attribute.Int("renewed", renewed),
	)
	return renewed, nil
}

// renewOne replaces a single subscription. Order matters: verify the drive is
// still reachable, create the new channel, persist the replacement, link the
// forward pointer, and only then stop the old channel. A crash at any point
// leaves at least one working channel. Returns true when a replacement was
// installed, false when the subscription was retired instead.
func (m *WebhookManager) renewOne(ctx context.Context, sub *models.WebhookSubscription) (bool, error) {
	log := m.logger.WithConnector(sub.ConnectorID.String(), sub.DriveID)

	// Probe the drive before minting the replacement. Channel creation
	// itself fails with not-found for a vanished drive, and that failure
	// must retire the subscription rather than defer it on the cool-down
	// forever.
	if _, err := m.source.GetStartPageToken(ctx, sub.DriveID); err != nil {
		if gdrive.IsNotFound(err) {
			return false, m.retire(ctx, sub, log)
		}
		return false, m.handleRenewalError(ctx, sub, err)
	}

	channel, err := m.source.CreateChannel(ctx, sub.DriveID, m.config.NotificationURL)
	if err != nil {
		if gdrive.IsNotFound(err) {
			// Drive vanished between the probe and the create.
			return false, m.retire(ctx, sub, log)
		}
		return false, m.handleRenewalError(ctx, sub, err)
	}

	replacement := m.subscriptionFromChannel(sub.ConnectorID, sub.DriveID, channel)
	if err := m.store.InsertSubscription(ctx, replacement); err != nil {
		return false, err
	}
	if err := m.store.MarkSuperseded(ctx, sub.ID, replacement.ID); err != nil {
		return false, err
	}

	if err := m.source.StopChannel(ctx, sub.ChannelID, sub.ResourceID); err != nil {
		// Old channel expires on its own; the forward pointer already
		// routes its notifications.
		log.Warn("failed to stop superseded channel %s: %v", sub.ChannelID, err)
	}

	log.Info("renewed channel %s -> %s", sub.ChannelID, replacement.ChannelID)
	return true, nil
}

// retire drops a subscription whose watched drive no longer exists. No
// replacement is created; the provider-side channel is stopped best-effort
// and expires on its own regardless.
func (m *WebhookManager) retire(ctx context.Context, sub *models.WebhookSubscription, log *logger.Logger) error {
	log.Info("drive vanished, retiring channel %s", sub.ChannelID)
	if err := m.source.StopChannel(ctx, sub.ChannelID, sub.ResourceID); err != nil {
		log.Warn("failed to stop retired channel %s: %v", sub.ChannelID, err)
	}
	return m.store.DeleteSubscription(ctx, sub.ID)
}

// handleRenewalError defers the subscription and classifies the failure.
// Auth revocation additionally marks the connector failed; renewal will keep
// retrying on the deferred schedule until the user re-authorizes or the
// subscription expires out.
func (m *WebhookManager) handleRenewalError(ctx context.Context, sub *models.WebhookSubscription, cause error) error {
	if deferErr := m.store.DeferRenewal(ctx, sub.ID, time.Now().Add(m.config.RenewCoolDown)); deferErr != nil {
		return deferErr
	}
	if gdrive.IsAuthError(cause) {
		if markErr := m.connectors.MarkSyncFailed(ctx, sub.ConnectorID, "authorization revoked"); markErr != nil {
			return markErr
		}
	}
	return cause
}

// PurgeRetired deletes superseded subscriptions whose hard expiry passed
// longer ago than the retention window. Returns the number purged.
func (m *WebhookManager) PurgeRetired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-m.config.SubscriptionRetention)
	return m.store.PurgeExpiredSuperseded(ctx, cutoff)
}

// ResolveNotification maps an inbound channel id to the subscription that
// should handle it, honoring superseded-but-unexpired records. Returns nil
// when the notification must be dropped.
func (m *WebhookManager) ResolveNotification(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
	sub, err := m.store.GetByChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	if !sub.AcceptsNotifications(time.Now()) {
		return nil, nil
	}
	return sub, nil
}

func (m *WebhookManager) subscriptionFromChannel(connectorID uuid.UUID, driveID string, channel *gdrive.Channel) *models.WebhookSubscription {
	return &models.WebhookSubscription{
		ID:          uuid.New(),
		ConnectorID: connectorID,
		DriveID:     driveID,
		ChannelID:   channel.ID,
		ResourceID:  channel.ResourceID,
		ExpiresAt:   channel.Expiration,
		RenewAt:     channel.Expiration.Add(-m.config.RenewMargin),
	}
}
