package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookSubscription represents a live push-notification channel registered
// against a remote drive. Superseded subscriptions are linked forward via
// RenewedBySubscriptionID and retained past their hard expiry so that
// notifications delivered against the stale channel id during the renewal
// cutover window are still accepted.
type WebhookSubscription struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	ConnectorID uuid.UUID `gorm:"type:uuid;not null;index" json:"connector_id"`
	DriveID     string    `gorm:"not null;index" json:"drive_id"`

	// Provider-side channel identity.
	ChannelID  string `gorm:"not null;uniqueIndex" json:"channel_id"`
	ResourceID string `gorm:"not null" json:"resource_id"`

	// ExpiresAt is the hard deadline set by the provider; RenewAt is the
	// soft deadline at which proactive renewal runs.
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	RenewAt   time.Time `gorm:"not null;index" json:"renew_at"`

	// Forward pointer set once a replacement subscription exists.
	RenewedBySubscriptionID *uuid.UUID `gorm:"type:uuid;index" json:"renewed_by_subscription_id,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for the WebhookSubscription model.
func (WebhookSubscription) TableName() string {
	return "webhook_subscriptions"
}

// IsSuperseded reports whether a replacement subscription has been created.
func (s *WebhookSubscription) IsSuperseded() bool {
	return s.RenewedBySubscriptionID != nil
}

// IsExpired reports whether the provider-side hard deadline has passed.
func (s *WebhookSubscription) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// AcceptsNotifications reports whether a notification carrying this channel id
// should still be honored. Both the active subscription and a superseded but
// not-yet-expired one qualify during the renewal race window.
func (s *WebhookSubscription) AcceptsNotifications(now time.Time) bool {
	return !s.IsExpired(now)
}
