package gdrive

import (
	"context"
	"sync"
	"time"
)

// Well-known Google Drive MIME types.
const (
	MimeTypeFolder       = "application/vnd.google-apps.folder"
	MimeTypeDocument     = "application/vnd.google-apps.document"
	MimeTypeSpreadsheet  = "application/vnd.google-apps.spreadsheet"
	MimeTypePresentation = "application/vnd.google-apps.presentation"
)

// ExportMimeTypes maps Google-native MIME types to the format their content
// is exported as. Binary types are downloaded as-is and are not listed here.
var ExportMimeTypes = map[string]string{
	MimeTypeDocument:     "text/plain",
	MimeTypeSpreadsheet:  "text/csv",
	MimeTypePresentation: "text/plain",
}

// Object is the canonical representation of a remote file or folder.
type Object struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MimeType      string    `json:"mime_type"`
	ParentID      string    `json:"parent_id,omitempty"` // empty for roots
	Trashed       bool      `json:"trashed"`
	CreatedTime   time.Time `json:"created_time"`
	ModifiedTime  time.Time `json:"modified_time"`
	Size          int64     `json:"size"`
	DriveID       string    `json:"drive_id,omitempty"`
	InSharedDrive bool      `json:"in_shared_drive"`
	WebViewLink   string    `json:"web_view_link,omitempty"`
}

// IsFolder reports whether the object is a folder.
func (o *Object) IsFolder() bool {
	return o.MimeType == MimeTypeFolder
}

// ChildList is one page of a folder's immediate children.
type ChildList struct {
	Objects       []*Object `json:"objects"`
	NextPageToken string    `json:"next_page_token,omitempty"`
}

// Change is one entry from the drive change feed. Object is nil when the
// remote side reports the item as removed and no longer returns metadata.
type Change struct {
	ObjectID string  `json:"object_id"`
	Removed  bool    `json:"removed"`
	Object   *Object `json:"object,omitempty"`
}

// ChangeList is one page of the change feed. NewStartPageToken is only set on
// the final page and becomes the resume point for the next sync round.
type ChangeList struct {
	Changes           []*Change `json:"changes"`
	NextPageToken     string    `json:"next_page_token,omitempty"`
	NewStartPageToken string    `json:"new_start_page_token,omitempty"`
}

// DriveInfo describes a shared drive visible to the connector.
type DriveInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a push-notification registration returned by the provider.
type Channel struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Expiration time.Time `json:"expiration"`
}

// RetryPolicy defines retry behavior for API calls
type RetryPolicy struct {
	MaxRetries         int           `json:"max_retries"`
	InitialDelay       time.Duration `json:"initial_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
}

// RateLimiter implements token bucket rate limiting
type RateLimiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Wait blocks until a token is available
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()

	now := time.Now()
	elapsed := now.Sub(rl.lastUpdate).Seconds()

	rl.tokens = min(float64(rl.burst), rl.tokens+elapsed*rl.rate)
	rl.lastUpdate = now

	if rl.tokens >= 1.0 {
		rl.tokens--
		rl.mu.Unlock()
		return nil
	}

	waitTime := time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second))
	rl.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(waitTime):
		rl.mu.Lock()
		rl.tokens = 0
		rl.mu.Unlock()
		return nil
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
