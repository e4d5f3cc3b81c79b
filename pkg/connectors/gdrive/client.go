package gdrive

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/drive/v3"

	"github.com/google/uuid"
)

const (
	fileFields   = "id, name, mimeType, size, createdTime, modifiedTime, parents, trashed, driveId, webViewLink"
	listFields   = "nextPageToken, files(" + fileFields + ")"
	changeFields = "nextPageToken, newStartPageToken, changes(fileId, removed, changeType, file(" + fileFields + "))"
)

// ClientConfig contains tuning knobs for the Drive API client.
type ClientConfig struct {
	PageSize          int64         `yaml:"page_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstLimit        int           `yaml:"burst_limit"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ChannelTTL        time.Duration `yaml:"channel_ttl"`
}

// DefaultClientConfig returns default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		PageSize:          100,
		RequestsPerSecond: 10.0,
		BurstLimit:        50,
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
		ChannelTTL:        6 * 24 * time.Hour,
	}
}

// Client wraps the Drive v3 API behind the canonical object/change types the
// sync engines consume. All calls are rate limited and retried on transient
// failures; terminal failures come back classified (see errors.go).
type Client struct {
	service     *drive.Service
	config      *ClientConfig
	rateLimiter *RateLimiter
	retryPolicy *RetryPolicy
	tracer      trace.Tracer
}

// NewClient creates a Drive client over an authenticated service.
func NewClient(service *drive.Service, config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	return &Client{
		service:     service,
		config:      config,
		rateLimiter: NewRateLimiter(config.RequestsPerSecond, config.BurstLimit),
		retryPolicy: &RetryPolicy{
			MaxRetries:         config.MaxRetries,
			InitialDelay:       config.RetryDelay,
			ExponentialBackoff: true,
		},
		tracer: otel.Tracer("gdrive-client"),
	}
}

// ListChildren lists one page of a folder's immediate children. Trashed
// children are included so callers can route them to deletion.
func (c *Client) ListChildren(ctx context.Context, folderID, pageToken string) (*ChildList, error) {
	ctx, span := c.tracer.Start(ctx, "gdrive_list_children")
	defer span.End()

	span.SetAttributes(
		attribute.String("folder.id", folderID),
		attribute.Bool("continuation", pageToken != ""),
	)

	var list *drive.FileList
	err := c.executeWithRetry(ctx, func() error {
		call := c.service.Files.List().
			Q(fmt.Sprintf("'%s' in parents", folderID)).
			Fields(listFields).
			PageSize(c.config.PageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)

		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var err error
		list, err = call.Do()
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	children := &ChildList{
		Objects:       make([]*Object, 0, len(list.Files)),
		NextPageToken: list.NextPageToken,
	}
	for _, f := range list.Files {
		children.Objects = append(children.Objects, convertFile(f))
	}

	span.SetAttributes(attribute.Int("children.count", len(children.Objects)))

	return children, nil
}

// GetObject fetches a single object's metadata.
func (c *Client) GetObject(ctx context.Context, objectID string) (*Object, error) {
	ctx, span := c.tracer.Start(ctx, "gdrive_get_object")
	defer span.End()

	span.SetAttributes(attribute.String("object.id", objectID))

	var file *drive.File
	err := c.executeWithRetry(ctx, func() error {
		var err error
		file, err = c.service.Files.Get(objectID).
			Fields(fileFields).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return convertFile(file), nil
}

// GetStartPageToken mints a fresh start-of-feed token for a drive. An empty
// driveID addresses the user's own drive.
func (c *Client) GetStartPageToken(ctx context.Context, driveID string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "gdrive_get_start_page_token")
	defer span.End()

	var token *drive.StartPageToken
	err := c.executeWithRetry(ctx, func() error {
		call := c.service.Changes.GetStartPageToken().
			SupportsAllDrives(true).
			Context(ctx)
		if driveID != "" {
			call = call.DriveId(driveID)
		}

		var err error
		token, err = call.Do()
		return err
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	return token.StartPageToken, nil
}

// ListChanges reads one page of the change feed starting at pageToken.
// Entries whose changeType is not "file" are dropped here; entries that are
// files but carry neither metadata nor a removal flag violate the feed
// contract and fail the page with ErrInvalidChange.
func (c *Client) ListChanges(ctx context.Context, driveID, pageToken string) (*ChangeList, error) {
	ctx, span := c.tracer.Start(ctx, "gdrive_list_changes")
	defer span.End()

	span.SetAttributes(attribute.String("drive.id", driveID))

	var list *drive.ChangeList
	err := c.executeWithRetry(ctx, func() error {
		call := c.service.Changes.List(pageToken).
			Fields(changeFields).
			PageSize(c.config.PageSize).
			IncludeRemoved(true).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if driveID != "" {
			call = call.DriveId(driveID)
		}

		var err error
		list, err = call.Do()
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	changes := &ChangeList{
		Changes:           make([]*Change, 0, len(list.Changes)),
		NextPageToken:     list.NextPageToken,
		NewStartPageToken: list.NewStartPageToken,
	}
	for _, ch := range list.Changes {
		if ch.ChangeType != "" && ch.ChangeType != "file" {
			continue
		}
		if ch.FileId == "" {
			span.RecordError(ErrInvalidChange)
			return nil, fmt.Errorf("%w: entry has no file id", ErrInvalidChange)
		}
		if !ch.Removed && ch.File == nil {
			span.RecordError(ErrInvalidChange)
			return nil, fmt.Errorf("%w: live entry %s has no file metadata", ErrInvalidChange, ch.FileId)
		}

		change := &Change{
			ObjectID: ch.FileId,
			Removed:  ch.Removed,
		}
		if ch.File != nil {
			change.Object = convertFile(ch.File)
		}
		changes.Changes = append(changes.Changes, change)
	}

	span.SetAttributes(
		attribute.Int("changes.count", len(changes.Changes)),
		attribute.Bool("feed.exhausted", list.NextPageToken == ""),
	)

	return changes, nil
}

// ListDrives lists the shared drives visible to the connector.
func (c *Client) ListDrives(ctx context.Context) ([]*DriveInfo, error) {
	ctx, span := c.tracer.Start(ctx, "gdrive_list_drives")
	defer span.End()

	var drives []*DriveInfo
	pageToken := ""

	for {
		var list *drive.DriveList
		err := c.executeWithRetry(ctx, func() error {
			call := c.service.Drives.List().
				Fields("nextPageToken, drives(id, name)").
				PageSize(100).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			var err error
			list, err = call.Do()
			return err
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		for _, d := range list.Drives {
			drives = append(drives, &DriveInfo{ID: d.Id, Name: d.Name})
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}

	span.SetAttributes(attribute.Int("drives.count", len(drives)))

	return drives, nil
}

// FetchContent retrieves an object's textual content. Google-native types are
// exported to their text representation; everything else is downloaded raw.
func (c *Client) FetchContent(ctx context.Context, obj *Object) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "gdrive_fetch_content")
	defer span.End()

	span.SetAttributes(
		attribute.String("object.id", obj.ID),
		attribute.String("object.mime_type", obj.MimeType),
	)

	var content []byte
	err := c.executeWithRetry(ctx, func() error {
		var body io.ReadCloser

		if exportMime, ok := ExportMimeTypes[obj.MimeType]; ok {
			resp, err := c.service.Files.Export(obj.ID, exportMime).Context(ctx).Download()
			if err != nil {
				return err
			}
			body = resp.Body
		} else {
			resp, err := c.service.Files.Get(obj.ID).SupportsAllDrives(true).Context(ctx).Download()
			if err != nil {
				return err
			}
			body = resp.Body
		}
		defer body.Close()

		var err error
		content, err = io.ReadAll(body)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("content.bytes", len(content)))

	return content, nil
}

// CreateChannel registers a push-notification channel on a drive's change
// feed, pointed at notifyURL. The channel id is minted locally so the
// notification endpoint can correlate deliveries before the provider call
// returns.
func (c *Client) CreateChannel(ctx context.Context, driveID, notifyURL string) (*Channel, error) {
	ctx, span := c.tracer.Start(ctx, "gdrive_create_channel")
	defer span.End()

	startToken, err := c.GetStartPageToken(ctx, driveID)
	if err != nil {
		return nil, err
	}

	request := &drive.Channel{
		Id:         uuid.New().String(),
		Type:       "web_hook",
		Address:    notifyURL,
		Expiration: time.Now().Add(c.config.ChannelTTL).UnixMilli(),
	}

	span.SetAttributes(
		attribute.String("drive.id", driveID),
		attribute.String("channel.id", request.Id),
	)

	var created *drive.Channel
	err = c.executeWithRetry(ctx, func() error {
		call := c.service.Changes.Watch(startToken, request).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if driveID != "" {
			call = call.DriveId(driveID)
		}

		var err error
		created, err = call.Do()
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &Channel{
		ID:         created.Id,
		ResourceID: created.ResourceId,
		Expiration: time.UnixMilli(created.Expiration),
	}, nil
}

// StopChannel retires a push-notification channel. A not-found response is
// treated as success: the channel is already gone.
func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	ctx, span := c.tracer.Start(ctx, "gdrive_stop_channel")
	defer span.End()

	span.SetAttributes(attribute.String("channel.id", channelID))

	err := c.executeWithRetry(ctx, func() error {
		return c.service.Channels.Stop(&drive.Channel{
			Id:         channelID,
			ResourceId: resourceID,
		}).Context(ctx).Do()
	})
	if err != nil && !IsNotFound(err) {
		span.RecordError(err)
		return err
	}

	return nil
}

// executeWithRetry runs operation under the rate limiter, retrying transient
// failures with exponential backoff. The returned error is classified.
func (c *Client) executeWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retryPolicy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryPolicy.InitialDelay
			if c.retryPolicy.ExponentialBackoff {
				delay = delay * time.Duration(1<<uint(attempt-1))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}

		err := classify(operation())
		if err == nil {
			return nil
		}

		lastErr = err
		if !IsTransient(err) {
			break
		}
	}

	return lastErr
}

func convertFile(f *drive.File) *Object {
	obj := &Object{
		ID:            f.Id,
		Name:          f.Name,
		MimeType:      f.MimeType,
		Trashed:       f.Trashed,
		Size:          f.Size,
		DriveID:       f.DriveId,
		InSharedDrive: f.DriveId != "",
		WebViewLink:   f.WebViewLink,
	}

	if len(f.Parents) > 0 {
		obj.ParentID = f.Parents[0]
	}
	if f.CreatedTime != "" {
		obj.CreatedTime, _ = time.Parse(time.RFC3339, f.CreatedTime)
	}
	if f.ModifiedTime != "" {
		obj.ModifiedTime, _ = time.Parse(time.RFC3339, f.ModifiedTime)
	}

	return obj
}
