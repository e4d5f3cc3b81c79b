package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Client pushes document content to the downstream search/retrieval service
// and removes it again. The service itself is a black box; the sync engines
// only guarantee these calls stay consistent with mirror-store state.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
	tracer     trace.Tracer
}

// Config holds configuration for the indexing service client
type Config struct {
	BaseURL   string        `yaml:"base_url" env:"INDEX_BASE_URL"`
	APIKey    string        `yaml:"api_key" env:"INDEX_API_KEY"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	UserAgent string        `yaml:"user_agent,omitempty"`
}

// DefaultConfig returns default index client configuration. BaseURL must
// still be supplied by the deployment.
func DefaultConfig() *Config {
	return &Config{
		Timeout:   30 * time.Second,
		Retries:   3,
		UserAgent: "dust-connectors/1.0",
	}
}

// UpsertRequest is the payload for document creation/update
type UpsertRequest struct {
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewClient creates a new indexing service client
func NewClient(config *Config) (*Client, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Client{
		config:  config,
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		tracer: otel.Tracer("index-client"),
	}, nil
}

func validateConfig(config *Config) error {
	if config.BaseURL == "" {
		return fmt.Errorf("index client: base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 3
	}
	if config.UserAgent == "" {
		config.UserAgent = "dust-connectors/1.0"
	}
	return nil
}

// UpsertDocument creates or replaces a document in the index. Upserts are
// idempotent: repeating the call with identical data is a no-op downstream.
func (c *Client) UpsertDocument(ctx context.Context, documentID string, content []byte, metadata map[string]string) error {
	ctx, span := c.tracer.Start(ctx, "index_upsert_document")
	defer span.End()

	span.SetAttributes(
		attribute.String("document.id", documentID),
		attribute.Int("content.bytes", len(content)),
	)

	body, err := json.Marshal(&UpsertRequest{
		DocumentID: documentID,
		Content:    string(content),
		Metadata:   metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to encode upsert request: %w", err)
	}

	endpoint := c.baseURL + "/documents/" + url.PathEscape(documentID)
	if err := c.doWithRetry(ctx, http.MethodPost, endpoint, body); err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

// DeleteDocument removes a document from the index. Deleting a document that
// does not exist succeeds.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	ctx, span := c.tracer.Start(ctx, "index_delete_document")
	defer span.End()

	span.SetAttributes(attribute.String("document.id", documentID))

	endpoint := c.baseURL + "/documents/" + url.PathEscape(documentID)
	if err := c.doWithRetry(ctx, http.MethodDelete, endpoint, nil); err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, body []byte) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.config.UserAgent)
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
			// Already absent downstream.
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("index service returned %d for %s %s", resp.StatusCode, method, endpoint)
			continue
		default:
			return fmt.Errorf("index service returned %d for %s %s", resp.StatusCode, method, endpoint)
		}
	}

	return lastErr
}
