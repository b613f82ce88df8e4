package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/domain"
)

// Client stores event exports in an object-store bucket over HTTP. Objects
// are written with PUT to <bucket URL>/<export key> and read back with GET.
// It implements pipeline.ExportSink.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *slog.Logger
}

// ErrNotFound is returned by Fetch when the bucket holds no export for the event.
var ErrNotFound = errors.New("export not found")

// NewClient creates a bucket client. bucketURL may carry a query string, such
// as a pre-signed token, which is kept on every request.
func NewClient(bucketURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bucket url %q: scheme must be http or https", bucketURL)
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: u,
		logger:  logger,
	}, nil
}

// Export writes the payload under domain.ExportKey(eventID), replacing any
// earlier export of the event.
func (c *Client) Export(ctx context.Context, eventID string, payload domain.ExportPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize export %s: %w", eventID, err)
	}

	key := domain.ExportKey(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bucket error: put %s: status %d: %s", key, resp.StatusCode, body)
	}

	c.logger.Debug("export stored", "key", key, "bytes", len(data))
	return nil
}

// Fetch reads back the stored export for eventID.
func (c *Client) Fetch(ctx context.Context, eventID string) (domain.ExportPayload, error) {
	key := domain.ExportKey(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return domain.ExportPayload{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ExportPayload{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ExportPayload{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.ExportPayload{}, fmt.Errorf("bucket error: get %s: status %d: %s", key, resp.StatusCode, body)
	}

	var payload domain.ExportPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.ExportPayload{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return payload, nil
}

func (c *Client) objectURL(key string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + key
	u.RawPath = ""
	return u.String()
}
