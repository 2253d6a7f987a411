// Package drive implements the remote tree provider against the Google
// Drive v3 REST API: recursive folder listing and file content download.
// Responses are normalized into engine.SnapshotEntry at this boundary.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/corentel/difysync/internal/apperrors"
	"github.com/corentel/difysync/internal/engine"
)

const (
	// BaseURL is the Drive API base URL.
	BaseURL = "https://www.googleapis.com/drive/v3"

	// HTTP client configuration. The timeout caps a whole request including
	// the body read, so it has to accommodate file downloads.
	httpTimeout = 2 * time.Minute

	// Rate limiting configuration (~10 requests/second).
	rateLimitInterval = 100 * time.Millisecond

	// listPageSize is the files.list page size.
	listPageSize = 1000

	// listFields selects the file attributes needed for change detection.
	listFields = "nextPageToken, files(id, name, mimeType, modifiedTime, size, md5Checksum, parents)"

	// HTTP status codes.
	httpStatusBadRequest = 400 // First status code indicating an error
)

// Client is a Drive API client with rate limiting, scoped to one folder tree.
type Client struct {
	httpClient  *http.Client
	token       string
	folderID    string
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = l
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(url string) ClientOption {
	return func(client *Client) {
		client.baseURL = url
	}
}

// NewClient creates a Drive client watching the given folder.
func NewClient(token, folderID string, opts ...ClientOption) *Client {
	client := &Client{
		httpClient:  &http.Client{Timeout: httpTimeout},
		token:       token,
		folderID:    folderID,
		rateLimiter: rate.NewLimiter(rate.Every(rateLimitInterval), 1),
		baseURL:     BaseURL,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ListRecursive walks the watched folder tree breadth-first and returns a
// normalized snapshot entry for every regular file. Folders are recursed;
// Google-native documents are skipped since they carry no downloadable bytes.
func (c *Client) ListRecursive(ctx context.Context) ([]engine.SnapshotEntry, error) {
	type folder struct {
		id     string
		prefix string
	}

	var entries []engine.SnapshotEntry
	queue := []folder{{id: c.folderID}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		files, err := c.listFolder(ctx, current.id)
		if err != nil {
			return nil, fmt.Errorf("list folder %s: %w", current.id, err)
		}

		for _, f := range files {
			filePath := f.Name
			if current.prefix != "" {
				filePath = path.Join(current.prefix, f.Name)
			}

			switch {
			case f.MimeType == mimeFolder:
				queue = append(queue, folder{id: f.ID, prefix: filePath})
			case strings.HasPrefix(f.MimeType, mimeGoogleAppsPrefix):
				c.logger.DebugContext(ctx, "skipping google-native document",
					"id", f.ID, "path", filePath, "mime_type", f.MimeType)
			default:
				size, _ := strconv.ParseInt(f.Size, 10, 64)
				entries = append(entries, engine.SnapshotEntry{
					RemoteID:    f.ID,
					Path:        filePath,
					Fingerprint: f.fingerprint(),
					SizeBytes:   size,
					MimeType:    f.MimeType,
				})
			}
		}
	}

	c.logger.DebugContext(ctx, "tree listed", "root", c.folderID, "files", len(entries))
	return entries, nil
}

// listFolder returns the direct children of one folder, following pagination.
func (c *Client) listFolder(ctx context.Context, folderID string) ([]file, error) {
	var files []file
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
		params.Set("pageSize", strconv.Itoa(listPageSize))
		params.Set("fields", listFields)
		params.Set("supportsAllDrives", "true")
		params.Set("includeItemsFromAllDrives", "true")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page fileList
		if err := c.get(ctx, "/files", params, &page); err != nil {
			return nil, err
		}

		files = append(files, page.Files...)
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

// FetchContent streams the bytes of one file. The caller owns the returned
// reader and must close it.
func (c *Client) FetchContent(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := fmt.Sprintf("%s/files/%s?alt=media&supportsAllDrives=true", c.baseURL, url.PathEscape(remoteID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.DebugContext(ctx, "downloading file", "id", remoteID)
	startTime := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode >= httpStatusBadRequest {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
		if readErr != nil {
			body = nil
		}
		return nil, apperrors.NewHTTPError(resp.StatusCode, string(body))
	}

	c.logger.DebugContext(ctx, "download started", "id", remoteID, "duration", time.Since(startTime))
	return resp.Body, nil
}

// Ping verifies the token and folder are usable by fetching the folder's
// own metadata.
func (c *Client) Ping(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("fields", "id, name")
	params.Set("supportsAllDrives", "true")

	var folder file
	if err := c.get(ctx, "/files/"+url.PathEscape(c.folderID), params, &folder); err != nil {
		return "", fmt.Errorf("get folder %s: %w", c.folderID, err)
	}
	return folder.Name, nil
}

// get performs a rate-limited GET with retries on rate-limit responses.
func (c *Client) get(ctx context.Context, apiPath string, params url.Values, result any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := c.baseURL + apiPath
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.DebugContext(ctx, "API request", "path", apiPath)
	startTime := time.Now()

	// Retry with exponential backoff on rate limit
	maxRetries := 5
	backoff := time.Second

	for attempt := range maxRetries {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.logger.WarnContext(ctx, "rate limited, backing off", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				continue
			}
		}

		if resp.StatusCode >= httpStatusBadRequest {
			return apperrors.NewHTTPError(resp.StatusCode, string(respBody))
		}

		if result != nil {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}

		c.logger.DebugContext(ctx, "API response",
			"path", apiPath, "status", resp.StatusCode, "duration", time.Since(startTime))
		return nil
	}

	return fmt.Errorf("%w: rate limited", apperrors.ErrMaxAttemptsExceeded)
}
