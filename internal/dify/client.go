// Package dify implements the ingestion sink against the Dify dataset API:
// multipart document upload, document removal, and a reachability check.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/corentel/difysync/internal/apperrors"
	"github.com/corentel/difysync/internal/engine"
)

const (
	httpTimeout = 2 * time.Minute

	// HTTP status codes.
	httpStatusBadRequest = 400 // First status code indicating an error
)

// uploadSettings is the "data" form field of create-by-file: how Dify should
// index the document.
type uploadSettings struct {
	IndexingTechnique string          `json:"indexing_technique"`
	ProcessRule       json.RawMessage `json:"process_rule"`
}

var defaultProcessRule = json.RawMessage(`{"mode":"automatic"}`)

// uploadResponse is the create-by-file response; the document ID is what
// removal needs later.
type uploadResponse struct {
	ID       string `json:"id"`
	Document struct {
		ID string `json:"id"`
	} `json:"document"`
}

// documentList is one page of the dataset's document listing.
type documentList struct {
	Total int `json:"total"`
}

// Client is a Dify dataset API client.
type Client struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	datasetID  string
	indexing   string
	logger     *slog.Logger
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

// WithIndexingTechnique overrides the indexing technique sent on upload.
func WithIndexingTechnique(technique string) ClientOption {
	return func(client *Client) {
		client.indexing = technique
	}
}

// NewClient creates a Dify client for one dataset.
func NewClient(apiURL, apiKey, datasetID string, opts ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: httpTimeout},
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiKey:     apiKey,
		datasetID:  datasetID,
		indexing:   "high_quality",
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Submit uploads one file as a dataset document and returns the document ID.
// Re-submitting a file of the same name replaces the document content, which
// is what makes the pipeline's at-least-once delivery safe.
func (c *Client) Submit(ctx context.Context, sub engine.Submission) (string, error) {
	settings, err := json.Marshal(uploadSettings{
		IndexingTechnique: c.indexing,
		ProcessRule:       defaultProcessRule,
	})
	if err != nil {
		return "", fmt.Errorf("marshal upload settings: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("data", string(settings)); err != nil {
		return "", fmt.Errorf("write data field: %w", err)
	}
	part, err := writer.CreateFormFile("file", path.Base(sub.Path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, sub.Body); err != nil {
		return "", fmt.Errorf("copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL := fmt.Sprintf("%s/datasets/%s/document/create-by-file", c.apiURL, url.PathEscape(c.datasetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.DebugContext(ctx, "uploading document",
		"path", sub.Path, "size", sub.SizeBytes, "mime_type", sub.MimeType)
	startTime := time.Now()

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var resp uploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	documentID := resp.Document.ID
	if documentID == "" {
		documentID = resp.ID
	}

	c.logger.DebugContext(ctx, "document uploaded",
		"path", sub.Path, "document_id", documentID, "duration", time.Since(startTime))
	return documentID, nil
}

// Remove deletes a document from the dataset. A missing document returns
// apperrors.ErrDocumentNotFound so callers can treat it as acknowledged.
func (c *Client) Remove(ctx context.Context, documentID string) error {
	reqURL := fmt.Sprintf("%s/datasets/%s/documents/%s",
		c.apiURL, url.PathEscape(c.datasetID), url.PathEscape(documentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.DebugContext(ctx, "deleting document", "document_id", documentID)

	if _, err := c.do(req); err != nil {
		var httpErr *apperrors.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("document %s: %w", documentID, apperrors.ErrDocumentNotFound)
		}
		return err
	}

	c.logger.DebugContext(ctx, "document deleted", "document_id", documentID)
	return nil
}

// Ping verifies the API key and dataset by listing a single document.
func (c *Client) Ping(ctx context.Context) (int, error) {
	reqURL := fmt.Sprintf("%s/datasets/%s/documents?limit=1", c.apiURL, url.PathEscape(c.datasetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	respBody, err := c.do(req)
	if err != nil {
		return 0, err
	}

	var list documentList
	if err := json.Unmarshal(respBody, &list); err != nil {
		return 0, fmt.Errorf("unmarshal response: %w", err)
	}
	return list.Total, nil
}

// do executes a request and returns the response body, mapping error status
// codes onto HTTPError for transient/permanent classification upstream.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil {
		c.logger.Warn("failed to close response body", "error", closeErr)
	}
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= httpStatusBadRequest {
		return nil, apperrors.NewHTTPError(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
