// Package transport is the networking boundary of the sync core: it sends
// mutations to the backend, fetches entities and queries for the cache, and
// probes the backend for the network monitor.
//
// HTTP protocol:
//
//	POST /v1/mutations              send a mutation (Idempotency-Key, If-Match)
//	GET  /v1/entities/{type}/{id}   fetch one entity snapshot
//	GET  /v1/entities/{type}?q=...  run a query over an entity type
//	GET  /v1/health                 liveness probe
//
// A stale If-Match answers 409 with the current snapshot in the body. The
// client does not retry; the sync orchestrator owns the retry policy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// Sender sends one mutation and returns the backend's resulting snapshot.
// A revision mismatch returns a *ConflictError, carrying the current server
// snapshot when the backend sent one; any other failure is classified with
// Classify.
type Sender interface {
	Send(ctx context.Context, req Request) (*schema.EntitySnapshot, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, req Request) (*schema.EntitySnapshot, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, req Request) (*schema.EntitySnapshot, error) {
	return f(ctx, req)
}

// HTTPClient talks to the backend over HTTP.
type HTTPClient struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

// NewHTTPClient creates a client. token is called per request so a refreshed
// credential takes effect without rebuilding the client; nil sends no
// Authorization header.
func NewHTTPClient(baseURL string, token func() string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
	}
}

// StaticToken returns a token function for a fixed credential.
func StaticToken(token string) func() string {
	token = strings.TrimSpace(token)
	return func() string { return token }
}

// Send posts a mutation. The mutation ID goes out as the Idempotency-Key and
// the base revision as If-Match.
func (c *HTTPClient) Send(ctx context.Context, req Request) (*schema.EntitySnapshot, error) {
	headers := map[string]string{
		"Idempotency-Key": req.MutationID,
		"If-Match":        strconv.FormatInt(req.BaseRevision, 10),
	}
	var snap schema.EntitySnapshot
	if err := c.doJSON(ctx, http.MethodPost, "/v1/mutations", headers, req, &snap); err != nil {
		return nil, err
	}
	snap.Source = schema.SourceServerConfirmed
	return &snap, nil
}

// Get fetches the backend's current snapshot of one entity.
func (c *HTTPClient) Get(ctx context.Context, entityType, id string) (*schema.EntitySnapshot, error) {
	path := fmt.Sprintf("/v1/entities/%s/%s", url.PathEscape(entityType), url.PathEscape(id))
	var snap schema.EntitySnapshot
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &snap); err != nil {
		return nil, err
	}
	snap.Source = schema.SourceServerConfirmed
	return &snap, nil
}

// Query runs a query over an entity type.
func (c *HTTPClient) Query(ctx context.Context, entityType, query string) ([]*schema.EntitySnapshot, error) {
	q := url.Values{}
	q.Set("q", query)
	path := fmt.Sprintf("/v1/entities/%s?%s", url.PathEscape(entityType), q.Encode())
	var result QueryResult
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	for _, snap := range result.Items {
		snap.Source = schema.SourceServerConfirmed
	}
	return result.Items, nil
}

// Fetch reads the value behind a cache key: the entity snapshot for an id
// key, the result list for a query key.
func (c *HTTPClient) Fetch(ctx context.Context, key schema.CacheKey) (json.RawMessage, error) {
	if key.IsQuery() {
		items, err := c.Query(ctx, key.EntityType, key.Query)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*schema.EntitySnapshot{}
		}
		return json.Marshal(items)
	}
	snap, err := c.Get(ctx, key.EntityType, key.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// Probe measures one round trip to the health endpoint.
func (c *HTTPClient) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	var errBody ErrorBody
	_ = json.Unmarshal(payloadBytes, &errBody)

	kind := KindForStatus(resp.StatusCode)
	if kind == KindConflict {
		if errBody.Current == nil {
			return &ConflictError{}
		}
		errBody.Current.Source = schema.SourceServerConfirmed
		return &ConflictError{Server: errBody.Current}
	}

	message := errBody.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Code:       errBody.Code,
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// IsNotFound reports whether err means the backend has no such entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func correlationID() string {
	return "offsync_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
