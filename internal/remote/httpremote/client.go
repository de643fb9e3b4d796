package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/remote"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 20 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport (for tests).
	HTTPClient *http.Client
}

// Client implements remote.Store and remote.Pinger over HTTP.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient validates cfg and returns a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{base: u, token: cfg.Token, http: hc}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// do executes a request and maps transport failures and error statuses to
// the remote sentinels. The caller closes the returned body on success.
func (c *Client) do(ctx context.Context, method, target string, body []byte, contentType string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %v: %w", method, target, err, remote.ErrUnavailable)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var er errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
	return nil, fmt.Errorf("%s %s: %d %s: %w", method, target, resp.StatusCode, er.Message, sentinelFor(resp.StatusCode))
}

func sentinelFor(status int) error {
	switch {
	case status == http.StatusNotFound:
		return remote.ErrNotFound
	case status == http.StatusConflict:
		return remote.ErrConflict
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return remote.ErrUnauthorized
	case status == http.StatusUnprocessableEntity:
		return remote.ErrCorrupt
	default:
		return remote.ErrUnavailable
	}
}

// Ping implements remote.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("healthz"), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Put implements remote.BlobStore.
func (c *Client) Put(ctx context.Context, path string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, c.endpoint("v1", "blobs", path), data, "application/octet-stream")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Get implements remote.BlobStore. Every call fetches fresh bytes; no access
// URL or response is reused across calls.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("v1", "blobs", path), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobBytes+1))
	if err != nil {
		return nil, fmt.Errorf("get %s: read body: %v: %w", path, err, remote.ErrUnavailable)
	}
	return data, nil
}

// Delete implements remote.BlobStore.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint("v1", "blobs", path), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetMetadata implements remote.MetadataStore. The response is validated at
// this boundary; malformed records surface as remote.ErrCorrupt.
func (c *Client) GetMetadata(ctx context.Context, key string) (doc.Document, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("v1", "meta", key), nil, "")
	if err != nil {
		return doc.Document{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return doc.Document{}, fmt.Errorf("metadata %s: read body: %v: %w", key, err, remote.ErrUnavailable)
	}
	d, err := doc.ParseDocument(body)
	if err != nil {
		return doc.Document{}, fmt.Errorf("metadata %s: %v: %w", key, err, remote.ErrCorrupt)
	}
	if d.Key != key {
		return doc.Document{}, fmt.Errorf("metadata %s: response for key %q: %w", key, d.Key, remote.ErrCorrupt)
	}
	return d, nil
}

// CompareAndSet implements remote.MetadataStore.
func (c *Client) CompareAndSet(ctx context.Context, expected uint64, next doc.Document) error {
	docJSON, err := next.Marshal()
	if err != nil {
		return fmt.Errorf("cas %s: encode: %w", next.Key, err)
	}
	body, err := json.Marshal(casRequest{ExpectedRevision: expected, Document: docJSON})
	if err != nil {
		return fmt.Errorf("cas %s: encode: %w", next.Key, err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint("v1", "meta", next.Key, "cas"), body, "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
