package feed

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
)

const defaultMaxBodyBytes = 64 << 20

var (
	// ErrTransport marks a feed that could not be retrieved: unreachable host,
	// invalid endpoint or a non-2xx response.
	ErrTransport = errors.New("feed transport failure")
	// ErrMalformed marks a feed document that was retrieved but not decodable.
	ErrMalformed = errors.New("malformed feed document")
)

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feed API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrTransport
}

type Client struct {
	httpClient   *http.Client
	userAgent    string
	maxBodyBytes int64
}

func NewClient(httpClient *http.Client, userAgent string, maxBodyBytes int64) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Client{
		httpClient:   httpClient,
		userAgent:    strings.TrimSpace(userAgent),
		maxBodyBytes: maxBodyBytes,
	}
}

// FetchFeed retrieves every entry currently visible at endpoint, in the order
// the publisher serves them (newest sequence first). The upstream caps the
// document at its most recent entries and offers no pagination.
func (c *Client) FetchFeed(ctx context.Context, endpoint string) ([]Entry, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid endpoint %q", ErrTransport, endpoint)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrMalformed, c.maxBodyBytes)
	}
	return DecodeFeed(body)
}

// DecodeFeed parses a feed document. An empty document or JSON null is an
// empty feed.
func DecodeFeed(body []byte) ([]Entry, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return entries, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
