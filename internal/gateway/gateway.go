// Package gateway asks the upstream REST API where to connect and how fast.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gojson "github.com/goccy/go-json"

	"github.com/vovakirdan/shardproxy/internal/scheduler"
)

// cacheTTL is how long a lookup result is reused.
const cacheTTL = time.Hour

var ErrUnauthorized = errors.New("gateway lookup rejected the token")

// SessionStartLimit is the identify budget reported by the lookup.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// Info is the lookup response.
type Info struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Limits converts the session start limit into scheduler limits.
func (i Info) Limits() scheduler.Limits {
	l := i.SessionStartLimit
	return scheduler.Limits{
		MaxConcurrency: max(l.MaxConcurrency, 1),
		Window:         scheduler.DefaultWindow,
		Total:          l.Total,
		Remaining:      l.Remaining,
		ResetAfter:     time.Duration(l.ResetAfter) * time.Millisecond,
	}
}

// Client performs and memoises the lookup.
type Client struct {
	base  string
	token string
	http  *http.Client
	clock clock.Clock

	mu      sync.Mutex
	cached  *Info
	fetched time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces the clock used for memoisation.
func WithClock(cl clock.Clock) Option {
	return func(c *Client) { c.clock = cl }
}

// NewClient creates a lookup client for apiBase, e.g. https://discord.com/api/v10.
func NewClient(apiBase, token string, opts ...Option) *Client {
	c := &Client{
		base:  strings.TrimRight(apiBase, "/"),
		token: strings.TrimPrefix(token, "Bot "),
		http:  &http.Client{Timeout: 10 * time.Second},
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the gateway info, reusing a result younger than an hour.
func (c *Client) Lookup(ctx context.Context) (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.clock.Since(c.fetched) < cacheTTL {
		return *c.cached, nil
	}

	info, err := c.fetch(ctx)
	if err != nil {
		return Info{}, err
	}
	c.cached = &info
	c.fetched = c.clock.Now()
	return info, nil
}

func (c *Client) fetch(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/gateway/bot", nil)
	if err != nil {
		return Info{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", "shardproxy (https://github.com/vovakirdan/shardproxy, 1.0)")

	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("gateway lookup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Info{}, fmt.Errorf("read gateway response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Info{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return Info{}, fmt.Errorf("gateway lookup: unexpected status %d: %s", resp.StatusCode, body)
	}

	var info Info
	if err := gojson.Unmarshal(body, &info); err != nil {
		return Info{}, fmt.Errorf("decode gateway response: %w", err)
	}
	if info.URL == "" || info.Shards < 1 {
		return Info{}, fmt.Errorf("gateway lookup: incomplete response: %s", body)
	}
	return info, nil
}
