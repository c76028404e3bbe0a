// Package kb is a client for the knowledge-base service.
//
// Search results are cached for a short time; every successful Learn or
// Supersede flushes the cache so a search never returns results from
// before a write this process made.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/logging"
)

// Search modes.
const (
	ModeKeyword  = "keyword"
	ModeSemantic = "semantic"
	ModeHybrid   = "hybrid"
)

// MaxLimit caps how many results one search may ask for.
const MaxLimit = 50

// Document is a knowledge-base entry.
type Document struct {
	ID      string   `json:"id,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Result is one search hit.
type Result struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Client talks to the knowledge-base HTTP API.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	cache   *ttlCache
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	http      *http.Client
	clock     clock.Clock
	log       *slog.Logger
	ttl       time.Duration
	cacheSize int
	rps       float64
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *clientOptions) { o.http = c } }

// WithClock sets the clock used for cache expiry.
func WithClock(c clock.Clock) Option { return func(o *clientOptions) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *clientOptions) { o.log = l } }

// WithCache sets the search cache lifetime and capacity. A zero ttl
// disables caching.
func WithCache(ttl time.Duration, size int) Option {
	return func(o *clientOptions) { o.ttl, o.cacheSize = ttl, size }
}

// WithRate limits outgoing requests per second. Zero means unlimited.
func WithRate(rps float64) Option { return func(o *clientOptions) { o.rps = rps } }

// New returns a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.ConfigError("kb.url must be an http(s) URL", err)
	}
	o := clientOptions{
		http:      &http.Client{Timeout: 30 * time.Second},
		clock:     clock.Real(),
		ttl:       time.Minute,
		cacheSize: 256,
	}
	for _, opt := range opts {
		opt(&o)
	}

	limit := rate.Inf
	burst := 1
	if o.rps > 0 {
		limit = rate.Limit(o.rps)
		burst = max(1, int(o.rps))
	}
	return &Client{
		base:    u,
		http:    o.http,
		limiter: rate.NewLimiter(limit, burst),
		cache:   newTTLCache(o.ttl, o.cacheSize, o.clock),
		log:     logging.Component(o.log, "kb"),
	}, nil
}

// Search queries the knowledge base.
func (c *Client) Search(ctx context.Context, query, mode string, limit int) ([]Result, error) {
	switch mode {
	case "":
		mode = ModeHybrid
	case ModeKeyword, ModeSemantic, ModeHybrid:
	default:
		return nil, errors.ValidationError("unknown search mode " + mode)
	}
	if limit <= 0 || limit > MaxLimit {
		return nil, errors.ValidationError(fmt.Sprintf("limit must be between 1 and %d", MaxLimit))
	}

	key := mode + "\x00" + strconv.Itoa(limit) + "\x00" + query
	if res, ok := c.cache.get(key); ok {
		return res, nil
	}

	var resp struct {
		Results []Result `json:"results"`
	}
	body := map[string]any{"query": query, "mode": mode, "limit": limit}
	if err := c.do(ctx, http.MethodPost, "/v1/search", body, &resp); err != nil {
		return nil, err
	}
	c.cache.put(key, resp.Results)
	return resp.Results, nil
}

// Learn stores a new document and returns its id.
func (c *Client) Learn(ctx context.Context, doc Document) (string, error) {
	if doc.Content == "" {
		return "", errors.ValidationError("document content is required")
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/documents", doc, &resp)
	if err != nil {
		return "", err
	}
	c.cache.flush()
	c.log.Debug("document learned", "id", resp.ID)
	return resp.ID, nil
}

// Supersede replaces document id with doc.
func (c *Client) Supersede(ctx context.Context, id string, doc Document) error {
	if id == "" {
		return errors.ValidationError("document id is required")
	}
	if err := c.do(ctx, http.MethodPut, "/v1/documents/"+url.PathEscape(id), doc, nil); err != nil {
		return err
	}
	c.cache.flush()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kb %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("kb %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kb %s %s: decode response: %w", method, path, err)
	}
	return nil
}
