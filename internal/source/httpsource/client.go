// Package httpsource pages a provider's JSON REST API. Field locations and
// cursor query parameters come from configuration, so one implementation
// serves providers that differ only in naming.
package httpsource

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

	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/logging"
	"github.com/johndauphine/obs-harvest/internal/source"
	"github.com/johndauphine/obs-harvest/internal/store"
	"golang.org/x/time/rate"
)

func init() {
	source.Register("http", func(p config.ProviderConfig) (source.Client, error) {
		return New(p.Name, p.Source, nil)
	})
}

const userAgent = "obs-harvest/1.0"

// maxRetryAfter caps how long a Retry-After header can stall a fetch.
const maxRetryAfter = 60 * time.Second

// Client is a rate-limited, retrying pager over one endpoint.
type Client struct {
	provider   string
	cfg        config.SourceConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a client. transport may be nil.
func New(provider string, cfg config.SourceConfig, transport http.RoundTripper) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", provider)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider %s: invalid base_url: %w", provider, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 1
	}
	if cfg.ResultsField == "" {
		cfg.ResultsField = "results"
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "id"
	}
	return &Client{
		provider:   provider,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}, nil
}

// Describe reports the endpoint and paging dimension.
func (c *Client) Describe(ctx context.Context) (source.Metadata, error) {
	cursor := "token"
	switch {
	case c.cfg.SinceIDParam != "":
		cursor = "id"
	case c.cfg.SinceParam != "":
		cursor = "updated"
	}
	return source.Metadata{
		Provider: c.provider,
		Kind:     "http",
		Endpoint: c.endpoint(),
		Cursor:   cursor,
	}, nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) cursored() bool {
	return c.cfg.SinceIDParam != "" || c.cfg.SinceParam != ""
}

func (c *Client) endpoint() string {
	if c.cfg.Path == "" {
		return c.cfg.BaseURL
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(c.cfg.Path, "/")
}

func (c *Client) query(cursor source.Cursor, pageSize int) url.Values {
	q := url.Values{}
	for k, v := range c.cfg.Params {
		q.Set(k, v)
	}
	if c.cfg.PageSizeParam != "" && pageSize > 0 {
		q.Set(c.cfg.PageSizeParam, strconv.Itoa(pageSize))
	}
	// A page token already encodes the original query.
	if cursor.Token != "" && c.cfg.PageTokenParam != "" {
		q.Set(c.cfg.PageTokenParam, cursor.Token)
		return q
	}
	if c.cfg.SinceIDParam != "" && cursor.AfterID > 0 {
		q.Set(c.cfg.SinceIDParam, strconv.FormatInt(cursor.AfterID, 10))
	}
	if c.cfg.SinceParam != "" && !cursor.Since.IsZero() {
		q.Set(c.cfg.SinceParam, cursor.Since.UTC().Format(time.RFC3339Nano))
	}
	return q
}

// FetchPage requests one page. Throttling that survives the retry budget is
// returned wrapped in source.ErrThrottled.
func (c *Client) FetchPage(ctx context.Context, cursor source.Cursor, pageSize int) (source.Page, error) {
	body, err := c.get(ctx, c.query(cursor, pageSize))
	if err != nil {
		return source.Page{}, err
	}
	page, err := c.parse(body)
	if err != nil {
		return source.Page{}, fmt.Errorf("provider %s: %w", c.provider, err)
	}
	// Without a token or a since param the next request would repeat this one.
	if c.cfg.NextField == "" {
		page.HasMore = c.cursored() && pageSize > 0 && len(page.Records) >= pageSize
	}
	return page, nil
}

type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func (e *statusError) throttled() bool {
	switch e.code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.throttled()
	}
	// Transport errors (resets, timeouts) are worth another attempt.
	return !errors.Is(err, context.Canceled)
}

func (c *Client) get(ctx context.Context, q url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		body, err := c.doOnce(ctx, q)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryable(err) || attempt == c.cfg.MaxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		var se *statusError
		if errors.As(err, &se) && se.retryAfter > backoff {
			backoff = se.retryAfter
		}
		logging.ForProvider(c.provider).Debug("fetch attempt %d failed (%v), retrying in %s", attempt+1, err, backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	var se *statusError
	if errors.As(lastErr, &se) && se.throttled() {
		return nil, source.Throttled(fmt.Errorf("provider %s: %w", c.provider, lastErr))
	}
	return nil, fmt.Errorf("provider %s: %w", c.provider, lastErr)
}

func (c *Client) doOnce(ctx context.Context, q url.Values) ([]byte, error) {
	u := c.endpoint()
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		se := &statusError{code: resp.StatusCode, body: snippet}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
			if se.retryAfter > maxRetryAfter {
				se.retryAfter = maxRetryAfter
			}
		}
		return nil, se
	}
	return body, nil
}

func (c *Client) parse(body []byte) (source.Page, error) {
	var page source.Page

	items, err := rawArray(body, c.cfg.ResultsField)
	if err != nil {
		return page, err
	}
	if c.cfg.NextField != "" {
		next, err := rawScalar(body, c.cfg.NextField)
		if err != nil {
			return page, err
		}
		page.Next = next
		page.HasMore = next != ""
	}

	page.Records = make([]store.Record, 0, len(items))
	for i, raw := range items {
		rec, err := c.toRecord(raw)
		if err != nil {
			return page, fmt.Errorf("result %d: %w", i, err)
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (c *Client) toRecord(raw json.RawMessage) (store.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return store.Record{}, fmt.Errorf("decoding record: %w", err)
	}

	rec := store.Record{Payload: raw}

	key, ok := lookup(fields, c.cfg.KeyField)
	if !ok || key == nil {
		return rec, fmt.Errorf("missing key field %q", c.cfg.KeyField)
	}
	rec.Key = fmt.Sprint(key)

	if c.cfg.IDField != "" {
		if v, ok := lookup(fields, c.cfg.IDField); ok && v != nil {
			n, ok := v.(json.Number)
			if !ok {
				return rec, fmt.Errorf("id field %q is not a number", c.cfg.IDField)
			}
			id, err := n.Int64()
			if err != nil {
				return rec, fmt.Errorf("id field %q: %w", c.cfg.IDField, err)
			}
			rec.ID = id
		}
	}

	if c.cfg.UpdatedField != "" {
		if v, ok := lookup(fields, c.cfg.UpdatedField); ok && v != nil {
			s, ok := v.(string)
			if !ok {
				return rec, fmt.Errorf("updated field %q is not a string", c.cfg.UpdatedField)
			}
			t, err := parseTime(s)
			if err != nil {
				return rec, fmt.Errorf("updated field %q: %w", c.cfg.UpdatedField, err)
			}
			rec.UpdatedAt = t
		}
	}
	return rec, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// lookup walks a dotted path through nested objects.
func lookup(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// descend returns the raw JSON at a dotted path without re-encoding it.
func descend(body []byte, path string) (json.RawMessage, error) {
	cur := json.RawMessage(body)
	if path == "" || path == "." {
		return cur, nil
	}
	for _, part := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, fmt.Errorf("response is not an object at %q: %w", part, err)
		}
		next, ok := obj[part]
		if !ok {
			return nil, nil
		}
		cur = next
	}
	return cur, nil
}

func rawArray(body []byte, path string) ([]json.RawMessage, error) {
	raw, err := descend(body, path)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("response has no %q field", path)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("field %q is not an array: %w", path, err)
	}
	return items, nil
}

func rawScalar(body []byte, path string) (string, error) {
	raw, err := descend(body, path)
	if err != nil || raw == nil || string(raw) == "null" {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("field %q is not a string or number", path)
	}
	return n.String(), nil
}
