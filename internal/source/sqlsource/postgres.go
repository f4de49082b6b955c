// Package sqlsource pages observations straight out of a provider's
// PostgreSQL table, for partners that expose a read replica instead of an API.
package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/source"
	"github.com/johndauphine/obs-harvest/internal/store"
	"github.com/lib/pq"
)

func init() {
	source.Register("postgres", func(p config.ProviderConfig) (source.Client, error) {
		return Open(p.Name, p.Source)
	})
}

// Dimension is the column a client pages on.
type Dimension string

const (
	ByID      Dimension = "id"
	ByUpdated Dimension = "updated"
	ByKey     Dimension = "token"
)

// Client reads one table with keyset pagination.
type Client struct {
	provider string
	db       *sql.DB
	table    string
	key      string
	id       string
	updated  string
	dim      Dimension
}

// Open connects with lib/pq. The connection is verified lazily on first use.
func Open(provider string, cfg config.SourceConfig) (*Client, error) {
	if cfg.DSN == "" || cfg.Table == "" {
		return nil, fmt.Errorf("provider %s: dsn and table are required", provider)
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(provider, db, cfg), nil
}

// New wraps an existing handle.
func New(provider string, db *sql.DB, cfg config.SourceConfig) *Client {
	c := &Client{
		provider: provider,
		db:       db,
		table:    quoteTable(cfg.Table),
		key:      pq.QuoteIdentifier(orDefault(cfg.KeyColumn, "id")),
	}
	switch {
	case cfg.IDColumn != "":
		c.id = pq.QuoteIdentifier(cfg.IDColumn)
		c.dim = ByID
	case cfg.UpdatedColumn != "":
		c.dim = ByUpdated
	default:
		c.dim = ByKey
	}
	if cfg.UpdatedColumn != "" {
		c.updated = pq.QuoteIdentifier(cfg.UpdatedColumn)
	}
	return c
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// Dimension reports which column the client pages on.
func (c *Client) Dimension() Dimension { return c.dim }

func (c *Client) Describe(ctx context.Context) (source.Metadata, error) {
	if err := c.db.PingContext(ctx); err != nil {
		return source.Metadata{}, fmt.Errorf("provider %s: pinging source: %w", c.provider, err)
	}
	return source.Metadata{
		Provider: c.provider,
		Kind:     "postgres",
		Endpoint: c.table,
		Cursor:   string(c.dim),
	}, nil
}

func (c *Client) Close() error { return c.db.Close() }

func (c *Client) selectList() string {
	id := "0::bigint"
	if c.id != "" {
		id = "t." + c.id + "::bigint"
	}
	updated := "NULL::timestamptz"
	if c.updated != "" {
		updated = "t." + c.updated
	}
	return fmt.Sprintf("SELECT t.%s::text, %s, %s, row_to_json(t)::text FROM %s AS t", c.key, id, updated, c.table)
}

func (c *Client) pageQuery(cursor source.Cursor, pageSize int) (string, []any) {
	sel := c.selectList()
	switch c.dim {
	case ByID:
		return fmt.Sprintf("%s WHERE t.%s > $1 ORDER BY t.%s LIMIT $2", sel, c.id, c.id),
			[]any{cursor.AfterID, pageSize}
	case ByUpdated:
		if cursor.Since.IsZero() {
			return fmt.Sprintf("%s WHERE t.%s IS NOT NULL ORDER BY t.%s, t.%s::text LIMIT $1", sel, c.updated, c.updated, c.key),
				[]any{pageSize}
		}
		return fmt.Sprintf("%s WHERE t.%s > $1 ORDER BY t.%s, t.%s::text LIMIT $2", sel, c.updated, c.updated, c.key),
			[]any{cursor.Since, pageSize}
	default:
		return fmt.Sprintf("%s WHERE t.%s::text > $1 ORDER BY t.%s::text LIMIT $2", sel, c.key, c.key),
			[]any{cursor.Token, pageSize}
	}
}

// tieQuery returns the rows sharing the last timestamp of a full page, so a
// strict "updated >" cursor never skips them.
func (c *Client) tieQuery(ts time.Time, afterKey string) (string, []any) {
	return fmt.Sprintf("%s WHERE t.%s = $1 AND t.%s::text > $2 ORDER BY t.%s::text", c.selectList(), c.updated, c.key, c.key),
		[]any{ts, afterKey}
}

func (c *Client) FetchPage(ctx context.Context, cursor source.Cursor, pageSize int) (source.Page, error) {
	var page source.Page
	q, args := c.pageQuery(cursor, pageSize)
	records, err := c.query(ctx, q, args...)
	if err != nil {
		return page, err
	}
	page.Records = records
	page.HasMore = len(records) >= pageSize

	if page.HasMore {
		last := records[len(records)-1]
		switch c.dim {
		case ByUpdated:
			q, args := c.tieQuery(last.UpdatedAt, last.Key)
			ties, err := c.query(ctx, q, args...)
			if err != nil {
				return page, err
			}
			page.Records = append(page.Records, ties...)
		case ByKey:
			page.Next = last.Key
		}
	}
	return page, nil
}

func (c *Client) query(ctx context.Context, q string, args ...any) ([]store.Record, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("provider %s: querying source: %w", c.provider, err))
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			r       store.Record
			updated sql.NullTime
			payload string
		)
		if err := rows.Scan(&r.Key, &r.ID, &updated, &payload); err != nil {
			return nil, fmt.Errorf("provider %s: scanning row: %w", c.provider, err)
		}
		if updated.Valid {
			r.UpdatedAt = updated.Time.UTC()
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("provider %s: reading rows: %w", c.provider, err))
	}
	return out, nil
}

// classify marks replica-side resource pressure as throttling.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "53": // insufficient resources
			return source.Throttled(err)
		}
		switch pqErr.Code {
		case "57014", "40001": // statement timeout, recovery conflict on a replica
			return source.Throttled(err)
		}
	}
	return err
}
