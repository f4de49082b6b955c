package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/stats"
)

func init() {
	Register("postgres", func(ctx context.Context, cfg *config.Config) (Store, error) {
		return NewPostgres(ctx, cfg.StoreDSN(), cfg.Store.Schema, cfg.Store.MaxConnections)
	})
}

var recordColumns = []string{"id", "record_key", "updated_at", "payload"}

// pgOverloadCodes are SQLSTATEs that mean "try again with less".
var pgOverloadCodes = map[string]bool{
	"53000": true, // insufficient_resources
	"53200": true, // out_of_memory
	"53300": true, // too_many_connections
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

// Postgres keeps collections as tables in one schema.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgres creates a pgx pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn, schema string, maxConns int) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(maxConns / 4)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{pool: pool, schema: schema}
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema %s: %w", schema, err)
	}
	return p, nil
}

func (p *Postgres) Kind() string { return "postgres" }

// PoolStats reports the pgx pool.
func (p *Postgres) PoolStats() stats.PoolStats {
	s := p.pool.Stat()
	return stats.PoolStats{
		Store:       "postgres",
		MaxConns:    int(s.MaxConns()),
		ActiveConns: int(s.AcquiredConns()),
		IdleConns:   int(s.IdleConns()),
		WaitCount:   s.EmptyAcquireCount(),
		WaitTime:    s.AcquireDuration(),
	}
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func classifyPG(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgOverloadCodes[pgErr.Code] {
		return Overloaded(err)
	}
	return err
}

func (p *Postgres) table(name string) string {
	return qualifyPG(p.schema, name)
}

func (p *Postgres) exists(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, name string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2
	)`, p.schema, name).Scan(&exists)
	if err != nil {
		return false, classifyPG(err)
	}
	return exists, nil
}

func (p *Postgres) CreateCollection(ctx context.Context, name string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPG(err)
	}
	defer tx.Rollback(ctx)

	exists, err := p.exists(ctx, tx, name)
	if err != nil || exists {
		return err
	}
	if err := p.createTable(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// createTable creates name and its key index inside tx.
func (p *Postgres) createTable(ctx context.Context, tx pgx.Tx, name string) error {
	ddl := fmt.Sprintf(`CREATE TABLE %s (
		id         BIGINT      NOT NULL,
		record_key TEXT        NOT NULL,
		updated_at TIMESTAMPTZ,
		payload    JSONB       NOT NULL
	)`, p.table(name))
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating %s: %w", name, classifyPG(err))
	}
	idx := fmt.Sprintf(`CREATE INDEX %s ON %s (record_key)`, quoteIdent(uniqueName("ix_")), p.table(name))
	if _, err := tx.Exec(ctx, idx); err != nil {
		return fmt.Errorf("indexing %s: %w", name, classifyPG(err))
	}
	return nil
}

func (p *Postgres) DropCollection(ctx context.Context, name string) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.table(name))); err != nil {
		return fmt.Errorf("dropping %s: %w", name, classifyPG(err))
	}
	return nil
}

func (p *Postgres) Exists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, p.pool, name)
}

func (p *Postgres) Count(ctx context.Context, name string) (int64, error) {
	exists, err := p.Exists(ctx, name)
	if err != nil || !exists {
		return 0, err
	}
	var n int64
	if err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.table(name))).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, classifyPG(err))
	}
	return n, nil
}

func copyRows(records []Record) [][]any {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.ID, r.Key, nullableTime(r.UpdatedAt), payloadBytes(r)}
	}
	return rows
}

// InsertMany streams records with the binary COPY protocol.
func (p *Postgres) InsertMany(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{p.schema, name},
		recordColumns,
		pgx.CopyFromRows(copyRows(records)),
	)
	if err != nil {
		return fmt.Errorf("copying into %s: %w", name, classifyPG(err))
	}
	return nil
}

// UpsertMany copies records into a transaction-scoped temp table, then
// updates matched keys and inserts the rest. IS DISTINCT FROM skips rows
// whose content is unchanged so re-harvests do not bloat the table.
func (p *Postgres) UpsertMany(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	records = dedupeByKey(records)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPG(err)
	}
	defer tx.Rollback(ctx)

	tmp := uniqueName("_stg_")
	create := fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`,
		quoteIdent(tmp), p.table(name))
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("creating upsert staging for %s: %w", name, classifyPG(err))
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, recordColumns, pgx.CopyFromRows(copyRows(records))); err != nil {
		return fmt.Errorf("copying upsert staging for %s: %w", name, classifyPG(err))
	}

	update := fmt.Sprintf(`UPDATE %[1]s AS t
		SET payload = s.payload, updated_at = s.updated_at
		FROM %[2]s AS s
		WHERE t.record_key = s.record_key
		  AND (t.payload, t.updated_at) IS DISTINCT FROM (s.payload, s.updated_at)`,
		p.table(name), quoteIdent(tmp))
	if _, err := tx.Exec(ctx, update); err != nil {
		return fmt.Errorf("updating %s: %w", name, classifyPG(err))
	}

	insert := fmt.Sprintf(`INSERT INTO %[1]s (id, record_key, updated_at, payload)
		SELECT s.id, s.record_key, s.updated_at, s.payload FROM %[2]s AS s
		WHERE NOT EXISTS (SELECT 1 FROM %[1]s AS t WHERE t.record_key = s.record_key)`,
		p.table(name), quoteIdent(tmp))
	if _, err := tx.Exec(ctx, insert); err != nil {
		return fmt.Errorf("inserting into %s: %w", name, classifyPG(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert into %s: %w", name, classifyPG(err))
	}
	return nil
}

// RenameCollection drops to and renames from inside one transaction. The
// ACCESS EXCLUSIVE locks taken by DROP and ALTER make concurrent readers
// wait for the commit, after which they see the new table.
func (p *Postgres) RenameCollection(ctx context.Context, from, to string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPG(err)
	}
	defer tx.Rollback(ctx)

	exists, err := p.exists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("renaming %s: %w", from, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.table(to))); err != nil {
		return fmt.Errorf("dropping %s: %w", to, classifyPG(err))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", p.table(from), quoteIdent(to))); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from, to, classifyPG(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rename of %s: %w", from, classifyPG(err))
	}
	return nil
}

// CopyCollection creates and fills to in one transaction, so a failed copy
// never leaves an empty or partial collection behind.
func (p *Postgres) CopyCollection(ctx context.Context, from, to string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPG(err)
	}
	defer tx.Rollback(ctx)

	exists, err := p.exists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("copying %s: %w", from, ErrNotFound)
	}
	if exists, err = p.exists(ctx, tx, to); err != nil {
		return err
	}
	if !exists {
		if err := p.createTable(ctx, tx, to); err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, record_key, updated_at, payload)
		SELECT id, record_key, updated_at, payload FROM %s`, p.table(to), p.table(from))
	if _, err := tx.Exec(ctx, q); err != nil {
		return fmt.Errorf("copying %s to %s: %w", from, to, classifyPG(err))
	}
	return classifyPG(tx.Commit(ctx))
}

func (p *Postgres) Bounds(ctx context.Context, name string) (Bounds, error) {
	var b Bounds
	exists, err := p.Exists(ctx, name)
	if err != nil || !exists {
		return b, err
	}
	var maxUpdated *time.Time
	q := fmt.Sprintf("SELECT COALESCE(MAX(id), 0), MAX(updated_at) FROM %s", p.table(name))
	if err := p.pool.QueryRow(ctx, q).Scan(&b.MaxID, &maxUpdated); err != nil {
		return b, fmt.Errorf("reading bounds of %s: %w", name, classifyPG(err))
	}
	if maxUpdated != nil {
		b.MaxUpdatedAt = maxUpdated.UTC()
	}
	return b, nil
}
