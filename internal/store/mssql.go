package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/stats"
	mssql "github.com/microsoft/go-mssqldb"
)

func init() {
	Register("mssql", func(ctx context.Context, cfg *config.Config) (Store, error) {
		return NewMSSQL(ctx, cfg.StoreDSN(), cfg.Store.Schema, cfg.Store.MaxConnections)
	})
}

// mssqlOverloadNumbers are SQL Server error numbers for throttling,
// resource exhaustion and deadlock victims.
var mssqlOverloadNumbers = map[int32]bool{
	701:   true, // insufficient system memory
	1205:  true, // deadlock victim
	8645:  true, // timeout waiting for memory resources
	10928: true, // resource limit reached (Azure SQL)
	10929: true, // resource governor minimum not met (Azure SQL)
	40501: true, // service busy
	40613: true, // database unavailable
	49918: true, // not enough resources to process request
	49919: true, // too many create/update operations
	49920: true, // too many operations in progress
}

// MSSQL keeps collections as tables in one SQL Server schema.
type MSSQL struct {
	db     *sql.DB
	schema string
}

// NewMSSQL opens a go-mssqldb pool and verifies it with a ping.
func NewMSSQL(ctx context.Context, dsn, schema string, maxConns int) (*MSSQL, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &MSSQL{db: db, schema: schema}, nil
}

func (m *MSSQL) Kind() string { return "mssql" }

func (m *MSSQL) Close() error { return m.db.Close() }

func (m *MSSQL) PoolStats() stats.PoolStats { return stats.FromDB("mssql", m.db.Stats()) }

func classifyMSSQL(err error) error {
	var mErr mssql.Error
	if errors.As(err, &mErr) && mssqlOverloadNumbers[mErr.Number] {
		return Overloaded(err)
	}
	var pErr *mssql.Error
	if errors.As(err, &pErr) && mssqlOverloadNumbers[pErr.Number] {
		return Overloaded(err)
	}
	return err
}

func (m *MSSQL) table(name string) string {
	return qualifyMSSQL(m.schema, name)
}

// objectName is the unquoted two-part name OBJECT_ID and sp_rename expect.
func (m *MSSQL) objectName(name string) string {
	return m.schema + "." + name
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *MSSQL) exists(ctx context.Context, q queryRower, name string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT CASE WHEN OBJECT_ID(@name, 'U') IS NULL THEN 0 ELSE 1 END`,
		sql.Named("name", m.objectName(name))).Scan(&exists)
	if err != nil {
		return false, classifyMSSQL(err)
	}
	return exists == 1, nil
}

func (m *MSSQL) CreateCollection(ctx context.Context, name string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyMSSQL(err)
	}
	defer tx.Rollback()

	exists, err := m.exists(ctx, tx, name)
	if err != nil || exists {
		return err
	}
	if err := m.createTable(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// createTable creates name and its key index inside tx.
func (m *MSSQL) createTable(ctx context.Context, tx *sql.Tx, name string) error {
	// record_key is capped at 450 characters to stay within the 900 byte index key limit.
	ddl := fmt.Sprintf(`CREATE TABLE %s (
		id         BIGINT        NOT NULL,
		record_key NVARCHAR(450) NOT NULL,
		updated_at DATETIME2     NULL,
		payload    NVARCHAR(MAX) NOT NULL
	)`, m.table(name))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating %s: %w", name, classifyMSSQL(err))
	}
	idx := fmt.Sprintf(`CREATE INDEX %s ON %s (record_key)`, quoteMSSQLIdent(uniqueName("ix_")), m.table(name))
	if _, err := tx.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("indexing %s: %w", name, classifyMSSQL(err))
	}
	return nil
}

func (m *MSSQL) DropCollection(ctx context.Context, name string) error {
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", m.table(name))); err != nil {
		return fmt.Errorf("dropping %s: %w", name, classifyMSSQL(err))
	}
	return nil
}

func (m *MSSQL) Exists(ctx context.Context, name string) (bool, error) {
	return m.exists(ctx, m.db, name)
}

func (m *MSSQL) Count(ctx context.Context, name string) (int64, error) {
	exists, err := m.Exists(ctx, name)
	if err != nil || !exists {
		return 0, err
	}
	var n int64
	if err := m.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", m.table(name))).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, classifyMSSQL(err))
	}
	return n, nil
}

// bulkCopy streams records into table within tx using the TDS bulk load path.
func bulkCopy(ctx context.Context, tx *sql.Tx, table string, records []Record) error {
	opts := mssql.BulkOptions{RowsPerBatch: len(records)}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, opts, recordColumns...))
	if err != nil {
		return fmt.Errorf("preparing bulk copy: %w", err)
	}
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Key, nullableTime(r.UpdatedAt), string(payloadBytes(r))); err != nil {
			stmt.Close()
			return fmt.Errorf("bulk copy row: %w", err)
		}
	}
	// Final exec with no args flushes the buffered rows.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flushing bulk copy: %w", err)
	}
	return stmt.Close()
}

func (m *MSSQL) InsertMany(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyMSSQL(err)
	}
	defer tx.Rollback()

	if err := bulkCopy(ctx, tx, m.table(name), records); err != nil {
		return fmt.Errorf("inserting into %s: %w", name, classifyMSSQL(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert into %s: %w", name, classifyMSSQL(err))
	}
	return nil
}

// UpsertMany bulk loads into a session temp table, then updates matched
// keys and inserts the rest, all in one transaction.
func (m *MSSQL) UpsertMany(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	records = dedupeByKey(records)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyMSSQL(err)
	}
	defer tx.Rollback()

	tmp := "#" + uniqueName("stg_")
	create := fmt.Sprintf("SELECT TOP 0 id, record_key, updated_at, payload INTO %s FROM %s", tmp, m.table(name))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("creating upsert staging for %s: %w", name, classifyMSSQL(err))
	}
	if err := bulkCopy(ctx, tx, tmp, records); err != nil {
		return fmt.Errorf("loading upsert staging for %s: %w", name, classifyMSSQL(err))
	}

	update := fmt.Sprintf(`UPDATE t SET t.payload = s.payload, t.updated_at = s.updated_at
		FROM %s AS t JOIN %s AS s ON t.record_key = s.record_key`, m.table(name), tmp)
	if _, err := tx.ExecContext(ctx, update); err != nil {
		return fmt.Errorf("updating %s: %w", name, classifyMSSQL(err))
	}
	insert := fmt.Sprintf(`INSERT INTO %[1]s (id, record_key, updated_at, payload)
		SELECT s.id, s.record_key, s.updated_at, s.payload FROM %[2]s AS s
		WHERE NOT EXISTS (SELECT 1 FROM %[1]s AS t WHERE t.record_key = s.record_key)`, m.table(name), tmp)
	if _, err := tx.ExecContext(ctx, insert); err != nil {
		return fmt.Errorf("inserting into %s: %w", name, classifyMSSQL(err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", tmp)); err != nil {
		return fmt.Errorf("dropping upsert staging for %s: %w", name, classifyMSSQL(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert into %s: %w", name, classifyMSSQL(err))
	}
	return nil
}

// RenameCollection drops to and runs sp_rename in one transaction. The schema
// modification locks keep readers of to waiting until commit.
func (m *MSSQL) RenameCollection(ctx context.Context, from, to string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyMSSQL(err)
	}
	defer tx.Rollback()

	exists, err := m.exists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("renaming %s: %w", from, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", m.table(to))); err != nil {
		return fmt.Errorf("dropping %s: %w", to, classifyMSSQL(err))
	}
	if _, err := tx.ExecContext(ctx, "EXEC sp_rename @objname, @newname",
		sql.Named("objname", m.objectName(from)), sql.Named("newname", to)); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from, to, classifyMSSQL(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rename of %s: %w", from, classifyMSSQL(err))
	}
	return nil
}

// CopyCollection creates and fills to in one transaction.
func (m *MSSQL) CopyCollection(ctx context.Context, from, to string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyMSSQL(err)
	}
	defer tx.Rollback()

	exists, err := m.exists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("copying %s: %w", from, ErrNotFound)
	}
	if exists, err = m.exists(ctx, tx, to); err != nil {
		return err
	}
	if !exists {
		if err := m.createTable(ctx, tx, to); err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s WITH (TABLOCK) (id, record_key, updated_at, payload)
		SELECT id, record_key, updated_at, payload FROM %s`, m.table(to), m.table(from))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("copying %s to %s: %w", from, to, classifyMSSQL(err))
	}
	return classifyMSSQL(tx.Commit())
}

func (m *MSSQL) Bounds(ctx context.Context, name string) (Bounds, error) {
	var b Bounds
	exists, err := m.Exists(ctx, name)
	if err != nil || !exists {
		return b, err
	}
	var maxUpdated sql.NullTime
	q := fmt.Sprintf("SELECT COALESCE(MAX(id), 0), MAX(updated_at) FROM %s", m.table(name))
	if err := m.db.QueryRowContext(ctx, q).Scan(&b.MaxID, &maxUpdated); err != nil {
		return b, fmt.Errorf("reading bounds of %s: %w", name, classifyMSSQL(err))
	}
	if maxUpdated.Valid {
		b.MaxUpdatedAt = maxUpdated.Time.UTC()
	}
	return b, nil
}
