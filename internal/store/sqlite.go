package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/stats"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	Register("sqlite", func(ctx context.Context, cfg *config.Config) (Store, error) {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		return NewSQLite(ctx, cfg.StoreDSN())
	})
}

// SQLite stores each collection as a table in one database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens dsn with the modernc driver. Writes are funneled through a
// single connection; concurrent split halves queue instead of failing busy.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// OpenSQLiteFile opens (creating if needed) a store at path.
func OpenSQLiteFile(ctx context.Context, path string) (*SQLite, error) {
	return NewSQLite(ctx, "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
}

func (s *SQLite) Kind() string { return "sqlite" }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) PoolStats() stats.PoolStats { return stats.FromDB("sqlite", s.db.Stats()) }

func classifySQLite(err error) error {
	var sErr *sqlite.Error
	if errors.As(err, &sErr) {
		switch sErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return Overloaded(err)
		}
	}
	return err
}

func (s *SQLite) CreateCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer tx.Rollback()

	exists, err := tableExists(ctx, tx, name)
	if err != nil || exists {
		return err
	}
	if err := createTable(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// createTable creates name and its key index inside tx.
func createTable(ctx context.Context, tx *sql.Tx, name string) error {
	ddl := fmt.Sprintf(`CREATE TABLE %s (
		id         INTEGER NOT NULL,
		record_key TEXT    NOT NULL,
		updated_at INTEGER,
		payload    TEXT    NOT NULL
	)`, quoteIdent(name))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating %s: %w", name, classifySQLite(err))
	}
	idx := fmt.Sprintf(`CREATE INDEX %s ON %s (record_key)`, quoteIdent(uniqueName("ix_")), quoteIdent(name))
	if _, err := tx.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("indexing %s: %w", name, classifySQLite(err))
	}
	return nil
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("checking %s: %w", name, classifySQLite(err))
	}
	return n > 0, nil
}

func (s *SQLite) DropCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(name))); err != nil {
		return fmt.Errorf("dropping %s: %w", name, classifySQLite(err))
	}
	return nil
}

func (s *SQLite) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, classifySQLite(err)
	}
	return n > 0, nil
}

func (s *SQLite) Count(ctx context.Context, name string) (int64, error) {
	exists, err := s.Exists(ctx, name)
	if err != nil || !exists {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(name))).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, classifySQLite(err))
	}
	return n, nil
}

func (s *SQLite) InsertMany(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, record_key, updated_at, payload) VALUES (?, ?, ?, ?)`, quoteIdent(name)))
	if err != nil {
		return fmt.Errorf("preparing insert into %s: %w", name, classifySQLite(err))
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Key, unixMicros(r.UpdatedAt), string(payloadBytes(r))); err != nil {
			return fmt.Errorf("inserting into %s: %w", name, classifySQLite(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert into %s: %w", name, classifySQLite(err))
	}
	return nil
}

func (s *SQLite) UpsertMany(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer tx.Rollback()

	update, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`UPDATE %s SET updated_at = ?, payload = ? WHERE record_key = ?`, quoteIdent(name)))
	if err != nil {
		return fmt.Errorf("preparing upsert into %s: %w", name, classifySQLite(err))
	}
	defer update.Close()
	insert, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, record_key, updated_at, payload) VALUES (?, ?, ?, ?)`, quoteIdent(name)))
	if err != nil {
		return fmt.Errorf("preparing upsert into %s: %w", name, classifySQLite(err))
	}
	defer insert.Close()

	for _, r := range dedupeByKey(records) {
		res, err := update.ExecContext(ctx, unixMicros(r.UpdatedAt), string(payloadBytes(r)), r.Key)
		if err != nil {
			return fmt.Errorf("updating %s: %w", name, classifySQLite(err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}
		if _, err := insert.ExecContext(ctx, r.ID, r.Key, unixMicros(r.UpdatedAt), string(payloadBytes(r))); err != nil {
			return fmt.Errorf("inserting into %s: %w", name, classifySQLite(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert into %s: %w", name, classifySQLite(err))
	}
	return nil
}

func (s *SQLite) RenameCollection(ctx context.Context, from, to string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, from).Scan(&n); err != nil {
		return classifySQLite(err)
	}
	if n == 0 {
		return fmt.Errorf("renaming %s: %w", from, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(to))); err != nil {
		return fmt.Errorf("dropping %s: %w", to, classifySQLite(err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, quoteIdent(from), quoteIdent(to))); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from, to, classifySQLite(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rename of %s: %w", from, classifySQLite(err))
	}
	return nil
}

// CopyCollection creates and fills to in one transaction.
func (s *SQLite) CopyCollection(ctx context.Context, from, to string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer tx.Rollback()

	exists, err := tableExists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("copying %s: %w", from, ErrNotFound)
	}
	if exists, err = tableExists(ctx, tx, to); err != nil {
		return err
	}
	if !exists {
		if err := createTable(ctx, tx, to); err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, record_key, updated_at, payload)
		SELECT id, record_key, updated_at, payload FROM %s`, quoteIdent(to), quoteIdent(from))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("copying %s to %s: %w", from, to, classifySQLite(err))
	}
	return classifySQLite(tx.Commit())
}

func (s *SQLite) Bounds(ctx context.Context, name string) (Bounds, error) {
	var b Bounds
	exists, err := s.Exists(ctx, name)
	if err != nil || !exists {
		return b, err
	}
	var maxUpdated sql.NullInt64
	q := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0), MAX(updated_at) FROM %s`, quoteIdent(name))
	if err := s.db.QueryRowContext(ctx, q).Scan(&b.MaxID, &maxUpdated); err != nil {
		return b, fmt.Errorf("reading bounds of %s: %w", name, classifySQLite(err))
	}
	if maxUpdated.Valid {
		b.MaxUpdatedAt = time.UnixMicro(maxUpdated.Int64).UTC()
	}
	return b, nil
}

// unixMicros stores timestamps as integers so MAX compares them numerically.
func unixMicros(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMicro()
}
