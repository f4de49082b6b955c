package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// State keeps run history in SQLite.
type State struct {
	db *sql.DB
}

var _ StateBackend = (*State)(nil)

// New opens (creating if needed) dataDir/harvest.db.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "harvest.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Providers finish concurrently; one connection serializes their writes.
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		count INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		failed_batches INTEGER NOT NULL DEFAULT 0,
		watermark TEXT,
		primary_count INTEGER NOT NULL DEFAULT 0,
		staging_count INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		config_hash TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_provider_started ON runs(provider, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) SaveRun(r Run) error {
	var completed sql.NullString
	if r.CompletedAt != nil {
		completed = sql.NullString{String: r.CompletedAt.UTC().Format(timeFormat), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, provider, mode, status, started_at, completed_at, count, failed,
			failed_batches, watermark, primary_count, staging_count, rejected, error, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			count = excluded.count,
			failed = excluded.failed,
			failed_batches = excluded.failed_batches,
			watermark = excluded.watermark,
			primary_count = excluded.primary_count,
			staging_count = excluded.staging_count,
			rejected = excluded.rejected,
			error = excluded.error
	`, r.ID, r.Provider, r.Mode, r.Status, r.StartedAt.UTC().Format(timeFormat), completed,
		r.Count, r.Failed, r.FailedBatches, r.Watermark, r.PrimaryCount, r.StagingCount,
		r.Rejected, r.Error, r.ConfigHash)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

const runColumns = `id, provider, mode, status, started_at, completed_at, count, failed,
	failed_batches, watermark, primary_count, staging_count, rejected, error, config_hash`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                          Run
		startedAt                  string
		completedAt                sql.NullString
		watermark, errMsg, cfgHash sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Provider, &r.Mode, &r.Status, &startedAt, &completedAt,
		&r.Count, &r.Failed, &r.FailedBatches, &watermark, &r.PrimaryCount, &r.StagingCount,
		&r.Rejected, &errMsg, &cfgHash); err != nil {
		return r, err
	}
	r.StartedAt, _ = time.Parse(timeFormat, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(timeFormat, completedAt.String)
		r.CompletedAt = &t
	}
	r.Watermark = watermark.String
	r.Error = errMsg.String
	r.ConfigHash = cfgHash.String
	return r, nil
}

func (s *State) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *State) GetRun(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *State) GetLastRun(provider string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs
		WHERE provider = ? ORDER BY started_at DESC LIMIT 1`, provider))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *State) GetAllRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return s.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
}

func (s *State) GetActiveRuns() ([]Run, error) {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at`, StatusRunning)
}

func (s *State) CleanupOldRuns(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeFormat)
	res, err := s.db.Exec(`DELETE FROM runs WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
