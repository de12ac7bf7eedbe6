package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding captured activities.
type Store struct {
	db     *sql.DB
	cipher FieldCipher
}

// OpenDB opens a SQLite database at dsn with the pragmas every store in this
// module relies on: a single connection, a busy timeout and WAL journaling.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection avoids "database is locked" between the capture and
	// indexing loops; the busy timeout covers the remaining contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	return db, nil
}

// Open opens (or creates) the activity database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "localrecall.db")
	}

	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// SetFieldCipher enables at-rest encryption of window metadata for rows
// written from now on. Rows already encrypted require a cipher to be read.
func (s *Store) SetFieldCipher(c FieldCipher) {
	s.cipher = c
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}
		if err := s.applyMigration(version, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists > 0 {
		return nil
	}

	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	return tx.Commit()
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Activities ---

// AppendActivity inserts a new unprocessed activity. It returns ErrDuplicateKey
// when an activity with the same timestamp already exists.
func (s *Store) AppendActivity(ctx context.Context, a Activity) error {
	if a.Timestamp == "" {
		return errors.New("activity timestamp is required")
	}
	active, apps, encrypted, err := s.encodeWindows(a.ActiveWindow, a.UserApps)
	if err != nil {
		return err
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (timestamp, created_at, screenshot_ref, active_window, user_apps, metadata_encrypted, processed)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		a.Timestamp, createdAt.Format(time.RFC3339), a.ScreenshotRef, active, apps, encrypted,
	)
	if isConstraintError(err) {
		return fmt.Errorf("activity %s: %w", a.Timestamp, ErrDuplicateKey)
	}
	return err
}

// ListUnprocessed returns up to limit activities that have not been indexed
// yet, in key order. A limit <= 0 returns all of them. Rows that cannot be
// decoded are returned with Err set instead of failing the listing.
func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, created_at, screenshot_ref, active_window, user_apps, analysis, processed, metadata_encrypted
		FROM activities WHERE processed = 0 ORDER BY timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unprocessed activities: %w", err)
	}
	defer rows.Close()

	var results []Activity
	for rows.Next() {
		a, err := s.scanActivity(rows)
		if errors.Is(err, ErrUnreadable) {
			a.Err = err
		} else if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// GetActivity returns the activity stored under ts.
func (s *Store) GetActivity(ctx context.Context, ts string) (Activity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, created_at, screenshot_ref, active_window, user_apps, analysis, processed, metadata_encrypted
		FROM activities WHERE timestamp = ?`, ts)
	a, err := s.scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, ErrNotFound
	}
	if err != nil {
		return Activity{}, err
	}
	return a, nil
}

// CompleteActivity stores the analysis for ts and marks it processed in a
// single statement. Completing an already processed activity rewrites the
// analysis and leaves it processed.
func (s *Store) CompleteActivity(ctx context.Context, ts, analysis string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE activities SET analysis = ?, processed = 1 WHERE timestamp = ?`, analysis, ts)
	if err != nil {
		return fmt.Errorf("completing activity %s: %w", ts, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// CountActivities returns the total and processed activity counts.
func (s *Store) CountActivities(ctx context.Context) (total, processed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(processed), 0) FROM activities`,
	).Scan(&total, &processed)
	return total, processed, err
}

// LatestTimestamp returns the newest activity key, or ErrNotFound when the store is empty.
func (s *Store) LatestTimestamp(ctx context.Context) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM activities ORDER BY timestamp DESC LIMIT 1`).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return ts, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanActivity(row rowScanner) (Activity, error) {
	var a Activity
	var createdAt string
	var active, analysis sql.NullString
	var apps string
	var processed, encrypted int
	if err := row.Scan(&a.Timestamp, &createdAt, &a.ScreenshotRef, &active, &apps, &analysis, &processed, &encrypted); err != nil {
		return Activity{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return a, fmt.Errorf("parsing created_at for %s: %w: %w", a.Timestamp, ErrUnreadable, err)
	}
	a.CreatedAt = t
	a.Analysis = analysis.String
	a.Processed = processed == 1

	if a.ActiveWindow, a.UserApps, err = s.decodeWindows(active, apps, encrypted == 1); err != nil {
		return a, fmt.Errorf("decoding windows for %s: %w: %w", a.Timestamp, ErrUnreadable, err)
	}
	return a, nil
}

func (s *Store) encodeWindows(active *Window, apps []Window) (sql.NullString, string, int, error) {
	if apps == nil {
		apps = []Window{}
	}
	appsJSON, err := json.Marshal(apps)
	if err != nil {
		return sql.NullString{}, "", 0, fmt.Errorf("marshaling user apps: %w", err)
	}
	appsText := string(appsJSON)

	var activeText sql.NullString
	if active != nil {
		b, err := json.Marshal(active)
		if err != nil {
			return sql.NullString{}, "", 0, fmt.Errorf("marshaling active window: %w", err)
		}
		activeText = sql.NullString{String: string(b), Valid: true}
	}

	if s.cipher == nil {
		return activeText, appsText, 0, nil
	}
	if appsText, err = s.cipher.EncryptString(appsText); err != nil {
		return sql.NullString{}, "", 0, fmt.Errorf("encrypting user apps: %w", err)
	}
	if activeText.Valid {
		if activeText.String, err = s.cipher.EncryptString(activeText.String); err != nil {
			return sql.NullString{}, "", 0, fmt.Errorf("encrypting active window: %w", err)
		}
	}
	return activeText, appsText, 1, nil
}

func (s *Store) decodeWindows(active sql.NullString, apps string, encrypted bool) (*Window, []Window, error) {
	var err error
	if encrypted {
		if s.cipher == nil {
			return nil, nil, errors.New("metadata is encrypted but no cipher is configured")
		}
		if apps, err = s.cipher.DecryptString(apps); err != nil {
			return nil, nil, err
		}
		if active.Valid {
			if active.String, err = s.cipher.DecryptString(active.String); err != nil {
				return nil, nil, err
			}
		}
	}

	var userApps []Window
	if err := json.Unmarshal([]byte(apps), &userApps); err != nil {
		return nil, nil, fmt.Errorf("parsing user apps: %w", err)
	}
	if !active.Valid {
		return nil, userApps, nil
	}
	var w Window
	if err := json.Unmarshal([]byte(active.String), &w); err != nil {
		return nil, nil, fmt.Errorf("parsing active window: %w", err)
	}
	return &w, userApps, nil
}

func isConstraintError(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
