package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database that holds scheduled triggers.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "triggers.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
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

// --- Triggers ---

const triggerColumns = `id, agent_name, payload, start_time, next_trigger, recurrence_rule, timezone, status, last_error, created_at, updated_at`

// InsertTrigger stores t and returns its new id. CreatedAt and UpdatedAt
// default to the current time when zero.
func (s *Store) InsertTrigger(t Trigger) (int64, error) {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	status := t.Status
	if status == "" {
		status = StatusActive
	}
	res, err := s.db.Exec(`
		INSERT INTO triggers (agent_name, payload, start_time, next_trigger, recurrence_rule, timezone, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AgentName, t.Payload, nullTime(t.StartTime), nullTime(t.NextTrigger), nullString(t.RecurrenceRule),
		nullString(t.Timezone), status, nullString(t.LastError), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting trigger: %w", err)
	}
	return res.LastInsertId()
}

// GetTrigger returns the trigger with id owned by agentName.
func (s *Store) GetTrigger(id int64, agentName string) (Trigger, error) {
	row := s.db.QueryRow(`SELECT `+triggerColumns+` FROM triggers WHERE id = ? AND agent_name = ?`, id, agentName)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trigger{}, ErrNotFound
	}
	return t, err
}

// UpdateTrigger applies patch to the trigger with id owned by agentName and
// bumps updated_at. An empty patch is a no-op.
func (s *Store) UpdateTrigger(id int64, agentName string, patch *TriggerPatch) error {
	if patch.Empty() {
		return nil
	}
	assignments := make([]string, 0, len(patch.cols)+1)
	args := make([]any, 0, len(patch.vals)+3)
	for i, col := range patch.cols {
		assignments = append(assignments, col+" = ?")
		args = append(args, patch.vals[i])
	}
	assignments = append(assignments, "updated_at = ?")
	args = append(args, FormatTime(s.now()), id, agentName)

	res, err := s.db.Exec(`UPDATE triggers SET `+strings.Join(assignments, ", ")+` WHERE id = ? AND agent_name = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating trigger %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTriggers returns the triggers of agentName, or of every agent when
// agentName is empty, soonest first with unscheduled ones last.
func (s *Store) ListTriggers(agentName string) ([]Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	var args []any
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY next_trigger IS NULL, next_trigger, id`
	return s.queryTriggers(query, args...)
}

// DueTriggers returns active triggers whose next_trigger is at or before
// the cutoff, ordered by next_trigger then id.
func (s *Store) DueTriggers(before time.Time, agentName string) ([]Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers
		WHERE status = 'active' AND next_trigger IS NOT NULL AND next_trigger <= ?`
	args := []any{FormatTime(before)}
	if agentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY next_trigger, id`
	return s.queryTriggers(query, args...)
}

// ClearTriggers deletes every trigger.
func (s *Store) ClearTriggers() error {
	_, err := s.db.Exec(`DELETE FROM triggers`)
	return err
}

func (s *Store) queryTriggers(query string, args ...any) ([]Trigger, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (Trigger, error) {
	var t Trigger
	var startTime, nextTrigger, rule, tz, lastError sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.AgentName, &t.Payload, &startTime, &nextTrigger, &rule, &tz,
		&t.Status, &lastError, &createdAt, &updatedAt); err != nil {
		return Trigger{}, err
	}
	t.RecurrenceRule = rule.String
	t.Timezone = tz.String
	t.LastError = lastError.String

	var err error
	if t.StartTime, err = parseNullTime(startTime); err != nil {
		return Trigger{}, fmt.Errorf("parsing start_time for trigger %d: %w", t.ID, err)
	}
	if t.NextTrigger, err = parseNullTime(nextTrigger); err != nil {
		return Trigger{}, fmt.Errorf("parsing next_trigger for trigger %d: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(TimeLayout, createdAt); err != nil {
		return Trigger{}, fmt.Errorf("parsing created_at for trigger %d: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(TimeLayout, updatedAt); err != nil {
		return Trigger{}, fmt.Errorf("parsing updated_at for trigger %d: %w", t.ID, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(TimeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
