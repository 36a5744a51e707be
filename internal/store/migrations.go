package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string

	// SkipIfColumn names a table and column. When that column already
	// exists the Up statement is skipped but the version is still recorded.
	// Databases written by early builds added columns ad hoc.
	SkipIfColumn [2]string
}

// migrations contains all database migrations in order. Steps are additive
// and each is applied exactly once.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with sessions, recordings and comments",
		Up:          migrationV1Up,
	},
	{
		Version:      2,
		Description:  "Add file_path to recordings for file-based screenshots",
		Up:           migrationV2Up,
		SkipIfColumn: [2]string{"recordings", "file_path"},
	},
	{
		Version:     3,
		Description: "Add remote_id to sessions for submitted sessions",
		Up:          migrationV3Up,
	},
	{
		Version:     4,
		Description: "Add submitted_at to sessions",
		Up:          migrationV4Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS sessions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at      TEXT NOT NULL,
    duration        INTEGER NOT NULL DEFAULT 0 CHECK (duration >= 0),
    approval_state  TEXT NOT NULL DEFAULT 'draft'
                    CHECK (approval_state IN ('draft', 'submitted', 'approved', 'rejected')),
    session_status  TEXT NOT NULL DEFAULT 'passive'
                    CHECK (session_status IN ('passive', 'tasked')),
    task_id         TEXT,
    reward_id       TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

CREATE TABLE IF NOT EXISTS recordings (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    timestamp       TEXT NOT NULL,
    window_name     TEXT,
    window_id       TEXT,
    image_data      TEXT,
    thumbnail_data  TEXT,
    type            TEXT NOT NULL DEFAULT 'passive'
                    CHECK (type IN ('passive', 'tasked')),
    label           TEXT
);

CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id, timestamp);

CREATE TABLE IF NOT EXISTS comments (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    start_time      REAL NOT NULL CHECK (start_time >= 0),
    end_time        REAL NOT NULL CHECK (end_time >= start_time),
    comment         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_session ON comments(session_id, start_time);
`

const migrationV2Up = `
ALTER TABLE recordings ADD COLUMN file_path TEXT;
`

const migrationV3Up = `
ALTER TABLE sessions ADD COLUMN remote_id INTEGER;
CREATE INDEX IF NOT EXISTS idx_sessions_remote ON sessions(remote_id);
`

const migrationV4Up = `
ALTER TABLE sessions ADD COLUMN submitted_at TEXT;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	currentVersion, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		skip := false
		if m.SkipIfColumn[0] != "" {
			skip, err = hasColumn(tx, m.SkipIfColumn[0], m.SkipIfColumn[1])
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("probe migration %d: %w", m.Version, err)
			}
		}

		if !skip {
			if _, err := tx.Exec(m.Up); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

func hasColumn(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// LatestVersion is the schema version produced by MigrateDB.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// MigrationStatus describes applied and pending schema migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: LatestVersion(),
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"sessions",
		"recordings",
		"comments",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
