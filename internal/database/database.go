// Package database persists preferences, recording history and shutdown
// events in SQLite.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// RecordingRecord is one recording session of any format.
type RecordingRecord struct {
	ID        string
	Format    string
	Path      string
	StartedAt time.Time
	StoppedAt *time.Time
}

// ShutdownRecord describes one process shutdown.
type ShutdownRecord struct {
	ID       int64
	Cause    string
	Thread   string
	Error    string
	ExitCode int
	At       time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the HTTP handlers read while the history writer commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			path TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS shutdown_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cause TEXT NOT NULL,
			thread TEXT,
			error TEXT,
			exit_code INTEGER NOT NULL,
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Debug().Str("component", "database").Msg("migrations completed")
	return nil
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := d.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to save config %s: %w", key, err)
	}
	return nil
}

// GetConfig returns the value for key, or "" when unset.
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// ListConfigs returns all configuration values
func (d *Database) ListConfigs() (map[string]string, error) {
	rows, err := d.db.Query("SELECT key, value FROM app_config")
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// DeleteConfig deletes a configuration value
func (d *Database) DeleteConfig(key string) error {
	if _, err := d.db.Exec("DELETE FROM app_config WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	return nil
}

// StartRecording inserts a recording row. Inserting an existing ID is a
// no-op.
func (d *Database) StartRecording(rec *RecordingRecord) error {
	query := `INSERT INTO recordings (id, format, path, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	if _, err := d.db.Exec(query, rec.ID, rec.Format, rec.Path, rec.StartedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	return nil
}

// StopRecording sets the stop time of an open recording.
func (d *Database) StopRecording(id string, at time.Time) error {
	_, err := d.db.Exec("UPDATE recordings SET stopped_at = ? WHERE id = ? AND stopped_at IS NULL", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	return nil
}

// ListRecordings returns recordings, newest first.
func (d *Database) ListRecordings(limit int) ([]*RecordingRecord, error) {
	query := `SELECT id, format, path, started_at, stopped_at FROM recordings ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var recordings []*RecordingRecord
	for rows.Next() {
		var rec RecordingRecord
		var stopped sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Format, &rec.Path, &rec.StartedAt, &stopped); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		if stopped.Valid {
			t := stopped.Time
			rec.StoppedAt = &t
		}
		recordings = append(recordings, &rec)
	}
	return recordings, rows.Err()
}

// CloseOpenRecordings marks every unfinished recording as stopped at at.
// It is run at startup to close rows left by a crash.
func (d *Database) CloseOpenRecordings(at time.Time) (int64, error) {
	result, err := d.db.Exec("UPDATE recordings SET stopped_at = ? WHERE stopped_at IS NULL", at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to close open recordings: %w", err)
	}
	return result.RowsAffected()
}

// SaveShutdown records why the process stopped.
func (d *Database) SaveShutdown(rec *ShutdownRecord) error {
	result, err := d.db.Exec(`INSERT INTO shutdown_events (cause, thread, error, exit_code, at) VALUES (?, ?, ?, ?, ?)`,
		rec.Cause, rec.Thread, rec.Error, rec.ExitCode, rec.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to save shutdown event: %w", err)
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// LastShutdown returns the most recent shutdown, or nil.
func (d *Database) LastShutdown() (*ShutdownRecord, error) {
	var rec ShutdownRecord
	var thread, errText sql.NullString
	err := d.db.QueryRow(`SELECT id, cause, thread, error, exit_code, at FROM shutdown_events ORDER BY id DESC LIMIT 1`).
		Scan(&rec.ID, &rec.Cause, &thread, &errText, &rec.ExitCode, &rec.At)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shutdown event: %w", err)
	}
	rec.Thread = thread.String
	rec.Error = errText.String
	return &rec, nil
}
