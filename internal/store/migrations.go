package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS series (
    site TEXT NOT NULL,
    variable TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (site, variable)
);

CREATE TABLE IF NOT EXISTS records (
    site TEXT NOT NULL,
    variable TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    observation REAL,
    climatology REAL,
    f1 REAL,
    f2 REAL,
    f3 REAL,
    f4 REAL,
    f5 REAL,
    f6 REAL,
    f7 REAL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (site, variable, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_records_time ON records(timestamp);
`,
	},
	{
		Version:     2,
		Description: "Add verification reports",
		SQL: `
CREATE TABLE IF NOT EXISTS verification_reports (
    id TEXT PRIMARY KEY,
    site TEXT NOT NULL,
    variable TEXT NOT NULL,
    event_offset REAL NOT NULL,
    total INTEGER NOT NULL,
    complete INTEGER NOT NULL,
    first_time INTEGER,
    last_time INTEGER,
    clim_rmse REAL,
    clim_mae REAL,
    missing_observation INTEGER NOT NULL DEFAULT 0,
    missing_climatology INTEGER NOT NULL DEFAULT 0,
    missing_forecasts TEXT,
    anomaly_n INTEGER NOT NULL DEFAULT 0,
    anomaly_mean REAL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS report_leads (
    report_id TEXT NOT NULL REFERENCES verification_reports(id) ON DELETE CASCADE,
    lead INTEGER NOT NULL,
    rmse REAL NOT NULL,
    mae REAL NOT NULL,
    rmse_skill REAL,
    mae_skill REAL,
    hit INTEGER NOT NULL,
    false_alarm INTEGER NOT NULL,
    miss INTEGER NOT NULL,
    correct_negative INTEGER NOT NULL,
    intercept REAL,
    slope REAL,
    PRIMARY KEY (report_id, lead)
);

CREATE INDEX IF NOT EXISTS idx_reports_series ON verification_reports(site, variable, created_at);
`,
	},
	{
		Version:     3,
		Description: "Add fit diagnostics to report leads",
		SQL: `
ALTER TABLE report_leads ADD COLUMN raw_mean_error REAL;
ALTER TABLE report_leads ADD COLUMN raw_mse REAL;
ALTER TABLE report_leads ADD COLUMN fit_mean_error REAL;
ALTER TABLE report_leads ADD COLUMN fit_mse REAL;
`,
	},
	{
		Version:     4,
		Description: "Add ingest and analysis run tracking",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    site TEXT NOT NULL,
    variable TEXT NOT NULL,
    records_received INTEGER,
    records_stored INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS analysis_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    triggered_by TEXT NOT NULL,
    series_count INTEGER,
    reports_saved INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_analysis_runs_started ON analysis_runs(started_at);
`,
	},
	{
		Version:     5,
		Description: "Add raw_payloads table for ingested record batches",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER REFERENCES ingest_runs(id),
    received_at DATETIME NOT NULL,
    site TEXT NOT NULL,
    variable TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_received ON raw_payloads(received_at);
`,
	},
	{
		Version:     6,
		Description: "Track series revisions so stored reports can be checked for staleness",
		SQL: `
ALTER TABLE series ADD COLUMN revision INTEGER NOT NULL DEFAULT 0;
ALTER TABLE verification_reports ADD COLUMN series_revision INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations,
// each in its own transaction.
func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	log.Printf("store: applying migration %d (%s)", m.Version, m.Description)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("execute migration %d: %w", m.Version, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
