package store

import (
	"database/sql"
	"fmt"

	"github.com/lox/wandiskill/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) UpsertSeries(site, variable, description string) error {
	_, err := s.db.Exec(`
		INSERT INTO series (site, variable, description)
		VALUES (?, ?, ?)
		ON CONFLICT(site, variable) DO UPDATE SET
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE series.description END
	`, site, variable, description)
	return err
}

// ListSeries returns every known series with record counts.
func (s *Store) ListSeries() ([]models.SeriesInfo, error) {
	rows, err := s.db.Query(`
		SELECT s.site, s.variable, s.description,
		       COUNT(r.timestamp), MIN(r.timestamp), MAX(r.timestamp)
		FROM series s
		LEFT JOIN records r ON r.site = s.site AND r.variable = s.variable
		GROUP BY s.site, s.variable, s.description
		ORDER BY s.site, s.variable
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.SeriesInfo
	for rows.Next() {
		var info models.SeriesInfo
		if err := rows.Scan(&info.Site, &info.Variable, &info.Description,
			&info.RecordCount, &info.FirstTime, &info.LastTime); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// UpsertRecords writes records for a series in one transaction, creating the
// series if needed. A record at an existing timestamp replaces the old one;
// within a batch the last record for a timestamp wins. It returns the number
// of distinct timestamps written.
func (s *Store) UpsertRecords(site, variable string, records []models.Record) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO series (site, variable) VALUES (?, ?)
		ON CONFLICT(site, variable) DO NOTHING
	`, site, variable); err != nil {
		return 0, fmt.Errorf("ensure series: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO records (site, variable, timestamp, observation, climatology, f1, f2, f3, f4, f5, f6, f7, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(site, variable, timestamp) DO UPDATE SET
			observation = excluded.observation,
			climatology = excluded.climatology,
			f1 = excluded.f1,
			f2 = excluded.f2,
			f3 = excluded.f3,
			f4 = excluded.f4,
			f5 = excluded.f5,
			f6 = excluded.f6,
			f7 = excluded.f7,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	stored := 0
	for _, r := range dedupeRecords(records) {
		f := r.Forecasts
		if _, err := stmt.Exec(site, variable, r.Timestamp, r.Observation, r.Climatology,
			f[0], f[1], f[2], f[3], f[4], f[5], f[6]); err != nil {
			return 0, fmt.Errorf("upsert record %d: %w", r.Timestamp, err)
		}
		stored++
	}

	if _, err := tx.Exec(`
		UPDATE series SET revision = revision + 1 WHERE site = ? AND variable = ?
	`, site, variable); err != nil {
		return 0, fmt.Errorf("touch series: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// GetSeries loads every record of a series. It returns nil when the series is unknown.
func (s *Store) GetSeries(site, variable string) (*models.Series, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM series WHERE site = ? AND variable = ?`, site, variable).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT timestamp, observation, climatology, f1, f2, f3, f4, f5, f6, f7
		FROM records
		WHERE site = ? AND variable = ?
		ORDER BY timestamp ASC
	`, site, variable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r models.Record
		f := &r.Forecasts
		if err := rows.Scan(&r.Timestamp, &r.Observation, &r.Climatology,
			&f[0], &f[1], &f[2], &f[3], &f[4], &f[5], &f[6]); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return models.NewSeries(site, variable, records), nil
}

// SeriesRevision returns a counter bumped on every record write to a series.
// It is zero for an unknown series or one that never received records.
func (s *Store) SeriesRevision(site, variable string) (int64, error) {
	var rev int64
	err := s.db.QueryRow(`
		SELECT revision FROM series WHERE site = ? AND variable = ?
	`, site, variable).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return rev, err
}

// DeleteSeries removes a series, its records and its reports.
func (s *Store) DeleteSeries(site, variable string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM report_leads WHERE report_id IN (SELECT id FROM verification_reports WHERE site = ? AND variable = ?)`,
		`DELETE FROM verification_reports WHERE site = ? AND variable = ?`,
		`DELETE FROM records WHERE site = ? AND variable = ?`,
		`DELETE FROM series WHERE site = ? AND variable = ?`,
	} {
		if _, err := tx.Exec(q, site, variable); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// dedupeRecords keeps the last record per timestamp, in first-seen order.
func dedupeRecords(records []models.Record) []models.Record {
	pos := make(map[int64]int, len(records))
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.Timestamp]; ok {
			out[i] = r
			continue
		}
		pos[r.Timestamp] = len(out)
		out = append(out, r)
	}
	return out
}
