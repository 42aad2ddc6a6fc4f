package store

import (
	"database/sql"
	"time"
)

// IngestRun audits one batch of records received for a series.
type IngestRun struct {
	ID              int64
	StartedAt       time.Time
	FinishedAt      sql.NullTime
	Site            string
	Variable        string
	RecordsReceived sql.NullInt64
	RecordsStored   sql.NullInt64
	Success         bool
	ErrorMessage    sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(site, variable string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: time.Now().UTC(),
		Site:      site,
		Variable:  variable,
	}

	result, err := s.db.Exec(`
		INSERT INTO ingest_runs (started_at, site, variable, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Site, run.Variable)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun records the outcome of an ingest run.
func (s *Store) CompleteIngestRun(run *IngestRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			finished_at = ?,
			records_received = ?,
			records_stored = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsReceived, run.RecordsStored, run.Success, run.ErrorMessage, run.ID)
	return err
}

// AnalysisRun audits one pass of the verification engine over stored series.
type AnalysisRun struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Trigger      string // "scheduler", "api", "cli"
	SeriesCount  sql.NullInt64
	ReportsSaved sql.NullInt64
	Success      bool
	ErrorMessage sql.NullString
}

func (s *Store) StartAnalysisRun(trigger string) (*AnalysisRun, error) {
	run := &AnalysisRun{StartedAt: time.Now().UTC(), Trigger: trigger}

	result, err := s.db.Exec(`
		INSERT INTO analysis_runs (started_at, triggered_by, success)
		VALUES (?, ?, FALSE)
	`, run.StartedAt, run.Trigger)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) CompleteAnalysisRun(run *AnalysisRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE analysis_runs SET
			finished_at = ?,
			series_count = ?,
			reports_saved = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.SeriesCount, run.ReportsSaved, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetLastAnalysisRun returns the most recently started analysis run, or nil.
func (s *Store) GetLastAnalysisRun() (*AnalysisRun, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, finished_at, triggered_by, series_count, reports_saved, success, error_message
		FROM analysis_runs
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`)
	var r AnalysisRun
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Trigger, &r.SeriesCount,
		&r.ReportsSaved, &r.Success, &r.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRecentAnalysisErrors returns recent failed analysis runs.
func (s *Store) GetRecentAnalysisErrors(limit int) ([]AnalysisRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, triggered_by, series_count, reports_saved, success, error_message
		FROM analysis_runs
		WHERE success = FALSE
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AnalysisRun
	for rows.Next() {
		var r AnalysisRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Trigger, &r.SeriesCount,
			&r.ReportsSaved, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
