package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lox/wandiskill/internal/models"
	"github.com/lox/wandiskill/internal/verify"
)

// SaveReport persists a report and its lead results. An empty ID is replaced
// with a new UUID and a zero CreatedAt with the current time.
func (s *Store) SaveReport(r *verify.Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	missing, err := json.Marshal(r.Missing.Forecasts)
	if err != nil {
		return fmt.Errorf("marshal missing counts: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO verification_reports (
			id, site, variable, event_offset, total, complete, first_time, last_time,
			clim_rmse, clim_mae, missing_observation, missing_climatology, missing_forecasts,
			anomaly_n, anomaly_mean, series_revision, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Site, r.Variable, r.Offset, r.Total, r.Complete, r.FirstTime, r.LastTime,
		r.Climatology.RMSE, r.Climatology.MAE, r.Missing.Observation, r.Missing.Climatology, string(missing),
		r.Anomaly.N, r.Anomaly.Mean, r.Revision, r.CreatedAt); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	for _, l := range r.Leads {
		var intercept, slope sql.NullFloat64
		if l.Fit != nil {
			intercept = models.Value(l.Fit.Intercept)
			slope = models.Value(l.Fit.Slope)
		}
		var rawME, rawMSE, fitME, fitMSE sql.NullFloat64
		if d := l.Diagnostics; d != nil {
			rawME, rawMSE = models.Value(d.RawMeanError), models.Value(d.RawMSE)
			fitME, fitMSE = models.Value(d.FitMeanError), models.Value(d.FitMSE)
		}
		c := l.Contingency
		if _, err := tx.Exec(`
			INSERT INTO report_leads (
				report_id, lead, rmse, mae, rmse_skill, mae_skill,
				hit, false_alarm, miss, correct_negative, intercept, slope,
				raw_mean_error, raw_mse, fit_mean_error, fit_mse
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, l.Lead, l.Errors.RMSE, l.Errors.MAE, ptrToNull(l.RMSESkill), ptrToNull(l.MAESkill),
			c.Hit, c.FalseAlarm, c.Miss, c.CorrectNegative, intercept, slope,
			rawME, rawMSE, fitME, fitMSE); err != nil {
			return fmt.Errorf("insert lead %d: %w", l.Lead, err)
		}
	}

	return tx.Commit()
}

const reportColumns = `id, site, variable, event_offset, total, complete, first_time, last_time,
	clim_rmse, clim_mae, missing_observation, missing_climatology, missing_forecasts,
	anomaly_n, anomaly_mean, series_revision, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*verify.Report, error) {
	var r verify.Report
	var first, last sql.NullInt64
	var climRMSE, climMAE, anomalyMean sql.NullFloat64
	var missing sql.NullString
	if err := row.Scan(&r.ID, &r.Site, &r.Variable, &r.Offset, &r.Total, &r.Complete, &first, &last,
		&climRMSE, &climMAE, &r.Missing.Observation, &r.Missing.Climatology, &missing,
		&r.Anomaly.N, &anomalyMean, &r.Revision, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.FirstTime = first.Int64
	r.LastTime = last.Int64
	r.Climatology = verify.Errors{RMSE: climRMSE.Float64, MAE: climMAE.Float64}
	r.Anomaly.Mean = anomalyMean.Float64
	if missing.Valid && missing.String != "" {
		if err := json.Unmarshal([]byte(missing.String), &r.Missing.Forecasts); err != nil {
			return nil, fmt.Errorf("decode missing counts: %w", err)
		}
	}
	return &r, nil
}

// GetLatestReport returns the most recent report for a series, or nil if none exists.
func (s *Store) GetLatestReport(site, variable string) (*verify.Report, error) {
	row := s.db.QueryRow(`
		SELECT `+reportColumns+`
		FROM verification_reports
		WHERE site = ? AND variable = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, site, variable)

	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadLeads(r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetReportHistory returns up to limit reports for a series, newest first.
func (s *Store) GetReportHistory(site, variable string, limit int) ([]verify.Report, error) {
	rows, err := s.db.Query(`
		SELECT `+reportColumns+`
		FROM verification_reports
		WHERE site = ? AND variable = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, site, variable, limit)
	if err != nil {
		return nil, err
	}

	var reports []verify.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reports = append(reports, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range reports {
		if err := s.loadLeads(&reports[i]); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func (s *Store) loadLeads(r *verify.Report) error {
	rows, err := s.db.Query(`
		SELECT lead, rmse, mae, rmse_skill, mae_skill,
		       hit, false_alarm, miss, correct_negative, intercept, slope,
		       raw_mean_error, raw_mse, fit_mean_error, fit_mse
		FROM report_leads
		WHERE report_id = ?
		ORDER BY lead
	`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l verify.LeadResult
		var rmseSkill, maeSkill, intercept, slope sql.NullFloat64
		var rawME, rawMSE, fitME, fitMSE sql.NullFloat64
		c := &l.Contingency
		if err := rows.Scan(&l.Lead, &l.Errors.RMSE, &l.Errors.MAE, &rmseSkill, &maeSkill,
			&c.Hit, &c.FalseAlarm, &c.Miss, &c.CorrectNegative, &intercept, &slope,
			&rawME, &rawMSE, &fitME, &fitMSE); err != nil {
			return err
		}
		l.RMSESkill = nullToPtr(rmseSkill)
		l.MAESkill = nullToPtr(maeSkill)
		l.Scores = l.Contingency.Scores()
		if intercept.Valid && slope.Valid {
			l.Fit = &verify.Fit{Intercept: intercept.Float64, Slope: slope.Float64}
		}
		if rawME.Valid && rawMSE.Valid && fitME.Valid && fitMSE.Valid {
			l.Diagnostics = &verify.FitDiagnostics{
				RawMeanError: rawME.Float64,
				RawMSE:       rawMSE.Float64,
				FitMeanError: fitME.Float64,
				FitMSE:       fitMSE.Float64,
			}
		}
		r.Leads = append(r.Leads, l)
	}
	return rows.Err()
}

func ptrToNull(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return models.Value(*v)
}

func nullToPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
