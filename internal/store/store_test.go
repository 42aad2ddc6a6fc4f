package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/wandiskill/internal/models"
	"github.com/lox/wandiskill/internal/verify"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testRecord(ts int64, ob, clim, fc float64) models.Record {
	r := models.Record{
		Timestamp:   ts,
		Observation: models.Value(ob),
		Climatology: models.Value(clim),
	}
	for i := range r.Forecasts {
		r.Forecasts[i] = models.Value(fc + float64(i))
	}
	return r
}

func TestMigrationVersion(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("MigrationVersion = %d, want %d", version, len(migrations))
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestUpsertAndGetSeries(t *testing.T) {
	store := setupTestStore(t)

	missing := testRecord(1430517600, 0, 24.1, 23)
	missing.Observation = models.Missing
	missing.Forecasts[6] = models.Missing

	records := []models.Record{
		testRecord(1430431200, 25.3, 24.1, 24),
		missing,
	}
	stored, err := store.UpsertRecords("09021", "AIR_TEMP_MAX", records)
	if err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}
	if stored != 2 {
		t.Errorf("stored = %d, want 2", stored)
	}

	series, err := store.GetSeries("09021", "AIR_TEMP_MAX")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if series == nil {
		t.Fatal("expected series")
	}
	if series.Len() != 2 {
		t.Fatalf("Len = %d, want 2", series.Len())
	}

	got, ok := series.Get(1430431200)
	if !ok {
		t.Fatal("missing first record")
	}
	if !got.Observation.Valid || got.Observation.Float64 != 25.3 {
		t.Errorf("Observation = %+v, want 25.3", got.Observation)
	}
	if got.Forecast(3).Float64 != 26 {
		t.Errorf("Forecast(3) = %v, want 26", got.Forecast(3).Float64)
	}

	second, _ := series.Get(1430517600)
	if second.Observation.Valid {
		t.Error("expected missing observation to round-trip as missing")
	}
	if second.Forecast(7).Valid {
		t.Error("expected missing lead 7 to round-trip as missing")
	}
}

func TestUpsertRecords_Replaces(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.UpsertRecords("s", "v", []models.Record{testRecord(100, 1, 1, 1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertRecords("s", "v", []models.Record{testRecord(100, 9, 1, 1)}); err != nil {
		t.Fatal(err)
	}

	series, err := store.GetSeries("s", "v")
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 1 {
		t.Fatalf("Len = %d, want 1", series.Len())
	}
	r, _ := series.Get(100)
	if r.Observation.Float64 != 9 {
		t.Errorf("Observation = %v, want 9", r.Observation.Float64)
	}
}

func TestUpsertRecords_DuplicateTimestampsInBatch(t *testing.T) {
	store := setupTestStore(t)

	stored, err := store.UpsertRecords("s", "v", []models.Record{
		testRecord(100, 1, 1, 1),
		testRecord(200, 2, 1, 1),
		testRecord(100, 7, 1, 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if stored != 2 {
		t.Errorf("stored = %d, want 2", stored)
	}

	series, _ := store.GetSeries("s", "v")
	if series.Len() != 2 {
		t.Fatalf("Len = %d, want 2", series.Len())
	}
	if r, _ := series.Get(100); r.Observation.Float64 != 7 {
		t.Errorf("Observation = %v, want the last record in the batch", r.Observation.Float64)
	}
}

func TestSeriesRevision(t *testing.T) {
	store := setupTestStore(t)

	if got, err := store.SeriesRevision("s", "v"); err != nil || got != 0 {
		t.Fatalf("unknown series = %d, %v", got, err)
	}
	if err := store.UpsertSeries("s", "v", "empty"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.SeriesRevision("s", "v"); got != 0 {
		t.Errorf("revision before any records = %d, want 0", got)
	}

	for want := int64(1); want <= 2; want++ {
		if _, err := store.UpsertRecords("s", "v", []models.Record{testRecord(1, 1, 1, 1)}); err != nil {
			t.Fatal(err)
		}
		got, err := store.SeriesRevision("s", "v")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("revision = %d, want %d", got, want)
		}
	}

	if err := store.UpsertSeries("s", "v", "renamed"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.SeriesRevision("s", "v"); got != 2 {
		t.Errorf("revision after description change = %d, want 2", got)
	}
}

func TestGetSeries_Unknown(t *testing.T) {
	store := setupTestStore(t)

	series, err := store.GetSeries("nope", "nope")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if series != nil {
		t.Error("expected nil for unknown series")
	}
}

func TestListSeries(t *testing.T) {
	store := setupTestStore(t)

	if err := store.UpsertSeries("31011", "AIR_TEMP_MIN", "Cairns Aero"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertRecords("09021", "AIR_TEMP_MAX", []models.Record{
		testRecord(200, 1, 1, 1),
		testRecord(100, 1, 1, 1),
	}); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListSeries()
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].Site != "09021" || list[0].RecordCount != 2 {
		t.Errorf("list[0] = %+v", list[0])
	}
	if list[0].FirstTime.Int64 != 100 || list[0].LastTime.Int64 != 200 {
		t.Errorf("time range = %v..%v, want 100..200", list[0].FirstTime, list[0].LastTime)
	}
	if list[1].Description != "Cairns Aero" || list[1].RecordCount != 0 || list[1].FirstTime.Valid {
		t.Errorf("list[1] = %+v", list[1])
	}
}

func TestSaveAndGetReport(t *testing.T) {
	store := setupTestStore(t)

	var records []models.Record
	for i, ob := range []float64{20, 27, 22, 31, 18, 24} {
		records = append(records, testRecord(int64(i)*86400, ob, 21, ob-1))
	}
	series := models.NewSeries("09021", "AIR_TEMP_MAX", records)
	report, err := verify.Analyze(series, verify.DefaultOptions())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	report.Revision = 3

	if err := store.SaveReport(report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if report.ID == "" {
		t.Error("expected SaveReport to assign an ID")
	}

	got, err := store.GetLatestReport("09021", "AIR_TEMP_MAX")
	if err != nil {
		t.Fatalf("GetLatestReport: %v", err)
	}
	if got == nil {
		t.Fatal("expected report")
	}
	if got.ID != report.ID || got.Complete != 6 || got.Offset != verify.DefaultOffset || got.Revision != 3 {
		t.Errorf("report = %+v", got)
	}
	if got.Climatology != report.Climatology {
		t.Errorf("Climatology = %+v, want %+v", got.Climatology, report.Climatology)
	}
	if len(got.Leads) != models.MaxLead {
		t.Fatalf("len(Leads) = %d, want %d", len(got.Leads), models.MaxLead)
	}

	want := report.Lead(1)
	lead := got.Lead(1)
	if lead.Errors != want.Errors || lead.Contingency != want.Contingency {
		t.Errorf("lead 1 = %+v, want %+v", lead, want)
	}
	if lead.RMSESkill == nil || *lead.RMSESkill != *want.RMSESkill {
		t.Errorf("lead 1 RMSESkill = %v, want %v", lead.RMSESkill, *want.RMSESkill)
	}
	if lead.Fit == nil || *lead.Fit != *want.Fit {
		t.Errorf("lead 1 Fit = %v, want %v", lead.Fit, want.Fit)
	}
	if lead.Scores.Accuracy == nil {
		t.Error("expected scores to be derived on load")
	}
}

func TestSaveReport_UndefinedSkillRoundTrips(t *testing.T) {
	store := setupTestStore(t)

	report := &verify.Report{
		Site:     "s",
		Variable: "v",
		Offset:   5,
		Leads:    []verify.LeadResult{{Lead: 1, Contingency: verify.ContingencyTable{CorrectNegative: 2}}},
	}
	if err := store.SaveReport(report); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetLatestReport("s", "v")
	if err != nil {
		t.Fatal(err)
	}
	if got.Leads[0].RMSESkill != nil || got.Leads[0].MAESkill != nil {
		t.Error("expected undefined skills to stay undefined")
	}
	if got.Leads[0].Fit != nil || got.Leads[0].Diagnostics != nil {
		t.Error("expected no fit")
	}
}

func TestGetReportHistory(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := &verify.Report{Site: "s", Variable: "v", Total: i, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.SaveReport(r); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.GetReportHistory("s", "v", 2)
	if err != nil {
		t.Fatalf("GetReportHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Total != 2 || history[1].Total != 1 {
		t.Errorf("history order = %d, %d, want 2, 1", history[0].Total, history[1].Total)
	}
}

func TestGetLatestReport_None(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.GetLatestReport("s", "v")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil report")
	}
}

func TestDeleteSeries(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.UpsertRecords("s", "v", []models.Record{testRecord(1, 1, 1, 1)}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveReport(&verify.Report{Site: "s", Variable: "v"}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteSeries("s", "v"); err != nil {
		t.Fatalf("DeleteSeries: %v", err)
	}

	series, _ := store.GetSeries("s", "v")
	if series != nil {
		t.Error("expected series to be gone")
	}
	report, _ := store.GetLatestReport("s", "v")
	if report != nil {
		t.Error("expected reports to be gone")
	}
}

func TestAnalysisRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartAnalysisRun("cli")
	if err != nil {
		t.Fatalf("StartAnalysisRun: %v", err)
	}
	if run.ID == 0 {
		t.Error("expected run ID")
	}

	run.SeriesCount = sql.NullInt64{Int64: 3, Valid: true}
	run.ReportsSaved = sql.NullInt64{Int64: 2, Valid: true}
	run.ErrorMessage = sql.NullString{String: "31011/AIR_TEMP_MIN: no complete timestamps", Valid: true}
	if err := store.CompleteAnalysisRun(run); err != nil {
		t.Fatalf("CompleteAnalysisRun: %v", err)
	}

	last, err := store.GetLastAnalysisRun()
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ID != run.ID || last.Trigger != "cli" || last.ReportsSaved.Int64 != 2 {
		t.Errorf("last run = %+v", last)
	}
	if !last.FinishedAt.Valid {
		t.Error("expected FinishedAt to be set")
	}

	failed, err := store.GetRecentAnalysisErrors(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage.String == "" {
		t.Errorf("failed runs = %+v", failed)
	}
}

func TestIngestRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartIngestRun("09021", "AIR_TEMP_MAX")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}
	run.Success = true
	run.RecordsReceived = sql.NullInt64{Int64: 10, Valid: true}
	run.RecordsStored = sql.NullInt64{Int64: 10, Valid: true}
	if err := store.CompleteIngestRun(run); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}
	if err := store.CompleteIngestRun(nil); err != nil {
		t.Errorf("CompleteIngestRun(nil) = %v", err)
	}
}

func TestRawPayload_Dedup(t *testing.T) {
	store := setupTestStore(t)

	payload := []byte(`{"records":[{"timestamp":1430431200,"observation":25.3}]}`)
	id, err := store.StoreRawPayload(nil, "09021", "AIR_TEMP_MAX", payload)
	if err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("expected payload ID")
	}

	dup, err := store.StoreRawPayload(nil, "09021", "AIR_TEMP_MAX", payload)
	if err != nil {
		t.Fatalf("StoreRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate ID = %d, want 0", dup)
	}

	got, err := store.GetRawPayload(id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s, want %s", got, payload)
	}

	p, err := store.GetRawPayloadByHash(PayloadHash(payload))
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.ID != id || p.Site != "09021" {
		t.Errorf("payload by hash = %+v", p)
	}
}
