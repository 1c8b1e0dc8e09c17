package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"worklens/internal/aggregate"
	"worklens/internal/anonymizer"
	"worklens/internal/csvio"
	"worklens/internal/services"
	"worklens/internal/storage"
)

const allocationCSV = `profile_id,profile_name,workstream_id,workstream_name,days_allocated,daily_rate
E001,Alice Smith,WS1,Platform Redesign,10,100.00
E002,Bob Jones,WS1,Platform Redesign,5,200.00
`

const timesheetCSV = `date,user_id,workstream_id,hours,notes,status
2026-01-05,E001,WS1,8,met with client,approved
2026-01-06,E002,WS1,4,,approved
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "secure.db"))
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ingest := services.NewIngestService(store, nil, csvio.Options{})
	engine := anonymizer.New(store, store, anonymizer.Options{})
	srv := NewServer(":0", ingest, engine, aggregate.Config{}, "EUR")
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "text/csv")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func ingestSampleData(t *testing.T, srv *Server) {
	t.Helper()
	rec := doRequest(t, srv, http.MethodPost, "/api/uploads?dataset=acme&kind=allocations", allocationCSV)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload allocations: status %d, body %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/uploads?dataset=acme&kind=timesheet", timesheetCSV)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload timesheet: status %d, body %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/process?dataset=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("process: status %d, body %s", rec.Code, rec.Body)
	}
}

func TestUploadAndProcess(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/uploads?dataset=acme&kind=allocations", allocationCSV)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var up uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if up.Accepted != 2 || up.Rejected != 0 || up.UploadID == 0 {
		t.Errorf("upload response = %+v", up)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/process?dataset=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("process status = %d, body %s", rec.Code, rec.Body)
	}
	var pr processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pr.BatchID == 0 || pr.Profiles != 2 || pr.Workstreams != 1 {
		t.Errorf("process response = %+v", pr)
	}
}

func TestUploadValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"missing dataset", "/api/uploads?kind=timesheet", timesheetCSV, http.StatusBadRequest},
		{"bad kind", "/api/uploads?dataset=acme&kind=invoices", timesheetCSV, http.StatusBadRequest},
		{"missing column", "/api/uploads?dataset=acme&kind=timesheet", "date,user_id\n2026-01-05,E001\n", http.StatusBadRequest},
		{"bad quoting", "/api/uploads?dataset=acme&kind=timesheet", "date,user_id,workstream_id,hours\n\"broken,E001,WS1,8\n", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, tt.target, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestProcessWithNothingStaged(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/process?dataset=acme", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d (body %s)", rec.Code, http.StatusConflict, rec.Body)
	}
}

func TestProfilesAreAnonymized(t *testing.T) {
	srv := newTestServer(t)
	ingestSampleData(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/profiles?dataset=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	body := rec.Body.String()
	if strings.Contains(body, "Alice") || strings.Contains(body, "Bob") || strings.Contains(body, "E001") {
		t.Errorf("identifying data leaked: %s", body)
	}

	var profiles []profileDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &profiles); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	if profiles[0].ID != "Profile_1" || profiles[0].DailyRate != "100" {
		t.Errorf("first profile = %+v", profiles[0])
	}
	if len(profiles[0].Allocations) != 1 || profiles[0].Allocations[0].WorkstreamID != "Workstream_1" {
		t.Errorf("first profile allocations = %+v", profiles[0].Allocations)
	}
}

func TestWorkstreams(t *testing.T) {
	srv := newTestServer(t)
	ingestSampleData(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/workstreams?dataset=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var workstreams []workstreamDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &workstreams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(workstreams) != 1 {
		t.Fatalf("got %d workstreams, want 1", len(workstreams))
	}
	if workstreams[0].ID != "Workstream_1" || workstreams[0].Name != "Platform Redesign" {
		t.Errorf("workstream = %+v", workstreams[0])
	}
}

func TestDashboardSummary(t *testing.T) {
	srv := newTestServer(t)
	ingestSampleData(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/dashboard/summary?dataset=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var summary summaryDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// 10 days x 100.00 + 5 days x 200.00
	if summary.TotalBudgetCents != 200000 {
		t.Errorf("total budget = %d cents, want 200000", summary.TotalBudgetCents)
	}
	// 8h at 100/day + 4h at 200/day, both approved
	if summary.TotalSpentCents != 20000 {
		t.Errorf("total spent = %d cents, want 20000", summary.TotalSpentCents)
	}
	if len(summary.Workstreams) != 1 {
		t.Fatalf("got %d workstream reports, want 1", len(summary.Workstreams))
	}
	ws := summary.Workstreams[0]
	if !ws.Utilization.Defined || ws.Utilization.Ratio != 0.1 {
		t.Errorf("utilization = %+v", ws.Utilization)
	}
	if ws.Health != aggregate.HealthOnTrack {
		t.Errorf("health = %q", ws.Health)
	}
	if summary.RemainingCents != 180000 || summary.Remaining != "1800" {
		t.Errorf("remaining = %d (%q), want 180000 (\"1800\")", summary.RemainingCents, summary.Remaining)
	}
	if summary.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR", summary.Currency)
	}
	if len(summary.ProfileTotals) != 2 {
		t.Errorf("profile totals = %+v", summary.ProfileTotals)
	}
}

func TestUnknownDatasetIs404(t *testing.T) {
	srv := newTestServer(t)

	for _, target := range []string{
		"/api/profiles?dataset=nope",
		"/api/workstreams?dataset=nope",
		"/api/dashboard/summary?dataset=nope",
		"/api/exports/timesheet.csv?dataset=nope",
	} {
		rec := doRequest(t, srv, http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", target, rec.Code)
		}
	}
}

func TestMissingDatasetIs400(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/profiles", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/uploads?dataset=acme&kind=timesheet", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET uploads: status = %d, want 405", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/profiles?dataset=acme", "x")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST profiles: status = %d, want 405", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestSnapshotCacheInvalidatedOnProcess(t *testing.T) {
	srv := newTestServer(t)
	ingestSampleData(t, srv)

	// Warm the cache.
	if rec := doRequest(t, srv, http.MethodGet, "/api/profiles?dataset=acme", ""); rec.Code != http.StatusOK {
		t.Fatalf("warm read: status %d", rec.Code)
	}

	// Ingest a third profile and reprocess.
	extra := "profile_id,profile_name,workstream_id,workstream_name,days_allocated,daily_rate\nE003,Carol Wu,WS1,Platform Redesign,2,150.00\n"
	if rec := doRequest(t, srv, http.MethodPost, "/api/uploads?dataset=acme&kind=allocations", extra); rec.Code != http.StatusOK {
		t.Fatalf("second upload: status %d", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodPost, "/api/process?dataset=acme", ""); rec.Code != http.StatusOK {
		t.Fatalf("second process: status %d", rec.Code)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/profiles?dataset=acme", "")
	var profiles []profileDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &profiles); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(profiles) != 3 {
		// The second batch carries the earlier profiles forward and adds
		// Carol; a stale cache would still show two.
		t.Fatalf("got %d profiles after reprocess, want 3", len(profiles))
	}
	for _, p := range profiles {
		if p.Name == "Carol Wu" || p.ID == "E003" {
			t.Errorf("real identity leaked: %+v", p)
		}
	}
}

func TestTimesheetOnlyUploadKeepsBudgets(t *testing.T) {
	srv := newTestServer(t)

	// First cycle commits allocations only.
	if rec := doRequest(t, srv, http.MethodPost, "/api/uploads?dataset=acme&kind=allocations", allocationCSV); rec.Code != http.StatusOK {
		t.Fatalf("upload allocations: status %d", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodPost, "/api/process?dataset=acme", ""); rec.Code != http.StatusOK {
		t.Fatalf("first process: status %d", rec.Code)
	}

	// Second cycle is an incremental timesheet referencing the profiles and
	// workstream committed before.
	if rec := doRequest(t, srv, http.MethodPost, "/api/uploads?dataset=acme&kind=timesheet", timesheetCSV); rec.Code != http.StatusOK {
		t.Fatalf("upload timesheet: status %d", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodPost, "/api/process?dataset=acme", ""); rec.Code != http.StatusOK {
		t.Fatalf("second process: status %d", rec.Code)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/dashboard/summary?dataset=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: status %d, body %s", rec.Code, rec.Body)
	}
	var summary summaryDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.TotalBudgetCents != 200000 {
		t.Errorf("total budget = %d cents, want 200000 carried from the first batch", summary.TotalBudgetCents)
	}
	// 8h at 100/day + 4h at 200/day, priced against the carried rates.
	if summary.TotalSpentCents != 20000 {
		t.Errorf("total spent = %d cents, want 20000", summary.TotalSpentCents)
	}
	if summary.TimesheetEntries != 2 {
		t.Errorf("timesheet entries = %d, want 2", summary.TimesheetEntries)
	}
}

func TestTimesheetCSVExportIsAnonymized(t *testing.T) {
	srv := newTestServer(t)
	ingestSampleData(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/exports/timesheet.csv?dataset=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	for _, leak := range []string{"E001", "E002", "Alice", "Bob", "met with client"} {
		if strings.Contains(body, leak) {
			t.Errorf("export leaks %q:\n%s", leak, body)
		}
	}
	if !strings.Contains(body, "Profile_1") {
		t.Errorf("export missing pseudonyms:\n%s", body)
	}

	// The download keeps the upload layout, so it parses back cleanly.
	rows, rowErrs, err := csvio.ParseTimesheet(strings.NewReader(body), csvio.Options{})
	if err != nil {
		t.Fatalf("ParseTimesheet() on export: %v", err)
	}
	if len(rowErrs) != 0 || len(rows) != 2 {
		t.Errorf("export parsed to %d rows, %v errors", len(rows), rowErrs)
	}
}

func TestReadsServeExistingMappingWithoutAssigning(t *testing.T) {
	srv := newTestServer(t)
	ingestSampleData(t, srv)

	first := doRequest(t, srv, http.MethodGet, "/api/profiles?dataset=acme", "")
	if first.Code != http.StatusOK {
		t.Fatalf("first read: status %d", first.Code)
	}

	// Force a rebuild: with the mapping already assigned, the rebuild takes
	// the read-only projection and must return the same pseudonyms.
	srv.snapshotCache.Delete("acme")
	second := doRequest(t, srv, http.MethodGet, "/api/profiles?dataset=acme", "")
	if second.Code != http.StatusOK {
		t.Fatalf("second read: status %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("rebuilt projection diverged:\n%s\nvs\n%s", first.Body, second.Body)
	}
}
