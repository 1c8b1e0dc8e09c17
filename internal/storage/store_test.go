package storage

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"sync"
	"testing"

	"worklens/internal/core"
	"worklens/internal/csvio"
)

func openTestStore(t *testing.T) *SecureStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "secure.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testBatch() core.CanonicalBatch {
	return core.CanonicalBatch{
		Profiles: []core.CanonicalProfile{
			{InternalID: "P11111111", SourceID: "E001", Name: "Alice Smith", DailyRate: core.Money{Cents: 10000}},
			{InternalID: "P22222222", SourceID: "E002", Name: "Bob Jones", DailyRate: core.Money{Cents: 20000}},
		},
		Workstreams: []core.CanonicalWorkstream{
			{InternalID: "W11111111", SourceID: "WS1", Name: "Platform Redesign", Status: core.WorkstreamActive},
		},
		Allocations: []core.Allocation{
			{ProfileID: "P11111111", WorkstreamID: "W11111111", Days: core.Quantity{Milli: 10000}},
			{ProfileID: "P22222222", WorkstreamID: "W11111111", Days: core.Quantity{Milli: 5000}},
		},
		Timesheets: []core.TimesheetEntry{
			{Date: mustDate("2026-01-05"), ProfileID: "P11111111", WorkstreamID: "W11111111", Hours: core.Quantity{Milli: 7500}, Notes: "kickoff", Status: core.StatusApproved},
		},
	}
}

func mustDate(s string) core.Date {
	d, err := core.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestStageAndListUploads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []csvio.TimesheetRow{
		{Line: 2, Entry: core.RawTimesheetEntry{Date: mustDate("2026-01-05"), UserID: "E001", WorkstreamID: "WS1", Hours: core.Quantity{Milli: 7500}, Status: core.StatusApproved}},
	}
	id, err := s.StageUpload(ctx, "acme", UploadTimesheet, rows)
	if err != nil {
		t.Fatalf("StageUpload() error = %v", err)
	}
	if id == 0 {
		t.Fatal("StageUpload() returned zero id")
	}

	staged, err := s.StagedUploads(ctx, "acme")
	if err != nil {
		t.Fatalf("StagedUploads() error = %v", err)
	}
	if len(staged) != 1 {
		t.Fatalf("StagedUploads() returned %d uploads, want 1", len(staged))
	}
	if staged[0].Kind != UploadTimesheet {
		t.Errorf("kind = %q, want %q", staged[0].Kind, UploadTimesheet)
	}
	got, err := staged[0].TimesheetRows()
	if err != nil {
		t.Fatalf("TimesheetRows() error = %v", err)
	}
	if len(got) != 1 || got[0].Entry.UserID != "E001" || got[0].Entry.Hours.Milli != 7500 {
		t.Errorf("decoded rows = %+v", got)
	}
	if !got[0].Entry.Date.Equal(mustDate("2026-01-05").Time) {
		t.Errorf("decoded date = %v", got[0].Entry.Date)
	}

	// Other datasets see nothing.
	other, err := s.StagedUploads(ctx, "globex")
	if err != nil {
		t.Fatalf("StagedUploads() error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("StagedUploads(globex) returned %d uploads, want 0", len(other))
	}
}

func TestCommitBatchRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uploadID, err := s.StageUpload(ctx, "acme", UploadAllocation, []csvio.AllocationRow{})
	if err != nil {
		t.Fatalf("StageUpload() error = %v", err)
	}

	batchID, err := s.CommitBatch(ctx, "acme", testBatch(), []int64{uploadID})
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}

	b, err := s.LatestBatch(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestBatch() error = %v", err)
	}
	if b == nil {
		t.Fatal("LatestBatch() = nil after commit")
	}
	if b.ID != batchID {
		t.Errorf("batch id = %d, want %d", b.ID, batchID)
	}
	if len(b.Profiles) != 2 || len(b.Workstreams) != 1 || len(b.Allocations) != 2 || len(b.Timesheets) != 1 {
		t.Fatalf("batch contents = %d profiles, %d workstreams, %d allocations, %d timesheets",
			len(b.Profiles), len(b.Workstreams), len(b.Allocations), len(b.Timesheets))
	}
	if b.Profiles[0].Name != "Alice Smith" || b.Profiles[0].DailyRate.Cents != 10000 {
		t.Errorf("profile = %+v", b.Profiles[0])
	}
	if b.Timesheets[0].Notes != "kickoff" || b.Timesheets[0].Date.String() != "2026-01-05" {
		t.Errorf("timesheet = %+v", b.Timesheets[0])
	}

	// The upload must no longer be staged.
	staged, err := s.StagedUploads(ctx, "acme")
	if err != nil {
		t.Fatalf("StagedUploads() error = %v", err)
	}
	if len(staged) != 0 {
		t.Errorf("StagedUploads() returned %d uploads after commit, want 0", len(staged))
	}

	byID, err := s.BatchByID(ctx, batchID)
	if err != nil {
		t.Fatalf("BatchByID() error = %v", err)
	}
	if byID == nil || byID.Dataset != "acme" {
		t.Fatalf("BatchByID() = %+v", byID)
	}
}

func TestCommitBatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Reference an upload id that was never staged: the whole commit must
	// roll back, leaving no batch behind.
	_, err := s.CommitBatch(ctx, "acme", testBatch(), []int64{999})
	if err == nil {
		t.Fatal("CommitBatch() with bogus upload id succeeded")
	}
	var txErr *core.TransactionError
	if !errors.As(err, &txErr) {
		t.Fatalf("CommitBatch() error = %T, want *core.TransactionError", err)
	}

	b, err := s.LatestBatch(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestBatch() error = %v", err)
	}
	if b != nil {
		t.Errorf("LatestBatch() = %+v after failed commit, want nil", b)
	}
}

func TestReUploadAppendsNewBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CommitBatch(ctx, "acme", testBatch(), nil)
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}

	revised := testBatch()
	revised.Profiles[0].DailyRate = core.Money{Cents: 12500}
	second, err := s.CommitBatch(ctx, "acme", revised, nil)
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	if second <= first {
		t.Fatalf("second batch id %d not after first %d", second, first)
	}

	latest, err := s.LatestBatch(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestBatch() error = %v", err)
	}
	if latest.ID != second {
		t.Errorf("latest batch = %d, want %d", latest.ID, second)
	}
	if latest.Profiles[0].DailyRate.Cents != 12500 {
		t.Errorf("latest rate = %d, want 12500", latest.Profiles[0].DailyRate.Cents)
	}

	// History is retained, not rewritten.
	old, err := s.BatchByID(ctx, first)
	if err != nil {
		t.Fatalf("BatchByID() error = %v", err)
	}
	if old == nil || old.Profiles[0].DailyRate.Cents != 10000 {
		t.Errorf("first batch = %+v, want original rate preserved", old)
	}
}

func TestCommitBatchCarriesForwardPriorState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CommitBatch(ctx, "acme", testBatch(), nil); err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}

	// A timesheet-only follow-up references entities committed earlier; the
	// budgets they carry must survive it.
	followUp := core.CanonicalBatch{
		Timesheets: []core.TimesheetEntry{
			{Date: mustDate("2026-01-06"), ProfileID: "P11111111", WorkstreamID: "W11111111", Hours: core.Quantity{Milli: 8000}, Status: core.StatusApproved},
		},
	}
	second, err := s.CommitBatch(ctx, "acme", followUp, nil)
	if err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}

	latest, err := s.LatestBatch(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestBatch() error = %v", err)
	}
	if latest.ID != second {
		t.Fatalf("latest batch = %d, want %d", latest.ID, second)
	}
	if len(latest.Profiles) != 2 || len(latest.Workstreams) != 1 || len(latest.Allocations) != 2 {
		t.Fatalf("carried state = %d profiles, %d workstreams, %d allocations, want 2/1/2",
			len(latest.Profiles), len(latest.Workstreams), len(latest.Allocations))
	}
	if len(latest.Timesheets) != 2 {
		t.Fatalf("timesheets = %d, want carried entry plus new one", len(latest.Timesheets))
	}

	// Re-uploading an entry for the same date/profile/workstream supersedes
	// it instead of double-counting.
	corrected := core.CanonicalBatch{
		Timesheets: []core.TimesheetEntry{
			{Date: mustDate("2026-01-06"), ProfileID: "P11111111", WorkstreamID: "W11111111", Hours: core.Quantity{Milli: 6000}, Status: core.StatusApproved},
		},
	}
	if _, err := s.CommitBatch(ctx, "acme", corrected, nil); err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	latest, err = s.LatestBatch(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestBatch() error = %v", err)
	}
	if len(latest.Timesheets) != 2 {
		t.Fatalf("timesheets after correction = %d, want 2", len(latest.Timesheets))
	}
	for _, e := range latest.Timesheets {
		if e.Date.String() == "2026-01-06" && e.Hours.Milli != 6000 {
			t.Errorf("corrected entry hours = %d, want 6000", e.Hours.Milli)
		}
	}

	// A re-declared profile supersedes its rate and replaces its allocation
	// set wholesale; other profiles keep theirs.
	redeclared := core.CanonicalBatch{
		Profiles: []core.CanonicalProfile{
			{InternalID: "P11111111", SourceID: "E001", Name: "Alice Smith", DailyRate: core.Money{Cents: 12000}},
		},
		Allocations: []core.Allocation{
			{ProfileID: "P11111111", WorkstreamID: "W11111111", Days: core.Quantity{Milli: 4000}},
		},
	}
	if _, err := s.CommitBatch(ctx, "acme", redeclared, nil); err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}
	latest, err = s.LatestBatch(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestBatch() error = %v", err)
	}
	if len(latest.Profiles) != 2 {
		t.Fatalf("profiles after re-declaration = %d, want 2", len(latest.Profiles))
	}
	if latest.Profiles[0].InternalID != "P11111111" || latest.Profiles[0].DailyRate.Cents != 12000 {
		t.Errorf("re-declared profile = %+v", latest.Profiles[0])
	}
	if len(latest.Allocations) != 2 {
		t.Fatalf("allocations after re-declaration = %d, want 2", len(latest.Allocations))
	}
	if latest.Allocations[0].Days.Milli != 4000 {
		t.Errorf("replaced allocation days = %d, want 4000", latest.Allocations[0].Days.Milli)
	}
	if latest.Allocations[1].ProfileID != "P22222222" || latest.Allocations[1].Days.Milli != 5000 {
		t.Errorf("carried allocation = %+v", latest.Allocations[1])
	}
}

func TestLatestSourceIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	profiles, workstreams, err := s.LatestSourceIDs(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestSourceIDs() error = %v", err)
	}
	if len(profiles) != 0 || len(workstreams) != 0 {
		t.Errorf("empty dataset returned %d/%d ids", len(profiles), len(workstreams))
	}

	if _, err := s.CommitBatch(ctx, "acme", testBatch(), nil); err != nil {
		t.Fatalf("CommitBatch() error = %v", err)
	}

	profiles, workstreams, err = s.LatestSourceIDs(ctx, "acme")
	if err != nil {
		t.Fatalf("LatestSourceIDs() error = %v", err)
	}
	if profiles["E001"] != "P11111111" || profiles["E002"] != "P22222222" {
		t.Errorf("profiles = %v", profiles)
	}
	if workstreams["WS1"] != "W11111111" {
		t.Errorf("workstreams = %v", workstreams)
	}
}

func TestEnsurePseudonymsStableAndInjective(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnsurePseudonyms(ctx, "acme", PseudonymProfile, []string{"P22222222", "P11111111"})
	if err != nil {
		t.Fatalf("EnsurePseudonyms() error = %v", err)
	}
	// Assignment follows ascending canonical-id order, not call order.
	if first["P11111111"] != "Profile_1" || first["P22222222"] != "Profile_2" {
		t.Fatalf("first assignment = %v", first)
	}

	// A later call with a superset keeps existing pseudonyms and continues
	// the sequence.
	second, err := s.EnsurePseudonyms(ctx, "acme", PseudonymProfile, []string{"P11111111", "P33333333", "P22222222"})
	if err != nil {
		t.Fatalf("EnsurePseudonyms() error = %v", err)
	}
	if second["P11111111"] != "Profile_1" || second["P22222222"] != "Profile_2" {
		t.Errorf("existing pseudonyms changed: %v", second)
	}
	if second["P33333333"] != "Profile_3" {
		t.Errorf("new pseudonym = %q, want Profile_3", second["P33333333"])
	}

	seen := map[string]bool{}
	for _, p := range second {
		if seen[p] {
			t.Fatalf("pseudonym %q assigned twice", p)
		}
		seen[p] = true
	}

	// Workstream pseudonyms are an independent sequence in the same
	// dataset.
	ws, err := s.EnsurePseudonyms(ctx, "acme", PseudonymWorkstream, []string{"W11111111"})
	if err != nil {
		t.Fatalf("EnsurePseudonyms() error = %v", err)
	}
	if ws["W11111111"] != "Workstream_1" {
		t.Errorf("workstream pseudonym = %q", ws["W11111111"])
	}

	// Read-only lookup returns the same mapping without assigning.
	readOnly, err := s.Pseudonyms(ctx, "acme", PseudonymProfile)
	if err != nil {
		t.Fatalf("Pseudonyms() error = %v", err)
	}
	if len(readOnly) != 3 || readOnly["P33333333"] != "Profile_3" {
		t.Errorf("Pseudonyms() = %v", readOnly)
	}
}

func TestEnsurePseudonymsConcurrentFirstRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two readers race to assign for a fresh dataset; both must converge on
	// one mapping instead of one of them failing on the key constraint.
	ids := []string{"P11111111", "P22222222", "P33333333"}
	results := make([]map[string]string, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.EnsurePseudonyms(ctx, "acme", PseudonymProfile, ids)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("EnsurePseudonyms() [%d] error = %v", i, err)
		}
	}
	if !maps.Equal(results[0], results[1]) {
		t.Fatalf("divergent mappings: %v vs %v", results[0], results[1])
	}
	if results[0]["P11111111"] != "Profile_1" || results[0]["P33333333"] != "Profile_3" {
		t.Errorf("mapping = %v", results[0])
	}
}
