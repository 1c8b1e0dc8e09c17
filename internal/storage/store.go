// Package storage is the secure store: the only component allowed to hold
// identifying data in full fidelity. It is append-oriented — a re-upload
// appends a new batch instead of mutating history — and raw reads are a
// separate, explicit capability from the public read path.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"worklens/internal/core"
	"worklens/internal/csvio"

	_ "modernc.org/sqlite"
)

// UploadKind distinguishes the two staged payload layouts.
type UploadKind string

const (
	UploadTimesheet  UploadKind = "timesheet"
	UploadAllocation UploadKind = "allocation"
)

// Pseudonym mapping kinds.
const (
	PseudonymProfile    = "profile"
	PseudonymWorkstream = "workstream"
)

const (
	uploadStatusStaged    = "staged"
	uploadStatusProcessed = "processed"
)

type SecureStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the secure store at dbPath and runs
// migrations.
func Open(dbPath string) (*SecureStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create secure store directory: %w", err)
	}

	// Concurrent readers may race to assign pseudonyms; let the loser wait
	// for the write lock instead of failing fast.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open secure store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping secure store: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SecureStore{db: db}, nil
}

func (s *SecureStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StagedUpload is a parsed upload awaiting processing.
type StagedUpload struct {
	ID        int64
	Dataset   string
	Kind      UploadKind
	CreatedAt time.Time

	rowsJSON []byte
}

func (u StagedUpload) TimesheetRows() ([]csvio.TimesheetRow, error) {
	var rows []csvio.TimesheetRow
	if err := json.Unmarshal(u.rowsJSON, &rows); err != nil {
		return nil, fmt.Errorf("decode staged timesheet rows: %w", err)
	}
	return rows, nil
}

func (u StagedUpload) AllocationRows() ([]csvio.AllocationRow, error) {
	var rows []csvio.AllocationRow
	if err := json.Unmarshal(u.rowsJSON, &rows); err != nil {
		return nil, fmt.Errorf("decode staged allocation rows: %w", err)
	}
	return rows, nil
}

// StageUpload stores parsed rows for later processing. rows must be a slice
// of csvio.TimesheetRow or csvio.AllocationRow matching kind.
func (s *SecureStore) StageUpload(ctx context.Context, dataset string, kind UploadKind, rows any) (int64, error) {
	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("encode staged rows: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (dataset, kind, rows_json, status) VALUES (?, ?, ?, ?)`,
		dataset, string(kind), string(payload), uploadStatusStaged)
	if err != nil {
		return 0, fmt.Errorf("stage upload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("stage upload id: %w", err)
	}
	slog.InfoContext(ctx, "Upload staged", "dataset", dataset, "kind", kind, "upload_id", id)
	return id, nil
}

// StagedUploads returns the not-yet-processed uploads for a dataset in
// upload order.
func (s *SecureStore) StagedUploads(ctx context.Context, dataset string) ([]StagedUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dataset, kind, rows_json, created_at FROM uploads
		 WHERE dataset = ? AND status = ? ORDER BY id`,
		dataset, uploadStatusStaged)
	if err != nil {
		return nil, fmt.Errorf("list staged uploads: %w", err)
	}
	defer rows.Close()

	var out []StagedUpload
	for rows.Next() {
		var (
			u    StagedUpload
			kind string
			body string
		)
		if err := rows.Scan(&u.ID, &u.Dataset, &kind, &body, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan staged upload: %w", err)
		}
		u.Kind = UploadKind(kind)
		u.rowsJSON = []byte(body)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Batch is a committed canonical batch together with its identity.
type Batch struct {
	ID        int64
	Dataset   string
	CreatedAt time.Time
	core.CanonicalBatch
}

// CommitBatch persists a canonical batch and marks its source uploads
// processed, atomically: either everything lands or nothing does.
//
// Every committed batch holds the dataset's complete most-recent state:
// the previous batch is carried forward and entities re-declared by this
// upload supersede their earlier versions. A timesheet-only upload therefore
// cannot orphan the budgets committed before it.
func (s *SecureStore) CommitBatch(ctx context.Context, dataset string, batch core.CanonicalBatch, uploadIDs []int64) (int64, error) {
	prev, err := s.LatestBatch(ctx, dataset)
	if err != nil {
		return 0, &core.TransactionError{Op: "load previous batch", Err: err}
	}
	if prev != nil {
		batch = mergeBatches(prev.CanonicalBatch, batch)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &core.TransactionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO batches (dataset) VALUES (?)`, dataset)
	if err != nil {
		return 0, &core.TransactionError{Op: "insert batch", Err: err}
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return 0, &core.TransactionError{Op: "batch id", Err: err}
	}

	for _, p := range batch.Profiles {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (batch_id, internal_id, source_id, name, daily_rate_cents) VALUES (?, ?, ?, ?, ?)`,
			batchID, p.InternalID, p.SourceID, p.Name, p.DailyRate.Cents)
		if err != nil {
			return 0, &core.TransactionError{Op: "insert profile", Err: err}
		}
	}
	for _, w := range batch.Workstreams {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workstreams (batch_id, internal_id, source_id, name, description, status) VALUES (?, ?, ?, ?, ?, ?)`,
			batchID, w.InternalID, w.SourceID, w.Name, w.Description, string(w.Status))
		if err != nil {
			return 0, &core.TransactionError{Op: "insert workstream", Err: err}
		}
	}
	for _, a := range batch.Allocations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO allocations (batch_id, profile_id, workstream_id, days_milli) VALUES (?, ?, ?, ?)`,
			batchID, a.ProfileID, a.WorkstreamID, a.Days.Milli)
		if err != nil {
			return 0, &core.TransactionError{Op: "insert allocation", Err: err}
		}
	}
	for _, e := range batch.Timesheets {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO timesheets (batch_id, entry_date, profile_id, workstream_id, hours_milli, notes, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			batchID, e.Date.String(), e.ProfileID, e.WorkstreamID, e.Hours.Milli, e.Notes, string(e.Status))
		if err != nil {
			return 0, &core.TransactionError{Op: "insert timesheet entry", Err: err}
		}
	}

	for _, id := range uploadIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE uploads SET status = ?, batch_id = ? WHERE id = ? AND status = ?`,
			uploadStatusProcessed, batchID, id, uploadStatusStaged)
		if err != nil {
			return 0, &core.TransactionError{Op: "mark upload processed", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, &core.TransactionError{Op: "mark upload processed", Err: err}
		}
		if n != 1 {
			return 0, &core.TransactionError{Op: "mark upload processed", Err: fmt.Errorf("upload %d not staged", id)}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &core.TransactionError{Op: "commit", Err: err}
	}

	slog.InfoContext(ctx, "Batch committed",
		"dataset", dataset,
		"batch_id", batchID,
		"profiles", len(batch.Profiles),
		"workstreams", len(batch.Workstreams),
		"allocations", len(batch.Allocations),
		"timesheet_entries", len(batch.Timesheets))
	return batchID, nil
}

type entryKey struct {
	date         string
	profileID    string
	workstreamID string
}

// mergeBatches folds the previous committed state into next. Profiles and
// workstreams re-declared in next supersede their earlier versions; a
// re-declared profile carries its complete allocation set, so its earlier
// allocations are replaced wholesale. Timesheet entries re-uploaded for the
// same (date, profile, workstream) supersede the stored ones; everything
// else is carried forward.
func mergeBatches(prev, next core.CanonicalBatch) core.CanonicalBatch {
	var merged core.CanonicalBatch

	declaredProfiles := make(map[string]bool, len(next.Profiles))
	for _, p := range next.Profiles {
		declaredProfiles[p.InternalID] = true
	}
	for _, p := range prev.Profiles {
		if !declaredProfiles[p.InternalID] {
			merged.Profiles = append(merged.Profiles, p)
		}
	}
	merged.Profiles = append(merged.Profiles, next.Profiles...)

	declaredWorkstreams := make(map[string]bool, len(next.Workstreams))
	for _, w := range next.Workstreams {
		declaredWorkstreams[w.InternalID] = true
	}
	for _, w := range prev.Workstreams {
		if !declaredWorkstreams[w.InternalID] {
			merged.Workstreams = append(merged.Workstreams, w)
		}
	}
	merged.Workstreams = append(merged.Workstreams, next.Workstreams...)

	for _, a := range prev.Allocations {
		if !declaredProfiles[a.ProfileID] {
			merged.Allocations = append(merged.Allocations, a)
		}
	}
	merged.Allocations = append(merged.Allocations, next.Allocations...)

	redeclared := make(map[entryKey]bool, len(next.Timesheets))
	for _, e := range next.Timesheets {
		redeclared[entryKey{e.Date.String(), e.ProfileID, e.WorkstreamID}] = true
	}
	for _, e := range prev.Timesheets {
		if !redeclared[entryKey{e.Date.String(), e.ProfileID, e.WorkstreamID}] {
			merged.Timesheets = append(merged.Timesheets, e)
		}
	}
	merged.Timesheets = append(merged.Timesheets, next.Timesheets...)

	return merged
}

// LatestBatch returns the most recently committed batch for a dataset with
// full-fidelity entities, or nil when the dataset has none. This is the raw
// read path: callers are the anonymization engine and export tooling only.
func (s *SecureStore) LatestBatch(ctx context.Context, dataset string) (*Batch, error) {
	var (
		b         Batch
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dataset, created_at FROM batches WHERE dataset = ? ORDER BY id DESC LIMIT 1`,
		dataset).Scan(&b.ID, &b.Dataset, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest batch: %w", err)
	}
	b.CreatedAt = createdAt
	if err := s.loadEntities(ctx, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// BatchByID returns one committed batch with full-fidelity entities.
func (s *SecureStore) BatchByID(ctx context.Context, id int64) (*Batch, error) {
	var b Batch
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dataset, created_at FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Dataset, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("batch by id: %w", err)
	}
	if err := s.loadEntities(ctx, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SecureStore) loadEntities(ctx context.Context, b *Batch) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT internal_id, source_id, name, daily_rate_cents FROM profiles WHERE batch_id = ? ORDER BY internal_id`, b.ID)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p core.CanonicalProfile
		if err := rows.Scan(&p.InternalID, &p.SourceID, &p.Name, &p.DailyRate.Cents); err != nil {
			return fmt.Errorf("scan profile: %w", err)
		}
		b.Profiles = append(b.Profiles, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	wrows, err := s.db.QueryContext(ctx,
		`SELECT internal_id, source_id, name, description, status FROM workstreams WHERE batch_id = ? ORDER BY internal_id`, b.ID)
	if err != nil {
		return fmt.Errorf("load workstreams: %w", err)
	}
	defer wrows.Close()
	for wrows.Next() {
		var (
			w      core.CanonicalWorkstream
			status string
		)
		if err := wrows.Scan(&w.InternalID, &w.SourceID, &w.Name, &w.Description, &status); err != nil {
			return fmt.Errorf("scan workstream: %w", err)
		}
		w.Status = core.WorkstreamStatus(status)
		b.Workstreams = append(b.Workstreams, w)
	}
	if err := wrows.Err(); err != nil {
		return err
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT profile_id, workstream_id, days_milli FROM allocations WHERE batch_id = ? ORDER BY profile_id, workstream_id`, b.ID)
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a core.Allocation
		if err := arows.Scan(&a.ProfileID, &a.WorkstreamID, &a.Days.Milli); err != nil {
			return fmt.Errorf("scan allocation: %w", err)
		}
		b.Allocations = append(b.Allocations, a)
	}
	if err := arows.Err(); err != nil {
		return err
	}

	trows, err := s.db.QueryContext(ctx,
		`SELECT entry_date, profile_id, workstream_id, hours_milli, notes, status FROM timesheets WHERE batch_id = ? ORDER BY id`, b.ID)
	if err != nil {
		return fmt.Errorf("load timesheets: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var (
			e       core.TimesheetEntry
			dateStr string
			status  string
		)
		if err := trows.Scan(&dateStr, &e.ProfileID, &e.WorkstreamID, &e.Hours.Milli, &e.Notes, &status); err != nil {
			return fmt.Errorf("scan timesheet entry: %w", err)
		}
		d, err := core.ParseDate(dateStr)
		if err != nil {
			return fmt.Errorf("timesheet entry date %q: %w", dateStr, err)
		}
		e.Date = d
		e.Status = core.ApprovalStatus(status)
		b.Timesheets = append(b.Timesheets, e)
	}
	return trows.Err()
}

// LatestSourceIDs maps source ids to internal ids for the most recent
// committed batch, so a later upload can reference entities it did not
// re-declare.
func (s *SecureStore) LatestSourceIDs(ctx context.Context, dataset string) (profiles, workstreams map[string]string, err error) {
	b, err := s.LatestBatch(ctx, dataset)
	if err != nil {
		return nil, nil, err
	}
	profiles = map[string]string{}
	workstreams = map[string]string{}
	if b == nil {
		return profiles, workstreams, nil
	}
	for _, p := range b.Profiles {
		profiles[p.SourceID] = p.InternalID
	}
	for _, w := range b.Workstreams {
		workstreams[w.SourceID] = w.InternalID
	}
	return profiles, workstreams, nil
}

func pseudonymPrefix(kind string) string {
	if kind == PseudonymWorkstream {
		return "Workstream_"
	}
	return "Profile_"
}

// errStaleMapping signals that another assignment landed between reading
// the mapping and inserting into it; the caller re-reads and tries again.
var errStaleMapping = errors.New("pseudonym mapping changed concurrently")

// EnsurePseudonyms assigns pseudonyms to any of ids that do not have one
// yet and returns the complete mapping. New ids are numbered in ascending
// canonical-id order continuing the dataset's existing sequence, so the
// assignment never changes once made and never collides.
//
// Concurrent first reads of a fresh dataset can race to assign; the loser's
// inserts no-op on conflict and the retry converges on the winner's rows.
func (s *SecureStore) EnsurePseudonyms(ctx context.Context, dataset, kind string, ids []string) (map[string]string, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		mapping, assigned, err := s.assignPseudonyms(ctx, dataset, kind, ids)
		if err == nil {
			if assigned > 0 {
				slog.InfoContext(ctx, "Pseudonyms assigned", "dataset", dataset, "kind", kind, "count", assigned)
			}
			return mapping, nil
		}
		if !retryableAssignErr(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *SecureStore) assignPseudonyms(ctx context.Context, dataset, kind string, ids []string) (map[string]string, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, &core.TransactionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	mapping, maxSeq, err := readPseudonyms(ctx, tx, dataset, kind)
	if err != nil {
		return nil, 0, err
	}

	var missing []string
	seen := map[string]bool{}
	for _, id := range ids {
		if _, ok := mapping[id]; !ok && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	if len(missing) == 0 {
		return mapping, 0, tx.Commit()
	}
	sort.Strings(missing)

	prefix := pseudonymPrefix(kind)
	for _, id := range missing {
		maxSeq++
		pseudonym := fmt.Sprintf("%s%d", prefix, maxSeq)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pseudonyms (dataset, kind, internal_id, seq, pseudonym) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			dataset, kind, id, maxSeq, pseudonym)
		if err != nil {
			return nil, 0, &core.TransactionError{Op: "assign pseudonym", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, 0, &core.TransactionError{Op: "assign pseudonym", Err: err}
		}
		if n != 1 {
			return nil, 0, errStaleMapping
		}
		mapping[id] = pseudonym
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, &core.TransactionError{Op: "commit", Err: err}
	}
	return mapping, len(missing), nil
}

func retryableAssignErr(err error) bool {
	if errors.Is(err, errStaleMapping) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "busy")
}

// Pseudonyms returns the existing mapping without assigning anything.
func (s *SecureStore) Pseudonyms(ctx context.Context, dataset, kind string) (map[string]string, error) {
	mapping, _, err := readPseudonyms(ctx, s.db, dataset, kind)
	return mapping, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readPseudonyms(ctx context.Context, q querier, dataset, kind string) (map[string]string, int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT internal_id, seq, pseudonym FROM pseudonyms WHERE dataset = ? AND kind = ?`,
		dataset, kind)
	if err != nil {
		return nil, 0, fmt.Errorf("read pseudonyms: %w", err)
	}
	defer rows.Close()

	mapping := map[string]string{}
	var maxSeq int64
	for rows.Next() {
		var (
			id, pseudonym string
			seq           int64
		)
		if err := rows.Scan(&id, &seq, &pseudonym); err != nil {
			return nil, 0, fmt.Errorf("scan pseudonym: %w", err)
		}
		mapping[id] = pseudonym
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return mapping, maxSeq, rows.Err()
}
