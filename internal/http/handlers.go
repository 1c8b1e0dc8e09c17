package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"worklens/internal/aggregate"
	"worklens/internal/anonymizer"
	"worklens/internal/core"
	"worklens/internal/csvio"
	"worklens/internal/services"
)

// maxUploadBytes caps a single CSV upload.
const maxUploadBytes = 8 << 20

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	health := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "ready"
	httpStatus := http.StatusOK
	checks := map[string]any{}

	if s.ingest == nil {
		checks["ingest"] = "not_configured"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["ingest"] = "ok"
	}
	if s.engine == nil {
		checks["anonymizer"] = "not_configured"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["anonymizer"] = "ok"
	}

	response := map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(response)
}

type rowErrorDTO struct {
	Line  int    `json:"line"`
	Field string `json:"field,omitempty"`
	Error string `json:"error"`
}

func rowErrorDTOs(errs []*core.RowError) []rowErrorDTO {
	out := make([]rowErrorDTO, 0, len(errs))
	for _, e := range errs {
		out = append(out, rowErrorDTO{Line: e.Line, Field: e.Field, Error: e.Err.Error()})
	}
	return out
}

type uploadResponse struct {
	UploadID int64         `json:"upload_id,omitempty"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []rowErrorDTO `json:"errors"`
}

// handleUpload stages a CSV upload. The dataset and kind come from query
// parameters; the file arrives either as a multipart "file" field or as the
// raw request body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dataset := strings.TrimSpace(r.URL.Query().Get("dataset"))
	if dataset == "" {
		writeError(w, http.StatusBadRequest, "missing dataset parameter")
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind != "timesheet" && kind != "allocations" {
		writeError(w, http.StatusBadRequest, "kind must be 'timesheet' or 'allocations'")
		return
	}

	body, err := uploadReader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer body.Close()

	var res any
	var upErr error
	switch kind {
	case "timesheet":
		up, err := s.ingest.UploadTimesheet(r.Context(), dataset, body)
		res, upErr = uploadResponseFrom(up), err
	case "allocations":
		up, err := s.ingest.UploadAllocations(r.Context(), dataset, body)
		res, upErr = uploadResponseFrom(up), err
	}
	if upErr != nil {
		writeUploadError(w, r, upErr)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func uploadResponseFrom(up services.UploadResult) uploadResponse {
	return uploadResponse{
		UploadID: up.UploadID,
		Accepted: up.Accepted,
		Rejected: up.Rejected,
		Errors:   rowErrorDTOs(up.RowErrors),
	}
}

// uploadReader returns the CSV stream from the request, capped at
// maxUploadBytes.
func uploadReader(r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing 'file' field: %w", err)
		}
		return file, nil
	}
	return r.Body, nil
}

func writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var malformed *core.MalformedInputError
	if errors.As(err, &malformed) {
		slog.WarnContext(r.Context(), "Rejected malformed upload",
			"line", malformed.Line, "column", malformed.Column, "reason", malformed.Reason)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  malformed.Reason,
			"line":   malformed.Line,
			"column": malformed.Column,
		})
		return
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}

	slog.ErrorContext(r.Context(), "Upload failed", "error", err)
	writeError(w, http.StatusInternalServerError, "upload failed")
}

type processResponse struct {
	BatchID          int64         `json:"batch_id"`
	AlreadyProcessed bool          `json:"already_processed"`
	Profiles         int           `json:"profiles"`
	Workstreams      int           `json:"workstreams"`
	Allocations      int           `json:"allocations"`
	Timesheets       int           `json:"timesheet_entries"`
	Errors           []rowErrorDTO `json:"errors"`
}

// handleProcess turns everything staged for a dataset into a committed
// batch.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dataset := strings.TrimSpace(r.URL.Query().Get("dataset"))
	if dataset == "" {
		writeError(w, http.StatusBadRequest, "missing dataset parameter")
		return
	}

	res, err := s.ingest.Process(r.Context(), dataset)
	if err != nil {
		var rowErr *core.RowError
		if errors.As(err, &rowErr) {
			// A conflict that cannot be isolated to one row fails the whole
			// batch; nothing was committed.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": rowErr.Error(),
				"line":  rowErr.Line,
				"field": rowErr.Field,
			})
			return
		}
		var txErr *core.TransactionError
		if errors.As(err, &txErr) {
			slog.ErrorContext(r.Context(), "Batch commit failed", "error", err, "dataset", dataset)
			writeError(w, http.StatusInternalServerError, "batch commit failed")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.snapshotCache.Delete(dataset)

	writeJSON(w, http.StatusOK, processResponse{
		BatchID:          res.BatchID,
		AlreadyProcessed: res.AlreadyProcessed,
		Profiles:         res.Profiles,
		Workstreams:      res.Workstreams,
		Allocations:      res.Allocations,
		Timesheets:       res.Timesheets,
		Errors:           rowErrorDTOs(res.RowErrors),
	})
}

// snapshot returns the cached anonymized snapshot, rebuilding it on a miss.
// Rebuilds use the read-only projection, which fails closed on unmapped
// entities; only that failure falls back to the assigning path, so reads
// after the first assignment never write.
func (s *Server) snapshot(r *http.Request, dataset string) (*anonymizer.Snapshot, error) {
	if snap, ok := s.snapshotCache.Get(dataset); ok {
		return snap, nil
	}
	snap, err := s.engine.LatestReadOnly(r.Context(), dataset)
	if err != nil {
		var unmapped *core.UnmappedEntityError
		if !errors.As(err, &unmapped) {
			return nil, err
		}
		snap, err = s.engine.Latest(r.Context(), dataset)
		if err != nil {
			return nil, err
		}
	}
	if snap != nil {
		s.snapshotCache.Set(dataset, snap)
	}
	return snap, nil
}

type allocationDTO struct {
	WorkstreamID string `json:"workstream_id"`
	Days         string `json:"days"`
}

type profileDTO struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	DailyRateCents int64           `json:"daily_rate_cents"`
	DailyRate      string          `json:"daily_rate"`
	Allocations    []allocationDTO `json:"allocations"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.datasetSnapshot(w, r)
	if !ok {
		return
	}

	out := make([]profileDTO, 0, len(snap.Profiles))
	for _, p := range snap.Profiles {
		allocs := make([]allocationDTO, 0, len(p.Allocations))
		for _, a := range p.Allocations {
			allocs = append(allocs, allocationDTO{
				WorkstreamID: a.WorkstreamID,
				Days:         core.FormatMilli(a.Days.Milli),
			})
		}
		out = append(out, profileDTO{
			ID:             p.ID,
			Name:           p.Name,
			DailyRateCents: p.DailyRate.Cents,
			DailyRate:      core.FormatCents(p.DailyRate.Cents),
			Allocations:    allocs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type workstreamDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

func (s *Server) handleWorkstreams(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.datasetSnapshot(w, r)
	if !ok {
		return
	}

	out := make([]workstreamDTO, 0, len(snap.Workstreams))
	for _, ws := range snap.Workstreams {
		out = append(out, workstreamDTO{
			ID:          ws.ID,
			Name:        ws.Name,
			Description: ws.Description,
			Status:      string(ws.Status),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type utilizationDTO struct {
	Defined bool    `json:"defined"`
	Ratio   float64 `json:"ratio"`
}

type workstreamReportDTO struct {
	WorkstreamID string         `json:"workstream_id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	BudgetCents  int64          `json:"budget_cents"`
	Budget       string         `json:"budget"`
	SpentCents   int64          `json:"spent_cents"`
	Spent        string         `json:"spent"`
	HoursLogged  string         `json:"hours_logged"`
	Utilization  utilizationDTO `json:"utilization"`
	Health       string         `json:"health"`
}

type profileTotalDTO struct {
	ProfileID  string `json:"profile_id"`
	TotalCents int64  `json:"total_cents"`
	Total      string `json:"total"`
}

type summaryDTO struct {
	Dataset          string                `json:"dataset"`
	BatchID          int64                 `json:"batch_id"`
	GeneratedAt      string                `json:"generated_at"`
	Currency         string                `json:"currency"`
	TotalBudgetCents int64                 `json:"total_budget_cents"`
	TotalBudget      string                `json:"total_budget"`
	TotalSpentCents  int64                 `json:"total_spent_cents"`
	TotalSpent       string                `json:"total_spent"`
	RemainingCents   int64                 `json:"remaining_cents"`
	Remaining        string                `json:"remaining"`
	TimesheetEntries int                   `json:"timesheet_entries"`
	Workstreams      []workstreamReportDTO `json:"workstreams"`
	ProfileTotals    []profileTotalDTO     `json:"profile_totals"`
}

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.datasetSnapshot(w, r)
	if !ok {
		return
	}

	summary := aggregate.BuildSummary(aggregate.Input{
		Profiles:    snap.Profiles,
		Workstreams: snap.Workstreams,
		Timesheets:  snap.Timesheets,
	}, s.aggCfg)

	remaining := summary.TotalBudget.Cents - summary.TotalSpent.Cents
	dto := summaryDTO{
		Dataset:          snap.Dataset,
		BatchID:          snap.BatchID,
		GeneratedAt:      time.Now().Format(time.RFC3339),
		Currency:         s.currency,
		TotalBudgetCents: summary.TotalBudget.Cents,
		TotalBudget:      core.FormatCents(summary.TotalBudget.Cents),
		TotalSpentCents:  summary.TotalSpent.Cents,
		TotalSpent:       core.FormatCents(summary.TotalSpent.Cents),
		RemainingCents:   remaining,
		Remaining:        core.FormatCents(remaining),
		TimesheetEntries: len(snap.Timesheets),
	}
	for _, ws := range summary.Workstreams {
		dto.Workstreams = append(dto.Workstreams, workstreamReportDTO{
			WorkstreamID: ws.WorkstreamID,
			Name:         ws.Name,
			Status:       string(ws.Status),
			BudgetCents:  ws.Budget.Cents,
			Budget:       core.FormatCents(ws.Budget.Cents),
			SpentCents:   ws.Spent.Cents,
			Spent:        core.FormatCents(ws.Spent.Cents),
			HoursLogged:  core.FormatMilli(ws.HoursLogged.Milli),
			Utilization:  utilizationDTO{Defined: ws.Utilization.Defined, Ratio: ws.Utilization.Ratio},
			Health:       ws.Health,
		})
	}
	for _, pt := range summary.ProfileTotals {
		dto.ProfileTotals = append(dto.ProfileTotals, profileTotalDTO{
			ProfileID:  pt.ProfileID,
			TotalCents: pt.Total.Cents,
			Total:      core.FormatCents(pt.Total.Cents),
		})
	}

	writeJSON(w, http.StatusOK, dto)
}

// handleExportTimesheet streams the anonymized timesheet as CSV in the same
// layout the upload accepts, so a download of the public view stays
// loadable.
func (s *Server) handleExportTimesheet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.datasetSnapshot(w, r)
	if !ok {
		return
	}

	entries := make([]core.RawTimesheetEntry, 0, len(snap.Timesheets))
	for _, e := range snap.Timesheets {
		entries = append(entries, core.RawTimesheetEntry{
			Date:         e.Date,
			UserID:       e.ProfileID,
			WorkstreamID: e.WorkstreamID,
			Hours:        e.Hours,
			Notes:        e.Notes,
			Status:       e.Status,
		})
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="timesheet.csv"`)
	if err := csvio.WriteTimesheet(w, entries); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write timesheet export", "error", err, "dataset", snap.Dataset)
	}
}

// datasetSnapshot resolves the dataset parameter and its snapshot, writing
// the error response itself when either is missing.
func (s *Server) datasetSnapshot(w http.ResponseWriter, r *http.Request) (*anonymizer.Snapshot, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	dataset := strings.TrimSpace(r.URL.Query().Get("dataset"))
	if dataset == "" {
		writeError(w, http.StatusBadRequest, "missing dataset parameter")
		return nil, false
	}

	snap, err := s.snapshot(r, dataset)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to build anonymized snapshot", "error", err, "dataset", dataset)
		writeError(w, http.StatusInternalServerError, "failed to load dataset")
		return nil, false
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "dataset has no processed data")
		return nil, false
	}
	return snap, true
}
