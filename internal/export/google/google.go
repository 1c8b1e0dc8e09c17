// Package google exports committed batches to a Google Sheets workbook
// through a service account. The destination sheet is a controlled,
// access-restricted artifact: rows land with real names and rates.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"worklens/internal/core"
	"worklens/internal/export"
	"worklens/internal/storage"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

type Client struct {
	svc              *gsheet.Service
	spreadsheetID    string
	allocationsSheet string
	timesheetsSheet  string
}

var _ export.BatchWriter = (*Client)(nil)

// NewFromEnv creates a Sheets client using environment variables.
// Required: GOOGLE_SPREADSHEET_ID plus service account credentials
// (GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or
// GOOGLE_APPLICATION_CREDENTIALS).
// Optional sheet names: EXPORT_ALLOCATIONS_SHEET (default "Allocations"),
// EXPORT_TIMESHEETS_SHEET (default "Timesheets").
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	allocations := strings.TrimSpace(os.Getenv("EXPORT_ALLOCATIONS_SHEET"))
	if allocations == "" {
		allocations = "Allocations"
	}
	timesheets := strings.TrimSpace(os.Getenv("EXPORT_TIMESHEETS_SHEET"))
	if timesheets == "" {
		timesheets = "Timesheets"
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Client{
		svc:              svc,
		spreadsheetID:    spreadsheetID,
		allocationsSheet: allocations,
		timesheetsSheet:  timesheets,
	}, nil
}

// newSheetsService initializes a Sheets Service using Service Account
// credentials.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))

	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return service, nil
}

// WriteBatch appends the batch's allocations and timesheet entries to their
// sheets, one row per record, with real identities.
func (c *Client) WriteBatch(ctx context.Context, b *storage.Batch) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}

	profiles := map[string]core.CanonicalProfile{}
	for _, p := range b.Profiles {
		profiles[p.InternalID] = p
	}
	workstreams := map[string]core.CanonicalWorkstream{}
	for _, w := range b.Workstreams {
		workstreams[w.InternalID] = w
	}

	var allocRows [][]any
	for _, a := range b.Allocations {
		p := profiles[a.ProfileID]
		w := workstreams[a.WorkstreamID]
		allocRows = append(allocRows, []any{
			b.ID,
			b.Dataset,
			p.SourceID,
			p.Name,
			w.SourceID,
			w.Name,
			core.FormatMilli(a.Days.Milli),
			core.FormatCents(p.DailyRate.Cents),
		})
	}
	if err := c.appendRows(ctx, c.allocationsSheet, allocRows); err != nil {
		return fmt.Errorf("append allocations: %w", err)
	}

	var tsRows [][]any
	for _, e := range b.Timesheets {
		p := profiles[e.ProfileID]
		w := workstreams[e.WorkstreamID]
		tsRows = append(tsRows, []any{
			b.ID,
			b.Dataset,
			e.Date.String(),
			p.SourceID,
			p.Name,
			w.SourceID,
			core.FormatMilli(e.Hours.Milli),
			e.Notes,
			string(e.Status),
		})
	}
	if err := c.appendRows(ctx, c.timesheetsSheet, tsRows); err != nil {
		return fmt.Errorf("append timesheets: %w", err)
	}

	slog.InfoContext(ctx, "Batch written to spreadsheet",
		"spreadsheet_id", c.spreadsheetID,
		"batch_id", b.ID,
		"allocation_rows", len(allocRows),
		"timesheet_rows", len(tsRows))
	return nil
}

func (c *Client) appendRows(ctx context.Context, sheet string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	rng := fmt.Sprintf("%s!A:A", sheet)
	vr := &gsheet.ValueRange{Values: rows}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to sheet %s: %w", sheet, err)
	}
	return nil
}
