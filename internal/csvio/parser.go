// Package csvio parses and serializes the two CSV layouts the dashboard
// ingests: timesheet exports and allocation sheets. Parsing is locale-aware:
// the decimal convention (dot vs comma separator) is detected once per file
// by probing a numeric column, and files that are valid under both
// conventions with different results are rejected rather than guessed.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"worklens/internal/core"
)

// Convention is the decimal-separator convention of one file.
type Convention string

const (
	// ConventionAuto detects the convention from the probe column.
	ConventionAuto Convention = "auto"
	// ConventionDot reads "1,234.56" style values.
	ConventionDot Convention = "dot"
	// ConventionComma reads "1.234,56" style values.
	ConventionComma Convention = "comma"
)

func (c Convention) Valid() bool {
	switch c {
	case ConventionAuto, ConventionDot, ConventionComma:
		return true
	}
	return false
}

// Options control parsing of a single file.
type Options struct {
	// Convention is a caller-supplied hint; ConventionAuto probes the file.
	Convention Convention
	// ProbeColumn overrides the schema's default numeric column used for
	// convention detection.
	ProbeColumn string
}

// TimesheetRow is a typed timesheet row with its source line.
type TimesheetRow struct {
	Line  int
	Entry core.RawTimesheetEntry
}

// AllocationRow is a typed allocation row with its source line.
type AllocationRow struct {
	Line       int
	Allocation core.RawAllocation
}

const (
	timesheetProbeColumn  = "hours"
	allocationProbeColumn = "days_allocated"
)

var (
	timesheetRequired  = []string{"date", "user_id", "workstream_id", "hours"}
	allocationRequired = []string{"profile_id", "profile_name", "workstream_id", "workstream_name", "days_allocated", "daily_rate"}
)

type record struct {
	line   int
	fields []string
}

// ParseTimesheet parses a timesheet CSV into typed rows. Rows that fail
// validation are returned as RowErrors and skipped; structural problems
// reject the whole file with a MalformedInputError.
func ParseTimesheet(r io.Reader, opts Options) ([]TimesheetRow, []*core.RowError, error) {
	header, recs, err := readRecords(r)
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return nil, nil, nil
	}
	cols, err := columnIndex(header, timesheetRequired)
	if err != nil {
		return nil, nil, err
	}
	probe := opts.ProbeColumn
	if probe == "" {
		probe = timesheetProbeColumn
	}
	conv, err := resolveConvention(opts.Convention, probe, cols, recs)
	if err != nil {
		return nil, nil, err
	}

	var (
		rows    []TimesheetRow
		rowErrs []*core.RowError
	)
	for _, rec := range recs {
		entry, rerr := buildTimesheetEntry(rec, cols, conv)
		if rerr != nil {
			rowErrs = append(rowErrs, rerr)
			continue
		}
		rows = append(rows, TimesheetRow{Line: rec.line, Entry: entry})
	}
	return rows, rowErrs, nil
}

// ParseAllocations parses an allocation CSV into typed rows. Error handling
// matches ParseTimesheet.
func ParseAllocations(r io.Reader, opts Options) ([]AllocationRow, []*core.RowError, error) {
	header, recs, err := readRecords(r)
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return nil, nil, nil
	}
	cols, err := columnIndex(header, allocationRequired)
	if err != nil {
		return nil, nil, err
	}
	probe := opts.ProbeColumn
	if probe == "" {
		probe = allocationProbeColumn
	}
	conv, err := resolveConvention(opts.Convention, probe, cols, recs)
	if err != nil {
		return nil, nil, err
	}

	var (
		rows    []AllocationRow
		rowErrs []*core.RowError
	)
	for _, rec := range recs {
		alloc, rerr := buildAllocation(rec, cols, conv)
		if rerr != nil {
			rowErrs = append(rowErrs, rerr)
			continue
		}
		rows = append(rows, AllocationRow{Line: rec.line, Allocation: alloc})
	}
	return rows, rowErrs, nil
}

func buildTimesheetEntry(rec record, cols map[string]int, conv Convention) (core.RawTimesheetEntry, *core.RowError) {
	get := func(name string) string { return cell(rec.fields, cols, name) }

	date, err := core.ParseDate(get("date"))
	if err != nil {
		return core.RawTimesheetEntry{}, &core.RowError{Line: rec.line, Field: "date", Err: err}
	}
	hours, err := parseQuantity(get("hours"), conv)
	if err != nil {
		return core.RawTimesheetEntry{}, &core.RowError{Line: rec.line, Field: "hours", Err: err}
	}
	status := core.ApprovalStatus(strings.ToLower(strings.TrimSpace(get("status"))))
	if status == "" {
		status = core.StatusPending
	}
	entry := core.RawTimesheetEntry{
		Date:         date,
		UserID:       strings.TrimSpace(get("user_id")),
		WorkstreamID: strings.TrimSpace(get("workstream_id")),
		Hours:        hours,
		Notes:        get("notes"), // free text, preserved verbatim
		Status:       status,
	}
	if err := entry.Validate(); err != nil {
		return core.RawTimesheetEntry{}, &core.RowError{Line: rec.line, Err: err}
	}
	return entry, nil
}

func buildAllocation(rec record, cols map[string]int, conv Convention) (core.RawAllocation, *core.RowError) {
	get := func(name string) string { return cell(rec.fields, cols, name) }

	days, err := parseQuantity(get("days_allocated"), conv)
	if err != nil {
		return core.RawAllocation{}, &core.RowError{Line: rec.line, Field: "days_allocated", Err: err}
	}
	rateStr, err := normalizeDecimal(get("daily_rate"), conv)
	if err != nil {
		return core.RawAllocation{}, &core.RowError{Line: rec.line, Field: "daily_rate", Err: err}
	}
	rate, err := core.ParseDecimalToCents(rateStr)
	if err != nil {
		return core.RawAllocation{}, &core.RowError{Line: rec.line, Field: "daily_rate", Err: err}
	}
	alloc := core.RawAllocation{
		ProfileID:      strings.TrimSpace(get("profile_id")),
		ProfileName:    strings.TrimSpace(get("profile_name")),
		WorkstreamID:   strings.TrimSpace(get("workstream_id")),
		WorkstreamName: get("workstream_name"), // may contain delimiters
		DaysAllocated:  days,
		DailyRate:      core.Money{Cents: rate},
	}
	if v := strings.TrimSpace(get("start_date")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return core.RawAllocation{}, &core.RowError{Line: rec.line, Field: "start_date", Err: err}
		}
		alloc.StartDate = d
	}
	if v := strings.TrimSpace(get("end_date")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return core.RawAllocation{}, &core.RowError{Line: rec.line, Field: "end_date", Err: err}
		}
		alloc.EndDate = d
	}
	if err := alloc.Validate(); err != nil {
		return core.RawAllocation{}, &core.RowError{Line: rec.line, Err: err}
	}
	return alloc, nil
}

func parseQuantity(s string, conv Convention) (core.Quantity, error) {
	norm, err := normalizeDecimal(s, conv)
	if err != nil {
		return core.Quantity{}, err
	}
	milli, err := core.ParseDecimalToMilli(norm)
	if err != nil {
		return core.Quantity{}, err
	}
	return core.Quantity{Milli: milli}, nil
}

func readRecords(r io.Reader) ([]string, []record, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	var (
		header []string
		recs   []record
	)
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, nil, &core.MalformedInputError{Line: pe.Line, Column: pe.Column, Reason: pe.Err.Error()}
			}
			return nil, nil, &core.MalformedInputError{Reason: err.Error()}
		}
		line, _ := cr.FieldPos(0)
		if header == nil {
			header = fields
			continue
		}
		recs = append(recs, record{line: line, fields: fields})
	}
	return header, recs, nil
}

// columnIndex maps normalized header names to field positions and verifies
// the required columns are present. A missing required column is fatal for
// the whole file.
func columnIndex(header []string, required []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		name = strings.TrimPrefix(name, "\uFEFF") // BOM on the first cell
		if name != "" {
			cols[name] = i
		}
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, &core.MalformedInputError{Line: 1, Reason: fmt.Sprintf("missing required column %q", name)}
		}
	}
	return cols, nil
}

func cell(fields []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(fields) {
		return ""
	}
	return fields[i]
}
