package csvio

import (
	"encoding/csv"
	"io"

	"worklens/internal/core"
)

// WriteTimesheet serializes entries back to the timesheet CSV layout using
// canonical dot decimals. Quoting follows the standard CSV convention, so
// free-text fields containing delimiters round-trip exactly.
func WriteTimesheet(w io.Writer, entries []core.RawTimesheetEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "user_id", "workstream_id", "hours", "notes", "status"}); err != nil {
		return err
	}
	for _, e := range entries {
		rec := []string{
			e.Date.String(),
			e.UserID,
			e.WorkstreamID,
			e.Hours.String(),
			e.Notes,
			string(e.Status),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAllocations serializes allocations back to the allocation CSV layout.
func WriteAllocations(w io.Writer, allocs []core.RawAllocation) error {
	cw := csv.NewWriter(w)
	header := []string{"profile_id", "profile_name", "workstream_id", "workstream_name", "days_allocated", "daily_rate", "start_date", "end_date"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, a := range allocs {
		rec := []string{
			a.ProfileID,
			a.ProfileName,
			a.WorkstreamID,
			a.WorkstreamName,
			a.DaysAllocated.String(),
			a.DailyRate.String(),
			a.StartDate.String(),
			a.EndDate.String(),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
