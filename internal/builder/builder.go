// Package builder turns parsed CSV rows into a validated canonical batch.
// It is a pure transform: no storage access, no side effects. Row-level
// problems are isolated only when dropping the row cannot corrupt aggregate
// sums; anything else fails the whole batch.
package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"worklens/internal/core"
	"worklens/internal/csvio"
)

// Known holds entities already committed for the dataset, so timesheet rows
// may reference profiles and workstreams from earlier uploads.
type Known struct {
	ProfileIDs    map[string]string // source id -> internal id
	WorkstreamIDs map[string]string // source id -> internal id
}

// Result is either a canonical batch or the row errors that prevented one.
type Result struct {
	Batch     core.CanonicalBatch
	RowErrors []*core.RowError
}

// ProfileInternalID derives the stable internal id for a profile from its
// source id and name.
func ProfileInternalID(sourceID, name string) string {
	return "P" + shortHash(sourceID+"|"+name)
}

// WorkstreamInternalID derives the stable internal id for a workstream.
func WorkstreamInternalID(sourceID, name string) string {
	return "W" + shortHash(sourceID+"|"+name)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// Build resolves cross-references and emits canonical entities.
//
// Allocation rows for the same (profile, workstream) pair are summed, not
// overwritten: incremental allocation updates across periods accumulate.
// Conflicting daily rates for one profile cannot be isolated to a row
// without changing every budget that profile contributes to, so they fail
// the batch.
func Build(allocs []csvio.AllocationRow, timesheet []csvio.TimesheetRow, known Known) (Result, error) {
	var res Result

	profiles := map[string]*core.CanonicalProfile{} // source id -> profile
	workstreams := map[string]*core.CanonicalWorkstream{}
	allocDays := map[[2]string]int64{} // (profile iid, workstream iid) -> milli-days

	for _, row := range allocs {
		a := row.Allocation
		if err := a.Validate(); err != nil {
			res.RowErrors = append(res.RowErrors, &core.RowError{Line: row.Line, Err: err})
			continue
		}

		p, seen := profiles[a.ProfileID]
		if !seen {
			p = &core.CanonicalProfile{
				InternalID: ProfileInternalID(a.ProfileID, a.ProfileName),
				SourceID:   a.ProfileID,
				Name:       a.ProfileName,
				DailyRate:  a.DailyRate,
			}
			profiles[a.ProfileID] = p
		} else if p.DailyRate != a.DailyRate || p.Name != a.ProfileName {
			return Result{}, &core.RowError{Line: row.Line, Field: "daily_rate", Err: core.ErrRateConflict}
		}

		w, seen := workstreams[a.WorkstreamID]
		if !seen {
			w = &core.CanonicalWorkstream{
				InternalID: WorkstreamInternalID(a.WorkstreamID, a.WorkstreamName),
				SourceID:   a.WorkstreamID,
				Name:       a.WorkstreamName,
				Status:     core.WorkstreamActive,
			}
			workstreams[a.WorkstreamID] = w
		} else if strings.TrimSpace(w.Name) != strings.TrimSpace(a.WorkstreamName) {
			return Result{}, &core.RowError{Line: row.Line, Field: "workstream_name", Err: fmt.Errorf("workstream %s renamed within one batch", a.WorkstreamID)}
		}

		key := [2]string{p.InternalID, w.InternalID}
		allocDays[key] += a.DaysAllocated.Milli
	}

	profileIID := map[string]string{}
	for src, p := range profiles {
		profileIID[src] = p.InternalID
	}
	for src, iid := range known.ProfileIDs {
		if _, ok := profileIID[src]; !ok {
			profileIID[src] = iid
		}
	}
	workstreamIID := map[string]string{}
	for src, w := range workstreams {
		workstreamIID[src] = w.InternalID
	}
	for src, iid := range known.WorkstreamIDs {
		if _, ok := workstreamIID[src]; !ok {
			workstreamIID[src] = iid
		}
	}

	// Timesheet rows reference entities from this batch or from earlier
	// committed uploads. Orphans are rejected, never silently dropped.
	for _, row := range timesheet {
		e := row.Entry
		if err := e.Validate(); err != nil {
			res.RowErrors = append(res.RowErrors, &core.RowError{Line: row.Line, Err: err})
			continue
		}
		piid, ok := profileIID[e.UserID]
		if !ok {
			res.RowErrors = append(res.RowErrors, &core.RowError{Line: row.Line, Field: "user_id", Err: core.ErrUnknownProfile})
			continue
		}
		wiid, ok := workstreamIID[e.WorkstreamID]
		if !ok {
			res.RowErrors = append(res.RowErrors, &core.RowError{Line: row.Line, Field: "workstream_id", Err: core.ErrUnknownWorkstream})
			continue
		}
		res.Batch.Timesheets = append(res.Batch.Timesheets, core.TimesheetEntry{
			Date:         e.Date,
			ProfileID:    piid,
			WorkstreamID: wiid,
			Hours:        e.Hours,
			Notes:        e.Notes,
			Status:       e.Status,
		})
	}

	for _, p := range profiles {
		res.Batch.Profiles = append(res.Batch.Profiles, *p)
	}
	sort.Slice(res.Batch.Profiles, func(i, j int) bool {
		return res.Batch.Profiles[i].InternalID < res.Batch.Profiles[j].InternalID
	})
	for _, w := range workstreams {
		res.Batch.Workstreams = append(res.Batch.Workstreams, *w)
	}
	sort.Slice(res.Batch.Workstreams, func(i, j int) bool {
		return res.Batch.Workstreams[i].InternalID < res.Batch.Workstreams[j].InternalID
	})
	for key, milli := range allocDays {
		res.Batch.Allocations = append(res.Batch.Allocations, core.Allocation{
			ProfileID:    key[0],
			WorkstreamID: key[1],
			Days:         core.Quantity{Milli: milli},
		})
	}
	sort.Slice(res.Batch.Allocations, func(i, j int) bool {
		a, b := res.Batch.Allocations[i], res.Batch.Allocations[j]
		if a.ProfileID != b.ProfileID {
			return a.ProfileID < b.ProfileID
		}
		return a.WorkstreamID < b.WorkstreamID
	})

	return res, nil
}
