// Package anonymizer projects full-fidelity batches into pseudonymized
// views. It is the only path from the secure store to the public API, and
// it fails closed: an entity without a pseudonym never leaks through.
package anonymizer

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"worklens/internal/core"
	"worklens/internal/storage"
)

const redactedNote = "[REDACTED]"

// RawReader is the privileged read capability of the secure store.
type RawReader interface {
	LatestBatch(ctx context.Context, dataset string) (*storage.Batch, error)
}

// PseudonymStore persists the internal-id to pseudonym mapping.
type PseudonymStore interface {
	EnsurePseudonyms(ctx context.Context, dataset, kind string, ids []string) (map[string]string, error)
	Pseudonyms(ctx context.Context, dataset, kind string) (map[string]string, error)
}

// Options controls which fields are treated as sensitive beyond the
// always-redacted profile names and notes.
type Options struct {
	// RedactWorkstreamNames replaces workstream names with their pseudonym
	// token. Workstream names are often innocuous ("Platform Redesign") but
	// some organizations treat them as confidential.
	RedactWorkstreamNames bool
}

type Engine struct {
	raw  RawReader
	pseu PseudonymStore
	opts Options
}

func New(raw RawReader, pseu PseudonymStore, opts Options) *Engine {
	return &Engine{raw: raw, pseu: pseu, opts: opts}
}

// Snapshot is the anonymized projection of one committed batch. Every
// profile and workstream reference in it is a pseudonym.
type Snapshot struct {
	BatchID     int64
	Dataset     string
	CreatedAt   time.Time
	Profiles    []core.AnonymizedProfile
	Workstreams []core.AnonymizedWorkstream
	Timesheets  []core.TimesheetEntry
}

// Latest builds the anonymized snapshot of the dataset's most recent batch,
// assigning pseudonyms to entities seen for the first time. Returns nil when
// the dataset has no committed batch.
func (e *Engine) Latest(ctx context.Context, dataset string) (*Snapshot, error) {
	b, err := e.raw.LatestBatch(ctx, dataset)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	profiles, err := e.pseu.EnsurePseudonyms(ctx, dataset, storage.PseudonymProfile, profileIDs(b))
	if err != nil {
		return nil, err
	}
	workstreams, err := e.pseu.EnsurePseudonyms(ctx, dataset, storage.PseudonymWorkstream, workstreamIDs(b))
	if err != nil {
		return nil, err
	}

	snap, err := project(b, profiles, workstreams, e.opts)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Anonymized snapshot built",
		"dataset", dataset,
		"batch_id", b.ID,
		"profiles", len(snap.Profiles),
		"workstreams", len(snap.Workstreams))
	return snap, nil
}

// LatestReadOnly is Latest without the authority to assign new pseudonyms:
// an entity missing from the existing mapping is an error, not a new token.
func (e *Engine) LatestReadOnly(ctx context.Context, dataset string) (*Snapshot, error) {
	b, err := e.raw.LatestBatch(ctx, dataset)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	profiles, err := e.pseu.Pseudonyms(ctx, dataset, storage.PseudonymProfile)
	if err != nil {
		return nil, err
	}
	workstreams, err := e.pseu.Pseudonyms(ctx, dataset, storage.PseudonymWorkstream)
	if err != nil {
		return nil, err
	}
	return project(b, profiles, workstreams, e.opts)
}

func profileIDs(b *storage.Batch) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, p := range b.Profiles {
		add(p.InternalID)
	}
	for _, a := range b.Allocations {
		add(a.ProfileID)
	}
	for _, t := range b.Timesheets {
		add(t.ProfileID)
	}
	sort.Strings(ids)
	return ids
}

func workstreamIDs(b *storage.Batch) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, w := range b.Workstreams {
		add(w.InternalID)
	}
	for _, a := range b.Allocations {
		add(a.WorkstreamID)
	}
	for _, t := range b.Timesheets {
		add(t.WorkstreamID)
	}
	sort.Strings(ids)
	return ids
}

func project(b *storage.Batch, profiles, workstreams map[string]string, opts Options) (*Snapshot, error) {
	mapProfile := func(id string) (string, error) {
		p, ok := profiles[id]
		if !ok {
			return "", &core.UnmappedEntityError{Kind: storage.PseudonymProfile, ID: id}
		}
		return p, nil
	}
	mapWorkstream := func(id string) (string, error) {
		w, ok := workstreams[id]
		if !ok {
			return "", &core.UnmappedEntityError{Kind: storage.PseudonymWorkstream, ID: id}
		}
		return w, nil
	}

	snap := &Snapshot{BatchID: b.ID, Dataset: b.Dataset, CreatedAt: b.CreatedAt}

	allocsByProfile := map[string][]core.Allocation{}
	for _, a := range b.Allocations {
		pID, err := mapProfile(a.ProfileID)
		if err != nil {
			return nil, err
		}
		wID, err := mapWorkstream(a.WorkstreamID)
		if err != nil {
			return nil, err
		}
		allocsByProfile[pID] = append(allocsByProfile[pID], core.Allocation{
			ProfileID:    pID,
			WorkstreamID: wID,
			Days:         a.Days,
		})
	}

	for _, p := range b.Profiles {
		pID, err := mapProfile(p.InternalID)
		if err != nil {
			return nil, err
		}
		allocs := allocsByProfile[pID]
		sort.Slice(allocs, func(i, j int) bool { return allocs[i].WorkstreamID < allocs[j].WorkstreamID })
		snap.Profiles = append(snap.Profiles, core.AnonymizedProfile{
			ID:          pID,
			Name:        pID, // the pseudonym is the display name
			DailyRate:   p.DailyRate,
			Allocations: allocs,
		})
	}
	sort.Slice(snap.Profiles, func(i, j int) bool { return snap.Profiles[i].ID < snap.Profiles[j].ID })

	for _, w := range b.Workstreams {
		wID, err := mapWorkstream(w.InternalID)
		if err != nil {
			return nil, err
		}
		name := w.Name
		description := w.Description
		if opts.RedactWorkstreamNames {
			name = wID
			description = ""
		}
		snap.Workstreams = append(snap.Workstreams, core.AnonymizedWorkstream{
			ID:          wID,
			Name:        name,
			Description: description,
			Status:      w.Status,
		})
	}
	sort.Slice(snap.Workstreams, func(i, j int) bool { return snap.Workstreams[i].ID < snap.Workstreams[j].ID })

	for _, t := range b.Timesheets {
		pID, err := mapProfile(t.ProfileID)
		if err != nil {
			return nil, err
		}
		wID, err := mapWorkstream(t.WorkstreamID)
		if err != nil {
			return nil, err
		}
		notes := t.Notes
		if notes != "" {
			notes = redactedNote
		}
		snap.Timesheets = append(snap.Timesheets, core.TimesheetEntry{
			Date:         t.Date,
			ProfileID:    pID,
			WorkstreamID: wID,
			Hours:        t.Hours,
			Notes:        notes,
			Status:       t.Status,
		})
	}

	return snap, nil
}
