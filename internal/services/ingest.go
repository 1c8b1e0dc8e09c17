// Package services orchestrates the ingest pipeline: stage uploads, build
// canonical batches, commit them to the secure store and announce them.
package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"worklens/internal/builder"
	"worklens/internal/core"
	"worklens/internal/csvio"
	"worklens/internal/storage"
)

// Publisher announces committed batches downstream. Publishing is
// best-effort: a broker outage never rolls back a commit.
type Publisher interface {
	PublishBatchCommitted(ctx context.Context, batchID int64, dataset string) error
}

type IngestService struct {
	store     *storage.SecureStore
	publisher Publisher
	parseOpts csvio.Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewIngestService(store *storage.SecureStore, publisher Publisher, parseOpts csvio.Options) *IngestService {
	return &IngestService{
		store:     store,
		publisher: publisher,
		parseOpts: parseOpts,
		locks:     map[string]*sync.Mutex{},
	}
}

// datasetLock serializes writes per dataset. Readers never take it.
func (s *IngestService) datasetLock(dataset string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[dataset]
	if !ok {
		l = &sync.Mutex{}
		s.locks[dataset] = l
	}
	return l
}

// UploadResult reports what one upload staged and what it rejected.
type UploadResult struct {
	UploadID  int64
	Accepted  int
	Rejected  int
	RowErrors []*core.RowError
}

// UploadTimesheet parses a timesheet CSV and stages its valid rows.
// A malformed file (bad quoting, missing columns, ambiguous decimals)
// rejects the whole upload; invalid rows inside a well-formed file are
// reported and skipped.
func (s *IngestService) UploadTimesheet(ctx context.Context, dataset string, r io.Reader) (UploadResult, error) {
	rows, rowErrs, err := csvio.ParseTimesheet(r, s.parseOpts)
	if err != nil {
		return UploadResult{}, err
	}
	return s.stage(ctx, dataset, storage.UploadTimesheet, rows, len(rows), rowErrs)
}

// UploadAllocations parses an allocation CSV and stages its valid rows.
func (s *IngestService) UploadAllocations(ctx context.Context, dataset string, r io.Reader) (UploadResult, error) {
	rows, rowErrs, err := csvio.ParseAllocations(r, s.parseOpts)
	if err != nil {
		return UploadResult{}, err
	}
	return s.stage(ctx, dataset, storage.UploadAllocation, rows, len(rows), rowErrs)
}

func (s *IngestService) stage(ctx context.Context, dataset string, kind storage.UploadKind, rows any, accepted int, rowErrs []*core.RowError) (UploadResult, error) {
	lock := s.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	res := UploadResult{Accepted: accepted, Rejected: len(rowErrs), RowErrors: rowErrs}
	if accepted == 0 {
		// Nothing worth staging; the caller still gets the row errors.
		return res, nil
	}
	id, err := s.store.StageUpload(ctx, dataset, kind, rows)
	if err != nil {
		return UploadResult{}, err
	}
	res.UploadID = id
	return res, nil
}

// ProcessResult reports one processing run.
type ProcessResult struct {
	BatchID          int64
	AlreadyProcessed bool
	Profiles         int
	Workstreams      int
	Allocations      int
	Timesheets       int
	RowErrors        []*core.RowError
}

// Process builds a canonical batch from everything staged for the dataset
// and commits it atomically. With nothing staged it reports the last
// committed batch instead of committing an empty one, so retrying a
// processing request is harmless.
func (s *IngestService) Process(ctx context.Context, dataset string) (ProcessResult, error) {
	lock := s.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	staged, err := s.store.StagedUploads(ctx, dataset)
	if err != nil {
		return ProcessResult{}, err
	}
	if len(staged) == 0 {
		last, err := s.store.LatestBatch(ctx, dataset)
		if err != nil {
			return ProcessResult{}, err
		}
		if last == nil {
			return ProcessResult{}, fmt.Errorf("dataset %q has nothing staged and no committed batch", dataset)
		}
		return ProcessResult{BatchID: last.ID, AlreadyProcessed: true}, nil
	}

	var (
		allocRows []csvio.AllocationRow
		tsRows    []csvio.TimesheetRow
		uploadIDs []int64
	)
	for _, u := range staged {
		uploadIDs = append(uploadIDs, u.ID)
		switch u.Kind {
		case storage.UploadAllocation:
			rows, err := u.AllocationRows()
			if err != nil {
				return ProcessResult{}, err
			}
			allocRows = append(allocRows, rows...)
		case storage.UploadTimesheet:
			rows, err := u.TimesheetRows()
			if err != nil {
				return ProcessResult{}, err
			}
			tsRows = append(tsRows, rows...)
		default:
			return ProcessResult{}, fmt.Errorf("unknown upload kind %q", u.Kind)
		}
	}

	knownProfiles, knownWorkstreams, err := s.store.LatestSourceIDs(ctx, dataset)
	if err != nil {
		return ProcessResult{}, err
	}
	built, err := builder.Build(allocRows, tsRows, builder.Known{
		ProfileIDs:    knownProfiles,
		WorkstreamIDs: knownWorkstreams,
	})
	if err != nil {
		return ProcessResult{}, err
	}

	batchID, err := s.store.CommitBatch(ctx, dataset, built.Batch, uploadIDs)
	if err != nil {
		return ProcessResult{}, err
	}

	if s.publisher != nil {
		if err := s.publisher.PublishBatchCommitted(ctx, batchID, dataset); err != nil {
			slog.ErrorContext(ctx, "Failed to publish batch committed message",
				"error", err, "batch_id", batchID, "dataset", dataset)
		}
	}

	return ProcessResult{
		BatchID:     batchID,
		Profiles:    len(built.Batch.Profiles),
		Workstreams: len(built.Batch.Workstreams),
		Allocations: len(built.Batch.Allocations),
		Timesheets:  len(built.Batch.Timesheets),
		RowErrors:   built.RowErrors,
	}, nil
}
