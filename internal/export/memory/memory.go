// Package memory is a local stand-in for the spreadsheet exporter, used in
// development and tests when no Google credentials are configured.
package memory

import (
	"context"
	"sync"

	"worklens/internal/export"
	"worklens/internal/storage"
)

type Store struct {
	mu      sync.Mutex
	batches []*storage.Batch
}

var _ export.BatchWriter = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// WriteBatch records the batch in memory.
func (s *Store) WriteBatch(_ context.Context, b *storage.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

// Batches returns everything written so far.
func (s *Store) Batches() []*storage.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.Batch(nil), s.batches...)
}
