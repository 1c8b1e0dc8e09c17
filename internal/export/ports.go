// Package export ships committed batches to privileged destinations.
// Everything in here handles full-fidelity data and runs outside the
// public API surface.
package export

import (
	"context"

	"worklens/internal/storage"
)

// Ports for outbound adapters.
type (
	// BatchWriter exports one committed batch with identities intact. Only
	// the export worker, which holds the raw-read capability, calls it.
	BatchWriter interface {
		WriteBatch(ctx context.Context, b *storage.Batch) error
	}

	// BatchReader is the slice of the secure store the worker needs.
	BatchReader interface {
		BatchByID(ctx context.Context, id int64) (*storage.Batch, error)
	}
)
