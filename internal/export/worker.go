package export

import (
	"context"
	"fmt"
	"log/slog"

	"worklens/internal/amqp"
)

// Worker reacts to batch-committed messages by fetching the batch from the
// secure store and handing it to the writer.
type Worker struct {
	reader BatchReader
	writer BatchWriter
}

func NewWorker(reader BatchReader, writer BatchWriter) *Worker {
	return &Worker{reader: reader, writer: writer}
}

// Handle processes one notification. Returning an error requeues the
// message, so transient writer failures retry.
func (w *Worker) Handle(ctx context.Context, msg *amqp.BatchCommittedMessage) error {
	b, err := w.reader.BatchByID(ctx, msg.BatchID)
	if err != nil {
		return fmt.Errorf("fetch batch %d: %w", msg.BatchID, err)
	}
	if b == nil {
		// The batch is gone; requeueing cannot help.
		slog.WarnContext(ctx, "Batch referenced by message does not exist",
			"batch_id", msg.BatchID, "dataset", msg.Dataset)
		return nil
	}

	if err := w.writer.WriteBatch(ctx, b); err != nil {
		return fmt.Errorf("export batch %d: %w", msg.BatchID, err)
	}

	slog.InfoContext(ctx, "Batch exported",
		"batch_id", b.ID,
		"dataset", b.Dataset,
		"allocations", len(b.Allocations),
		"timesheet_entries", len(b.Timesheets))
	return nil
}
