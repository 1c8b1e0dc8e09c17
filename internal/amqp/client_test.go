package amqp

import (
	"testing"
	"time"
)

func TestNewBatchCommittedMessage(t *testing.T) {
	msg := NewBatchCommittedMessage(42, "acme")

	if msg.BatchID != 42 {
		t.Errorf("NewBatchCommittedMessage() BatchID = %v, want 42", msg.BatchID)
	}
	if msg.Dataset != "acme" {
		t.Errorf("NewBatchCommittedMessage() Dataset = %q, want %q", msg.Dataset, "acme")
	}
	if msg.Timestamp.IsZero() {
		t.Error("NewBatchCommittedMessage() Timestamp should not be zero")
	}
	if time.Since(msg.Timestamp) > time.Second {
		t.Error("NewBatchCommittedMessage() Timestamp should be recent")
	}
}

func TestBatchCommittedMessage_JSON(t *testing.T) {
	timestamp := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	msg := &BatchCommittedMessage{
		BatchID:   42,
		Dataset:   "acme",
		Timestamp: timestamp,
	}

	jsonBytes, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	parsed, err := BatchCommittedMessageFromJSON(jsonBytes)
	if err != nil {
		t.Fatalf("BatchCommittedMessageFromJSON() error = %v", err)
	}

	if parsed.BatchID != msg.BatchID {
		t.Errorf("Parsed BatchID = %v, want %v", parsed.BatchID, msg.BatchID)
	}
	if parsed.Dataset != msg.Dataset {
		t.Errorf("Parsed Dataset = %q, want %q", parsed.Dataset, msg.Dataset)
	}
	if !parsed.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("Parsed Timestamp = %v, want %v", parsed.Timestamp, msg.Timestamp)
	}
}

func TestBatchCommittedMessage_InvalidJSON(t *testing.T) {
	invalidJSON := []byte(`{"batch_id": "not_a_number", "dataset": "acme"}`)

	if _, err := BatchCommittedMessageFromJSON(invalidJSON); err == nil {
		t.Error("BatchCommittedMessageFromJSON() should fail with invalid JSON")
	}
}
