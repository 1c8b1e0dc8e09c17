package amqp

import (
	"encoding/json"
	"time"
)

// BatchCommittedMessage announces that a canonical batch was committed to
// the secure store. It carries only the batch identity; the export worker
// fetches the full batch through its own raw-read capability.
type BatchCommittedMessage struct {
	BatchID   int64     `json:"batch_id"`
	Dataset   string    `json:"dataset"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBatchCommittedMessage(batchID int64, dataset string) *BatchCommittedMessage {
	return &BatchCommittedMessage{
		BatchID:   batchID,
		Dataset:   dataset,
		Timestamp: time.Now(),
	}
}

func (m *BatchCommittedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func BatchCommittedMessageFromJSON(data []byte) (*BatchCommittedMessage, error) {
	var msg BatchCommittedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
