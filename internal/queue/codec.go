package queue

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DecodeTransaction parses and validates an incoming payload.
// Both malformed JSON and a failed validation wrap domain.ErrInvalidEvent.
func DecodeTransaction(payload []byte) (*domain.TransactionEvent, error) {
	var tx domain.TransactionEvent
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// EncodeTransaction serializes an event for the input stream.
func EncodeTransaction(tx *domain.TransactionEvent) ([]byte, error) {
	return json.Marshal(tx)
}

// EncodeScored serializes a scored transaction for the output stream.
func EncodeScored(s *domain.ScoredTransaction) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeScored parses a scored transaction from the output stream.
func DecodeScored(payload []byte) (*domain.ScoredTransaction, error) {
	var s domain.ScoredTransaction
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EncodeDeadLetter serializes a dead-letter record.
func EncodeDeadLetter(d *domain.DeadLetter) ([]byte, error) {
	return json.Marshal(d)
}
