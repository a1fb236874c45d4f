package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"tally/internal/aggregate"
	"tally/internal/core"
)

// ErrUnknownKind reports a delta message whose kind field is not one the
// aggregation store understands.
var ErrUnknownKind = errors.New("unknown delta kind")

// TransactionDeltaMessage carries one aggregation delta to the worker.
// Both transaction states travel in the message because the worker cannot
// reconstruct the pre-update state from the database after the engine has
// already saved the new one.
type TransactionDeltaMessage struct {
	ID        string               `json:"id"`
	Kind      string               `json:"kind"` // "insert", "update", "tombstone"
	Old       *TransactionSnapshot `json:"old,omitempty"`
	New       *TransactionSnapshot `json:"new,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// TransactionSnapshot is the wire form of one transaction state.
type TransactionSnapshot struct {
	ID          string    `json:"id"`
	PostedAt    time.Time `json:"posted_at"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
	Category    string    `json:"category"`
	Method      string    `json:"method"`
	Confidence  float64   `json:"confidence"`
	TaxonomyVer int64     `json:"taxonomy_version"`
	Tombstone   bool      `json:"tombstone"`
}

var kindNames = map[aggregate.DeltaKind]string{
	aggregate.Insert:    "insert",
	aggregate.Update:    "update",
	aggregate.Tombstone: "tombstone",
}

var kindValues = map[string]aggregate.DeltaKind{
	"insert":    aggregate.Insert,
	"update":    aggregate.Update,
	"tombstone": aggregate.Tombstone,
}

// NewTransactionDeltaMessage builds the wire message for one delta.
func NewTransactionDeltaMessage(d aggregate.Delta) *TransactionDeltaMessage {
	msg := &TransactionDeltaMessage{
		Kind:      kindNames[d.Kind],
		Old:       snapshotOf(d.Old),
		New:       snapshotOf(d.New),
		Timestamp: time.Now(),
	}
	if d.New != nil {
		msg.ID = d.New.ID
	} else if d.Old != nil {
		msg.ID = d.Old.ID
	}
	return msg
}

// Delta converts the message back into the store's delta form. Unknown
// kinds fail so a poisoned message is rejected instead of silently dropped.
func (m *TransactionDeltaMessage) Delta() (aggregate.Delta, error) {
	kind, ok := kindValues[m.Kind]
	if !ok {
		return aggregate.Delta{}, ErrUnknownKind
	}
	return aggregate.Delta{
		Kind: kind,
		Old:  m.Old.transaction(),
		New:  m.New.transaction(),
	}, nil
}

func snapshotOf(tx *core.Transaction) *TransactionSnapshot {
	if tx == nil {
		return nil
	}
	return &TransactionSnapshot{
		ID:          tx.ID,
		PostedAt:    tx.PostedAt,
		AmountCents: tx.Amount.Cents,
		Description: tx.Description,
		Source:      tx.Source,
		Category:    string(tx.Category),
		Method:      string(tx.Method),
		Confidence:  tx.Confidence,
		TaxonomyVer: tx.TaxonomyVer,
		Tombstone:   tx.Tombstone,
	}
}

func (s *TransactionSnapshot) transaction() *core.Transaction {
	if s == nil {
		return nil
	}
	return &core.Transaction{
		ID:          s.ID,
		PostedAt:    s.PostedAt,
		Amount:      core.Money{Cents: s.AmountCents},
		Description: s.Description,
		Source:      s.Source,
		Category:    core.CategoryID(s.Category),
		Method:      core.Method(s.Method),
		Confidence:  s.Confidence,
		TaxonomyVer: s.TaxonomyVer,
		Tombstone:   s.Tombstone,
	}
}

// ToJSON converts the message to JSON bytes
func (m *TransactionDeltaMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON creates a message from JSON bytes
func TransactionDeltaMessageFromJSON(data []byte) (*TransactionDeltaMessage, error) {
	var msg TransactionDeltaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
