package metastore

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type OpType int

const (
	Set OpType = iota
	Delete
)

// Record is a single metadata mutation. TxID makes retries idempotent: a
// store that has already applied a transaction id ignores later copies.
type Record struct {
	TxID  uuid.UUID
	Op    OpType
	Key   string
	Value string
}

// Serde encodes records as JSON. Metadata records are small and infrequent,
// so schema readability wins over compactness here.
type Serde struct{}

func (Serde) Serialize(record Record) ([]byte, error) {
	return json.Marshal(record)
}

func (Serde) Deserialize(data []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decoding metadata record: %w", err)
	}
	return record, nil
}
