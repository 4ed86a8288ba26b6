package metastore

import (
	"github.com/google/uuid"

	"github.com/kraftlab/kraft/raft"
)

// Writer proposes metadata mutations through the local consensus node. Only
// the current leader accepts proposals; on other nodes every call fails with
// ErrNotLeader and the caller should redirect to Leader().
type Writer struct {
	client *raft.Client[Record]
}

func NewWriter(client *raft.Client[Record]) *Writer {
	return &Writer{client: client}
}

// SetWithUUID proposes a put with the given transaction id. Retrying with
// the same id is safe: the state machine applies each id at most once.
func (w *Writer) SetWithUUID(key, value string, id uuid.UUID) (int64, error) {
	return w.propose(Record{TxID: id, Op: Set, Key: key, Value: value})
}

// Set proposes a put and returns the transaction id usable for retries and
// the expected commit offset.
func (w *Writer) Set(key, value string) (uuid.UUID, int64, error) {
	id := uuid.New()
	offset, err := w.SetWithUUID(key, value, id)
	return id, offset, err
}

func (w *Writer) DeleteWithUUID(key string, id uuid.UUID) (int64, error) {
	return w.propose(Record{TxID: id, Op: Delete, Key: key})
}

func (w *Writer) Delete(key string) (uuid.UUID, int64, error) {
	id := uuid.New()
	offset, err := w.DeleteWithUUID(key, id)
	return id, offset, err
}

func (w *Writer) propose(record Record) (int64, error) {
	epoch := w.client.LeaderAndEpoch().Epoch
	return w.client.ScheduleAtomicAppend(epoch, []Record{record})
}
