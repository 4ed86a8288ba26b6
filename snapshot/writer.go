package snapshot

import (
	"math"
	"time"

	"go.uber.org/multierr"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
)

// Writer produces a snapshot of application records: a header control record,
// zero or more record batches, and a footer control record sealing the file.
// Records are coalesced through a batch accumulator backed by the shared
// memory pool, with offsets counted from zero within the snapshot.
type Writer[T any] struct {
	raw *FileWriter
	acc *batch.Accumulator[T]
}

func NewWriter[T any](
	raw *FileWriter,
	serde common.RecordSerde[T],
	pool *batch.MemoryPool,
	maxBatchSize int,
	lastContainedLogTimestamp int64,
) (*Writer[T], error) {
	// Linger never expires inside a snapshot writer; batches rotate on size
	// only and the remainder is flushed on Freeze.
	acc, err := batch.NewAccumulator(raw.SnapshotID().Epoch, 0, maxBatchSize, math.MaxInt32, pool, serde)
	if err != nil {
		return nil, err
	}
	w := &Writer[T]{raw: raw, acc: acc}
	header := batch.SnapshotHeaderRecord{LastContainedLogTimestamp: lastContainedLogTimestamp}
	if err := acc.AppendSnapshotHeaderRecord(header, nowMs()); err != nil {
		w.Close()
		return nil, err
	}
	acc.ForceDrain()
	if err := w.appendDrained(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer[T]) SnapshotID() common.OffsetAndEpoch {
	return w.raw.SnapshotID()
}

// LastContainedLogOffset is the last log offset summarized by this snapshot.
func (w *Writer[T]) LastContainedLogOffset() int64 {
	return w.raw.SnapshotID().EndOffset - 1
}

func (w *Writer[T]) IsFrozen() bool {
	return w.raw.IsFrozen()
}

// Append buffers records into the snapshot. Appending after Freeze is an
// error.
func (w *Writer[T]) Append(records []T) error {
	if w.raw.IsFrozen() {
		return common.ErrSnapshotFrozen
	}
	now := nowMs()
	if _, err := w.acc.Append(w.raw.SnapshotID().Epoch, records, now, false); err != nil {
		return err
	}
	if w.acc.NeedsDrain(now) {
		return w.appendDrained()
	}
	return nil
}

// Freeze writes the footer record, flushes everything and seals the file.
// The snapshot is immutable afterwards.
func (w *Writer[T]) Freeze() (int64, error) {
	footer := batch.SnapshotFooterRecord{}
	if err := w.acc.AppendSnapshotFooterRecord(footer, nowMs()); err != nil {
		return 0, err
	}
	w.acc.ForceDrain()
	if err := w.appendDrained(); err != nil {
		return 0, err
	}
	if err := w.raw.Freeze(); err != nil {
		return 0, err
	}
	return w.raw.SizeInBytes(), w.acc.Close()
}

// Close aborts the snapshot if it was not frozen and releases pooled buffers.
func (w *Writer[T]) Close() error {
	return multierr.Combine(w.raw.Close(), w.acc.Close())
}

func (w *Writer[T]) appendDrained() error {
	var err error
	for _, b := range w.acc.Drain() {
		if appendErr := w.raw.Append(b.Data); appendErr != nil {
			err = multierr.Append(err, appendErr)
		}
		err = multierr.Append(err, b.Release())
	}
	return err
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
