package batch

import (
	"fmt"

	"github.com/kraftlab/kraft/common"
)

// Batch is a decoded, read-only batch of application records.
type Batch[T any] struct {
	BaseOffset int64
	Epoch      int32
	Records    []T
}

func (b Batch[T]) LastOffset() int64 {
	return b.BaseOffset + int64(len(b.Records)) - 1
}

// Decode parses a batch frame. The bool result reports whether the frame is a
// control batch, in which case no records are deserialized.
func Decode[T any](serde common.RecordSerde[T], data []byte) (Batch[T], bool, error) {
	h, raws, err := rawRecords(data)
	if err != nil {
		return Batch[T]{}, false, err
	}
	out := Batch[T]{BaseOffset: h.BaseOffset, Epoch: h.Epoch}
	if h.Control {
		return out, true, nil
	}
	out.Records = make([]T, 0, len(raws))
	for i, raw := range raws {
		record, err := serde.Deserialize(raw)
		if err != nil {
			return Batch[T]{}, false, fmt.Errorf("deserializing record %d of batch at offset %d: %w", i, h.BaseOffset, err)
		}
		out.Records = append(out.Records, record)
	}
	return out, false, nil
}

// Reader is a finite, ordered iterator over committed batches delivered to a
// listener. It must be closed by the consumer to return any backing resources.
type Reader[T any] struct {
	batches    []Batch[T]
	baseOffset int64
	lastOffset int64
	pos        int
	onClose    func()
	closed     bool
}

// NewReader wraps already-decoded batches. baseOffset and lastOffset describe
// the full committed range covered, including any control records that were
// filtered out of batches.
func NewReader[T any](batches []Batch[T], baseOffset, lastOffset int64, onClose func()) *Reader[T] {
	return &Reader[T]{
		batches:    batches,
		baseOffset: baseOffset,
		lastOffset: lastOffset,
		onClose:    onClose,
	}
}

// BaseOffset is the first committed offset covered by this reader.
func (r *Reader[T]) BaseOffset() int64 {
	return r.baseOffset
}

// LastOffset is the last committed offset covered by this reader.
func (r *Reader[T]) LastOffset() int64 {
	return r.lastOffset
}

// Next returns the next batch in offset order.
func (r *Reader[T]) Next() (Batch[T], bool) {
	if r.closed || r.pos >= len(r.batches) {
		return Batch[T]{}, false
	}
	b := r.batches[r.pos]
	r.pos++
	return b, true
}

// Close releases the reader. Closing twice is a no-op.
func (r *Reader[T]) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.onClose != nil {
		r.onClose()
	}
}
