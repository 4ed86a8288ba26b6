package snapshot

import (
	"fmt"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
)

// Reader iterates the application-record batches of a frozen snapshot in
// order, validating the header/footer framing and skipping control records.
type Reader[T any] struct {
	raw     *FileReader
	header  batch.SnapshotHeaderRecord
	batches []batch.Batch[T]
	pos     int
}

func NewReader[T any](raw *FileReader, serde common.RecordSerde[T]) (*Reader[T], error) {
	frames, err := raw.Batches()
	if err != nil {
		return nil, err
	}
	if len(frames) < 2 {
		return nil, fmt.Errorf("snapshot %v has no header/footer framing", raw.SnapshotID())
	}

	r := &Reader[T]{raw: raw}
	for i, frame := range frames {
		decoded, control, err := batch.Decode(serde, frame)
		if err != nil {
			return nil, err
		}
		switch {
		case i == 0:
			if !control {
				return nil, fmt.Errorf("snapshot %v does not start with a header record", raw.SnapshotID())
			}
			payload, err := batch.ControlPayload(frame)
			if err != nil {
				return nil, err
			}
			r.header, err = batch.DecodeSnapshotHeader(payload)
			if err != nil {
				return nil, fmt.Errorf("snapshot %v: %w", raw.SnapshotID(), err)
			}
		case i == len(frames)-1:
			if !control {
				return nil, fmt.Errorf("snapshot %v is not sealed with a footer record", raw.SnapshotID())
			}
			payload, err := batch.ControlPayload(frame)
			if err != nil {
				return nil, err
			}
			if _, err := batch.DecodeSnapshotFooter(payload); err != nil {
				return nil, fmt.Errorf("snapshot %v: %w", raw.SnapshotID(), err)
			}
		case control:
			// Interior control records carry no application data.
		default:
			r.batches = append(r.batches, decoded)
		}
	}
	return r, nil
}

func (r *Reader[T]) SnapshotID() common.OffsetAndEpoch {
	return r.raw.SnapshotID()
}

// LastContainedLogTimestamp is the append time of the last record summarized
// by the snapshot, taken from the header record.
func (r *Reader[T]) LastContainedLogTimestamp() int64 {
	return r.header.LastContainedLogTimestamp
}

// Next returns the next application-record batch.
func (r *Reader[T]) Next() (batch.Batch[T], bool) {
	if r.pos >= len(r.batches) {
		return batch.Batch[T]{}, false
	}
	b := r.batches[r.pos]
	r.pos++
	return b, true
}

func (r *Reader[T]) Close() error {
	return r.raw.Close()
}
