package batch

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"go.uber.org/multierr"

	"github.com/kraftlab/kraft/common"
)

// CompletedBatch is a drained, immutable batch ready for the log or the wire.
// Its Data slice is backed by pool memory; Release must be called once the
// bytes have been handed off, or the pool is exhausted.
type CompletedBatch[T any] struct {
	BaseOffset int64
	Epoch      int32
	Control    bool
	Count      int32
	Records    []T
	Data       []byte

	pool *MemoryPool
	buf  []byte
}

func (b *CompletedBatch[T]) LastOffset() int64 {
	return b.BaseOffset + int64(b.Count) - 1
}

func (b *CompletedBatch[T]) Release() error {
	return b.pool.Release(b.buf)
}

// Accumulator coalesces records scheduled by the client into size-bounded,
// epoch-tagged batches before they hit the log or the network. An accumulator
// is created for a single leader epoch; appends with any other epoch are
// rejected. It is safe for concurrent use: appends come from client threads
// while the driver thread drains.
type Accumulator[T any] struct {
	mu           sync.Mutex
	epoch        int32
	nextOffset   int64
	maxBatchSize int
	lingerMs     int64
	pool         *MemoryPool
	serde        common.RecordSerde[T]

	current   *builder[T]
	completed []*CompletedBatch[T]
	forced    bool
	closed    bool
}

type builder[T any] struct {
	baseOffset int64
	control    bool
	createdMs  int64
	buf        []byte
	records    []T
	count      int32
}

func NewAccumulator[T any](
	epoch int32,
	baseOffset int64,
	maxBatchSize int,
	lingerMs int64,
	pool *MemoryPool,
	serde common.RecordSerde[T],
) (*Accumulator[T], error) {
	if pool.BatchSize() < maxBatchSize {
		return nil, fmt.Errorf("pool batch size %d below max batch size %d", pool.BatchSize(), maxBatchSize)
	}
	return &Accumulator[T]{
		epoch:        epoch,
		nextOffset:   baseOffset,
		maxBatchSize: maxBatchSize,
		lingerMs:     lingerMs,
		pool:         pool,
		serde:        serde,
	}, nil
}

func (a *Accumulator[T]) Epoch() int32 {
	return a.epoch
}

// NextOffset is the offset the next appended record will be assigned.
func (a *Accumulator[T]) NextOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextOffset
}

// Append serializes and buffers records under the accumulator's epoch,
// returning the offset assigned to the last record. Atomic appends are
// guaranteed to land in a single batch; non-atomic appends may span batches
// but preserve order. A stale epoch fails with ErrStaleEpoch.
func (a *Accumulator[T]) Append(epoch int32, records []T, nowMs int64, isAtomic bool) (int64, error) {
	if len(records) == 0 {
		return 0, fmt.Errorf("cannot append an empty record set")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, common.ErrShuttingDown
	}
	if epoch < a.epoch {
		return 0, common.ErrStaleEpoch
	}
	if epoch > a.epoch {
		return 0, fmt.Errorf("append epoch %d ahead of accumulator epoch %d", epoch, a.epoch)
	}

	payloads := make([][]byte, len(records))
	total := 0
	for i, record := range records {
		data, err := a.serde.Serialize(record)
		if err != nil {
			return 0, fmt.Errorf("serializing record: %w", err)
		}
		if headerLen+recordOverhead+len(data) > a.maxBatchSize {
			return 0, common.ErrBatchTooLarge
		}
		payloads[i] = data
		total += recordOverhead + len(data)
	}
	if isAtomic && headerLen+total > a.maxBatchSize {
		return 0, common.ErrBatchTooLarge
	}

	if isAtomic {
		if a.current != nil && a.room() < total {
			a.completeCurrent()
		}
		if err := a.ensureCurrent(false, nowMs); err != nil {
			return 0, err
		}
		for i := range records {
			a.addRecord(records[i], payloads[i])
		}
	} else {
		for i := range records {
			if a.current != nil && a.room() < recordOverhead+len(payloads[i]) {
				a.completeCurrent()
			}
			if err := a.ensureCurrent(false, nowMs); err != nil {
				return 0, err
			}
			a.addRecord(records[i], payloads[i])
		}
	}
	return a.nextOffset - 1, nil
}

// AppendSnapshotHeaderRecord injects the control record opening a snapshot.
// It always occupies a batch of its own.
func (a *Accumulator[T]) AppendSnapshotHeaderRecord(rec SnapshotHeaderRecord, nowMs int64) error {
	return a.appendControl(encodeSnapshotHeader(rec), nowMs)
}

// AppendSnapshotFooterRecord injects the control record sealing a snapshot.
func (a *Accumulator[T]) AppendSnapshotFooterRecord(rec SnapshotFooterRecord, nowMs int64) error {
	return a.appendControl(encodeSnapshotFooter(rec), nowMs)
}

// AppendLeaderChangeRecord injects the control record a new leader writes at
// the start of its epoch.
func (a *Accumulator[T]) AppendLeaderChangeRecord(rec LeaderChangeRecord, nowMs int64) error {
	return a.appendControl(encodeLeaderChange(rec), nowMs)
}

func (a *Accumulator[T]) appendControl(payload []byte, nowMs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return common.ErrShuttingDown
	}
	if a.current != nil {
		a.completeCurrent()
	}
	if err := a.ensureCurrent(true, nowMs); err != nil {
		return err
	}
	a.addRawRecord(payload)
	a.completeCurrent()
	return nil
}

// ForceDrain makes the next NeedsDrain call return true regardless of size
// and linger thresholds. Used to flush snapshot header/footer records which
// must not be coalesced with ordinary data.
func (a *Accumulator[T]) ForceDrain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forced = true
}

// NeedsDrain is true when completed batches are waiting, a drain was forced,
// or the open batch's linger has elapsed.
func (a *Accumulator[T]) NeedsDrain(nowMs int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.completed) > 0 || a.forced {
		return true
	}
	return a.current != nil && nowMs >= a.current.createdMs+a.lingerMs
}

// TimeUntilDrain returns how long until the open batch's linger elapses, or
// zero when a drain is already due.
func (a *Accumulator[T]) TimeUntilDrain(nowMs int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.completed) > 0 || a.forced {
		return 0
	}
	if a.current == nil {
		return math.MaxInt64
	}
	remaining := a.current.createdMs + a.lingerMs - nowMs
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Drain completes the open batch and returns all completed batches in order.
// Ownership of the batches (and their pooled buffers) passes to the caller.
func (a *Accumulator[T]) Drain() []*CompletedBatch[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.completeCurrent()
	}
	drained := a.completed
	a.completed = nil
	a.forced = false
	return drained
}

// Close releases every buffer still held by the accumulator.
func (a *Accumulator[T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var err error
	if a.current != nil {
		err = multierr.Append(err, a.pool.Release(a.current.buf))
		a.current = nil
	}
	for _, b := range a.completed {
		err = multierr.Append(err, b.Release())
	}
	a.completed = nil
	return err
}

// room reports the bytes still available in the open batch.
func (a *Accumulator[T]) room() int {
	return a.maxBatchSize - len(a.current.buf)
}

func (a *Accumulator[T]) ensureCurrent(control bool, nowMs int64) error {
	if a.current != nil {
		return nil
	}
	buf, err := a.pool.TryAllocate(a.maxBatchSize)
	if err != nil {
		return err
	}
	a.current = &builder[T]{
		baseOffset: a.nextOffset,
		control:    control,
		createdMs:  nowMs,
		buf:        buf[:headerLen],
	}
	return nil
}

func (a *Accumulator[T]) addRecord(record T, payload []byte) {
	a.current.records = append(a.current.records, record)
	a.addRawRecord(payload)
}

func (a *Accumulator[T]) addRawRecord(payload []byte) {
	var frame [recordOverhead]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(payload)))
	a.current.buf = append(a.current.buf, frame[:]...)
	a.current.buf = append(a.current.buf, payload...)
	a.current.count++
	a.nextOffset++
}

func (a *Accumulator[T]) completeCurrent() {
	b := a.current
	a.current = nil
	putHeader(b.buf[:headerLen], Header{
		BaseOffset: b.baseOffset,
		Epoch:      a.epoch,
		Control:    b.control,
		Count:      b.count,
	})
	a.completed = append(a.completed, &CompletedBatch[T]{
		BaseOffset: b.baseOffset,
		Epoch:      a.epoch,
		Control:    b.control,
		Count:      b.count,
		Records:    b.records,
		Data:       b.buf,
		pool:       a.pool,
		buf:        b.buf,
	})
}
