package batch

import (
	"sync"

	"github.com/kraftlab/kraft/common"
)

// MemoryPool maintains a limited number of fixed-size buffers backing
// in-flight batches. Allocation never fails for sizes within the batch size
// (a fresh buffer is allocated when the free list is empty, with no ceiling
// on the count); Release retains at most maxRetainedBatches buffers. All
// paths are O(1) under a single mutex since the pool is shared between the
// accumulator and the reader on the hot path.
type MemoryPool struct {
	mu          sync.Mutex
	free        [][]byte
	maxRetained int
	batchSize   int
	allocated   int
}

func NewMemoryPool(maxRetainedBatches, batchSize int) *MemoryPool {
	return &MemoryPool{
		maxRetained: maxRetainedBatches,
		batchSize:   batchSize,
	}
}

// TryAllocate returns a zero-length buffer with capacity of exactly the
// pool's batch size. Requests above the batch size fail fast rather than
// truncating.
func (p *MemoryPool) TryAllocate(size int) ([]byte, error) {
	if size > p.batchSize {
		return nil, common.ErrBatchTooLarge
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf, nil
	}
	p.allocated++
	return make([]byte, 0, p.batchSize), nil
}

// Release returns a buffer to the pool, or discards it if the free list is
// already full. Releasing a buffer whose capacity does not match the pool's
// batch size is an error.
func (p *MemoryPool) Release(buf []byte) error {
	if cap(buf) != p.batchSize {
		return common.ErrBufferMismatch
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxRetained {
		p.allocated--
		return nil
	}
	p.free = append(p.free, buf[:0])
	return nil
}

// Size reports the bytes of all allocated buffers, pooled or outstanding.
func (p *MemoryPool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.allocated) * int64(p.batchSize)
}

func (p *MemoryPool) BatchSize() int {
	return p.batchSize
}
