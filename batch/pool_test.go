package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kraftlab/kraft/common"
)

func Test_PoolAllocateAndReuse(t *testing.T) {
	pool := NewMemoryPool(2, 128)
	buf1, err := pool.TryAllocate(128)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(buf1))
	assert.Equal(t, 128, cap(buf1))
	assert.Equal(t, int64(128), pool.Size())

	assert.NoError(t, pool.Release(buf1))
	buf2, err := pool.TryAllocate(64)
	assert.NoError(t, err)
	// The freed buffer comes back instead of a fresh allocation.
	assert.Equal(t, int64(128), pool.Size())
	assert.NoError(t, pool.Release(buf2))
}

func Test_PoolOversizeRequestFails(t *testing.T) {
	pool := NewMemoryPool(2, 128)
	_, err := pool.TryAllocate(129)
	assert.ErrorIs(t, err, common.ErrBatchTooLarge)
}

func Test_PoolNeverFailsWithinBatchSize(t *testing.T) {
	pool := NewMemoryPool(1, 64)
	var bufs [][]byte
	for i := 0; i < 10; i++ {
		buf, err := pool.TryAllocate(64)
		assert.NoError(t, err)
		bufs = append(bufs, buf)
	}
	assert.Equal(t, int64(10*64), pool.Size())
	for _, buf := range bufs {
		assert.NoError(t, pool.Release(buf))
	}
	// Only one buffer is retained; the rest are discarded on release.
	assert.Equal(t, int64(64), pool.Size())
}

func Test_PoolRejectsForeignBuffer(t *testing.T) {
	pool := NewMemoryPool(2, 128)
	assert.ErrorIs(t, pool.Release(make([]byte, 0, 64)), common.ErrBufferMismatch)
}
