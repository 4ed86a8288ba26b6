package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraftlab/kraft/common"
)

type stringSerde struct{}

func (stringSerde) Serialize(record string) ([]byte, error) {
	return []byte(record), nil
}

func (stringSerde) Deserialize(data []byte) (string, error) {
	return string(data), nil
}

func newTestAccumulator(t *testing.T, epoch int32, baseOffset int64, maxBatchSize int, lingerMs int64) *Accumulator[string] {
	pool := NewMemoryPool(4, maxBatchSize)
	acc, err := NewAccumulator[string](epoch, baseOffset, maxBatchSize, lingerMs, pool, stringSerde{})
	require.NoError(t, err)
	return acc
}

func Test_AccumulatorAssignsConsecutiveOffsets(t *testing.T) {
	acc := newTestAccumulator(t, 3, 10, 1024, 0)
	defer acc.Close()

	last, err := acc.Append(3, []string{"a", "b", "c"}, 0, false)
	assert.NoError(t, err)
	assert.Equal(t, int64(12), last)

	last, err = acc.Append(3, []string{"d"}, 0, false)
	assert.NoError(t, err)
	assert.Equal(t, int64(13), last)

	drained := acc.Drain()
	require.Len(t, drained, 1)
	b := drained[0]
	assert.Equal(t, int64(10), b.BaseOffset)
	assert.Equal(t, int32(3), b.Epoch)
	assert.Equal(t, int32(4), b.Count)
	assert.Equal(t, []string{"a", "b", "c", "d"}, b.Records)

	decoded, control, err := Decode[string](stringSerde{}, b.Data)
	assert.NoError(t, err)
	assert.False(t, control)
	assert.Equal(t, []string{"a", "b", "c", "d"}, decoded.Records)
	assert.Equal(t, int64(10), decoded.BaseOffset)
	assert.NoError(t, b.Release())
}

func Test_AccumulatorRejectsWrongEpoch(t *testing.T) {
	acc := newTestAccumulator(t, 5, 0, 1024, 0)
	defer acc.Close()

	_, err := acc.Append(4, []string{"x"}, 0, false)
	assert.ErrorIs(t, err, common.ErrStaleEpoch)
	_, err = acc.Append(6, []string{"x"}, 0, false)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrStaleEpoch)
	assert.Equal(t, int64(0), acc.NextOffset())
}

func Test_AccumulatorAtomicAppendNeverSplits(t *testing.T) {
	// Room for roughly two 40-byte records per batch.
	acc := newTestAccumulator(t, 1, 0, 128, 0)
	defer acc.Close()

	record := strings.Repeat("x", 40)
	_, err := acc.Append(1, []string{record}, 0, false)
	require.NoError(t, err)

	// The pair does not fit next to the open batch's record, so the batch
	// rotates and both land together in a fresh one.
	last, err := acc.Append(1, []string{record, record}, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	drained := acc.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, int32(1), drained[0].Count)
	assert.Equal(t, int32(2), drained[1].Count)
	assert.Equal(t, int64(1), drained[1].BaseOffset)
	for _, b := range drained {
		assert.NoError(t, b.Release())
	}
}

func Test_AccumulatorAtomicOversizeRejected(t *testing.T) {
	acc := newTestAccumulator(t, 1, 0, 128, 0)
	defer acc.Close()

	record := strings.Repeat("x", 60)
	_, err := acc.Append(1, []string{record, record}, 0, true)
	assert.ErrorIs(t, err, common.ErrBatchTooLarge)
	// Nothing was appended.
	assert.Equal(t, int64(0), acc.NextOffset())

	_, err = acc.Append(1, []string{strings.Repeat("x", 200)}, 0, false)
	assert.ErrorIs(t, err, common.ErrBatchTooLarge)
}

func Test_AccumulatorLinger(t *testing.T) {
	acc := newTestAccumulator(t, 1, 0, 1024, 50)
	defer acc.Close()

	_, err := acc.Append(1, []string{"a"}, 100, false)
	require.NoError(t, err)
	assert.False(t, acc.NeedsDrain(120))
	assert.Equal(t, int64(30), acc.TimeUntilDrain(120))
	assert.True(t, acc.NeedsDrain(150))

	acc.ForceDrain()
	assert.True(t, acc.NeedsDrain(0))
	drained := acc.Drain()
	require.Len(t, drained, 1)
	assert.NoError(t, drained[0].Release())
	assert.False(t, acc.NeedsDrain(0))
}

func Test_AccumulatorControlRecordsStandAlone(t *testing.T) {
	acc := newTestAccumulator(t, 2, 0, 1024, 0)
	defer acc.Close()

	_, err := acc.Append(2, []string{"a"}, 0, false)
	require.NoError(t, err)
	require.NoError(t, acc.AppendLeaderChangeRecord(LeaderChangeRecord{LeaderID: 7}, 0))
	_, err = acc.Append(2, []string{"b"}, 0, false)
	require.NoError(t, err)

	drained := acc.Drain()
	require.Len(t, drained, 3)
	assert.False(t, drained[0].Control)
	assert.True(t, drained[1].Control)
	assert.False(t, drained[2].Control)
	// Control records occupy offsets like any other record.
	assert.Equal(t, int64(1), drained[1].BaseOffset)
	assert.Equal(t, int64(2), drained[2].BaseOffset)

	payload, err := ControlPayload(drained[1].Data)
	require.NoError(t, err)
	kind, ok := ControlKind(payload)
	assert.True(t, ok)
	assert.Equal(t, controlLeaderChange, kind)
	for _, b := range drained {
		assert.NoError(t, b.Release())
	}
}
