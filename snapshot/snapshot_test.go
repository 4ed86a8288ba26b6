package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
)

type stringSerde struct{}

func (stringSerde) Serialize(record string) ([]byte, error) {
	return []byte(record), nil
}

func (stringSerde) Deserialize(data []byte) (string, error) {
	return string(data), nil
}

func Test_SnapshotRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	id := common.OffsetAndEpoch{EndOffset: 100, Epoch: 2}

	raw, err := store.Create(id)
	require.NoError(t, err)
	pool := batch.NewMemoryPool(4, 1024)
	writer, err := NewWriter[string](raw, stringSerde{}, pool, 1024, 12345)
	require.NoError(t, err)
	assert.Equal(t, int64(99), writer.LastContainedLogOffset())

	require.NoError(t, writer.Append([]string{"alpha", "beta"}))
	require.NoError(t, writer.Append([]string{"gamma"}))
	size, err := writer.Freeze()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	reader, err := store.Open(id)
	require.NoError(t, err)
	snap, err := NewReader[string](reader, stringSerde{})
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, id, snap.SnapshotID())
	assert.Equal(t, int64(12345), snap.LastContainedLogTimestamp())
	var records []string
	for {
		b, ok := snap.Next()
		if !ok {
			break
		}
		records = append(records, b.Records...)
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, records)
}

func Test_SnapshotAppendAfterFreezeFails(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	raw, err := store.Create(common.OffsetAndEpoch{EndOffset: 10, Epoch: 1})
	require.NoError(t, err)
	pool := batch.NewMemoryPool(4, 1024)
	writer, err := NewWriter[string](raw, stringSerde{}, pool, 1024, 0)
	require.NoError(t, err)

	_, err = writer.Freeze()
	require.NoError(t, err)
	assert.ErrorIs(t, writer.Append([]string{"late"}), common.ErrSnapshotFrozen)
}

func Test_SnapshotAbortedWriterLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	id := common.OffsetAndEpoch{EndOffset: 10, Epoch: 1}
	raw, err := store.Create(id)
	require.NoError(t, err)
	pool := batch.NewMemoryPool(4, 1024)
	writer, err := NewWriter[string](raw, stringSerde{}, pool, 1024, 0)
	require.NoError(t, err)
	require.NoError(t, writer.Append([]string{"partial"}))
	require.NoError(t, writer.Close())

	ids, err := store.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_StoreOrderingAndPrune(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ids := []common.OffsetAndEpoch{
		{EndOffset: 300, Epoch: 3},
		{EndOffset: 100, Epoch: 1},
		{EndOffset: 200, Epoch: 2},
	}
	for _, id := range ids {
		raw, err := store.Create(id)
		require.NoError(t, err)
		require.NoError(t, raw.Append([]byte("x")))
		require.NoError(t, raw.Freeze())
	}

	listed, err := store.IDs()
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, int64(100), listed[0].EndOffset)
	assert.Equal(t, int64(300), listed[2].EndOffset)

	earliest, ok := store.Earliest()
	assert.True(t, ok)
	assert.Equal(t, int64(100), earliest.EndOffset)
	latest, ok := store.Latest()
	assert.True(t, ok)
	assert.Equal(t, int64(300), latest.EndOffset)

	require.NoError(t, store.Prune(latest))
	listed, err = store.IDs()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, latest, listed[0])
}

func Test_FileWriterPositionalAppend(t *testing.T) {
	dir := t.TempDir()
	id := common.OffsetAndEpoch{EndOffset: 50, Epoch: 4}
	writer, err := NewFileWriter(dir, id)
	require.NoError(t, err)

	require.NoError(t, writer.AppendRaw(0, []byte("hello ")))
	require.NoError(t, writer.AppendRaw(6, []byte("world")))
	// Chunks must arrive in order with no gaps.
	assert.Error(t, writer.AppendRaw(20, []byte("gap")))
	require.NoError(t, writer.Freeze())

	reader, err := NewFileReader(dir, id)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, int64(11), reader.SizeInBytes())
	chunk, err := reader.Slice(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), chunk)
	chunk, err = reader.Slice(6, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), chunk)
}

func Test_FilenameRoundTrip(t *testing.T) {
	id := common.OffsetAndEpoch{EndOffset: 12345, Epoch: 67}
	parsed, ok := ParseFilename(Filename(id))
	assert.True(t, ok)
	assert.Equal(t, id, parsed)
	_, ok = ParseFilename("not-a-snapshot.checkpoint")
	assert.False(t, ok)
	_, ok = ParseFilename(filepath.Base("00000000000000012345-0000000067.part.xyz"))
	assert.False(t, ok)
}
