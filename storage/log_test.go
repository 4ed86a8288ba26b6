package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/snapshot"
)

type stringSerde struct{}

func (stringSerde) Serialize(record string) ([]byte, error) {
	return []byte(record), nil
}

func (stringSerde) Deserialize(data []byte) (string, error) {
	return string(data), nil
}

// makeFrame builds a single encoded batch frame for the given records.
func makeFrame(t *testing.T, epoch int32, baseOffset int64, records ...string) []byte {
	t.Helper()
	pool := batch.NewMemoryPool(1, 4096)
	acc, err := batch.NewAccumulator[string](epoch, baseOffset, 4096, 0, pool, stringSerde{})
	require.NoError(t, err)
	_, err = acc.Append(epoch, records, 0, false)
	require.NoError(t, err)
	drained := acc.Drain()
	require.Len(t, drained, 1)
	frame := make([]byte, len(drained[0].Data))
	copy(frame, drained[0].Data)
	require.NoError(t, drained[0].Release())
	return frame
}

func openTestLog(t *testing.T, snapshots *snapshot.Store) *Log {
	t.Helper()
	log, err := OpenLog(filepath.Join(t.TempDir(), "log.db"), snapshots)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func Test_LogAppendAsLeader(t *testing.T) {
	log := openTestLog(t, nil)
	assert.Equal(t, int64(0), log.StartOffset())
	assert.Equal(t, int64(0), log.EndOffset())

	require.NoError(t, log.AppendAsLeader(makeFrame(t, 1, 0, "a", "b"), 0, 1))
	assert.Equal(t, int64(2), log.EndOffset())
	assert.Equal(t, int32(1), log.LastEpoch())

	// Base offset must be contiguous with the end of the log.
	assert.Error(t, log.AppendAsLeader(makeFrame(t, 1, 5, "x"), 5, 1))
	require.NoError(t, log.AppendAsLeader(makeFrame(t, 2, 2, "c"), 2, 2))
	assert.Equal(t, int64(3), log.EndOffset())
	assert.Equal(t, int32(2), log.LastEpoch())
}

func Test_LogRejectsEpochRegression(t *testing.T) {
	log := openTestLog(t, nil)
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 3, 0, "a")))
	err := log.AppendAsFollower(makeFrame(t, 2, 1, "b"))
	assert.ErrorIs(t, err, common.ErrEpochRegression)
}

func Test_LogReadBatches(t *testing.T) {
	log := openTestLog(t, nil)
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 1, 0, "a", "b")))
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 1, 2, "c")))
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 2, 3, "d", "e")))

	frames, err := log.ReadBatches(0, 1<<20)
	require.NoError(t, err)
	assert.Len(t, frames, 3)

	// Reads start at the batch containing the requested offset.
	frames, err = log.ReadBatches(2, 1<<20)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	h, err := batch.PeekHeader(frames[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.BaseOffset)

	// maxBytes returns at least one batch even when it is larger.
	frames, err = log.ReadBatches(0, 1)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func Test_LogTruncate(t *testing.T) {
	log := openTestLog(t, nil)
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 1, 0, "a", "b")))
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 2, 2, "c", "d")))

	// Truncation drops whole batches containing offsets at or above the target.
	require.NoError(t, log.TruncateTo(3))
	assert.Equal(t, int64(2), log.EndOffset())
	assert.Equal(t, int32(1), log.LastEpoch())

	require.NoError(t, log.TruncateTo(0))
	assert.Equal(t, int64(0), log.EndOffset())
}

func Test_LogEndOffsetForEpoch(t *testing.T) {
	log := openTestLog(t, nil)
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 1, 0, "a", "b")))
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 3, 2, "c")))

	end, ok := log.EndOffsetForEpoch(1)
	require.True(t, ok)
	assert.Equal(t, common.OffsetAndEpoch{EndOffset: 2, Epoch: 1}, end)

	// Epoch 2 was skipped; the answer is the end of the closest lower epoch.
	end, ok = log.EndOffsetForEpoch(2)
	require.True(t, ok)
	assert.Equal(t, common.OffsetAndEpoch{EndOffset: 2, Epoch: 1}, end)

	end, ok = log.EndOffsetForEpoch(3)
	require.True(t, ok)
	assert.Equal(t, common.OffsetAndEpoch{EndOffset: 3, Epoch: 3}, end)
}

func Test_LogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	log, err := OpenLog(path, nil)
	require.NoError(t, err)
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 2, 0, "a", "b", "c")))
	require.NoError(t, log.Close())

	log, err = OpenLog(path, nil)
	require.NoError(t, err)
	defer log.Close()
	assert.Equal(t, int64(3), log.EndOffset())
	assert.Equal(t, int32(2), log.LastEpoch())
}

func Test_LogResetToSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapshots, err := snapshot.NewStore(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	log, err := OpenLog(filepath.Join(dir, "log.db"), snapshots)
	require.NoError(t, err)
	defer log.Close()
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 1, 0, "a", "b")))

	id := common.OffsetAndEpoch{EndOffset: 10, Epoch: 2}
	raw, err := snapshots.Create(id)
	require.NoError(t, err)
	require.NoError(t, raw.Append([]byte("state")))
	require.NoError(t, raw.Freeze())

	require.NoError(t, log.ResetToSnapshot(id))
	assert.Equal(t, int64(10), log.StartOffset())
	assert.Equal(t, int64(10), log.EndOffset())
	assert.Equal(t, int32(2), log.LastEpoch())

	latest, ok := log.LatestSnapshotID()
	assert.True(t, ok)
	assert.Equal(t, id, latest)

	// Appends resume from the snapshot boundary.
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 3, 10, "c")))
	assert.Equal(t, int64(11), log.EndOffset())
}

func Test_LogTrimPrefix(t *testing.T) {
	log := openTestLog(t, nil)
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 1, 0, "a", "b")))
	require.NoError(t, log.AppendAsFollower(makeFrame(t, 1, 2, "c", "d")))

	// Only batches wholly below the target are dropped.
	require.NoError(t, log.TrimPrefixTo(3))
	assert.Equal(t, int64(2), log.StartOffset())
	assert.Equal(t, int64(4), log.EndOffset())

	frames, err := log.ReadBatches(2, 1<<20)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func Test_StateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenStateStore(path)
	require.NoError(t, err)

	epoch, err := store.Epoch()
	require.NoError(t, err)
	assert.Equal(t, int32(0), epoch)
	voted, err := store.VotedFor()
	require.NoError(t, err)
	assert.Nil(t, voted)

	candidate := int32(2)
	require.NoError(t, store.SetEpoch(7))
	require.NoError(t, store.SetVotedFor(&candidate))
	require.NoError(t, store.Close())

	store, err = OpenStateStore(path)
	require.NoError(t, err)
	defer store.Close()
	epoch, err = store.Epoch()
	require.NoError(t, err)
	assert.Equal(t, int32(7), epoch)
	voted, err = store.VotedFor()
	require.NoError(t, err)
	require.NotNil(t, voted)
	assert.Equal(t, int32(2), *voted)

	require.NoError(t, store.SetVotedFor(nil))
	voted, err = store.VotedFor()
	require.NoError(t, err)
	assert.Nil(t, voted)
}
