package raft

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/storage"
)

func newTestQuorum(t *testing.T, localID int32, voters ...int32) *QuorumState {
	t.Helper()
	store, err := storage.OpenStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	quorum, err := newQuorumState(localID, common.NewVoterSet(voters), store)
	require.NoError(t, err)
	return quorum
}

func Test_QuorumVoteOncePerEpoch(t *testing.T) {
	quorum := newTestQuorum(t, 0, 0, 1, 2)
	require.NoError(t, quorum.transitionToVoted(1, 1))
	assert.Equal(t, Voted, quorum.Kind())
	require.NotNil(t, quorum.VotedFor())
	assert.Equal(t, int32(1), *quorum.VotedFor())

	// The vote persists for the rest of the epoch.
	require.NoError(t, quorum.transitionToVoted(1, 1))
	assert.Equal(t, int32(1), *quorum.VotedFor())

	// A higher epoch clears the vote.
	require.NoError(t, quorum.transitionToUnattached(2))
	assert.Nil(t, quorum.VotedFor())
}

func Test_QuorumVotePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.OpenStateStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	quorum, err := newQuorumState(0, common.NewVoterSet([]int32{0, 1, 2}), store)
	require.NoError(t, err)
	require.NoError(t, quorum.transitionToVoted(3, 2))
	require.NoError(t, store.Close())

	store, err = storage.OpenStateStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer store.Close()
	quorum, err = newQuorumState(0, common.NewVoterSet([]int32{0, 1, 2}), store)
	require.NoError(t, err)
	assert.Equal(t, int32(3), quorum.Epoch())
	assert.Equal(t, Voted, quorum.Kind())
	require.NotNil(t, quorum.VotedFor())
	assert.Equal(t, int32(2), *quorum.VotedFor())
}

func Test_QuorumMajorityVotes(t *testing.T) {
	quorum := newTestQuorum(t, 0, 0, 1, 2, 3, 4)
	require.NoError(t, quorum.transitionToCandidate())
	assert.Equal(t, int32(1), quorum.Epoch())

	// Self vote plus one is not a majority of five.
	assert.False(t, quorum.recordVote(1, true))
	assert.False(t, quorum.recordVote(2, false))
	// A voter cannot flip its recorded answer.
	assert.False(t, quorum.recordVote(2, true))
	// Non-voters never count.
	assert.False(t, quorum.recordVote(99, true))
	assert.True(t, quorum.recordVote(3, true))
}

func Test_QuorumLeaderTransition(t *testing.T) {
	quorum := newTestQuorum(t, 0, 0, 1, 2)
	// Only a candidate may become leader.
	assert.Error(t, quorum.transitionToLeader())

	require.NoError(t, quorum.transitionToCandidate())
	require.True(t, quorum.recordVote(1, true))
	require.NoError(t, quorum.transitionToLeader())
	assert.Equal(t, Leader, quorum.Kind())
	require.NotNil(t, quorum.Leader())
	assert.Equal(t, int32(0), *quorum.Leader())
}

func Test_QuorumMajorityAckedEnd(t *testing.T) {
	quorum := newTestQuorum(t, 0, 0, 1, 2)
	require.NoError(t, quorum.transitionToCandidate())
	require.True(t, quorum.recordVote(1, true))
	require.NoError(t, quorum.transitionToLeader())

	// Only the local log has the records.
	assert.Equal(t, int64(0), quorum.majorityAckedEnd(10))
	quorum.updateAckedEnd(1, 4)
	assert.Equal(t, int64(4), quorum.majorityAckedEnd(10))
	quorum.updateAckedEnd(2, 7)
	assert.Equal(t, int64(7), quorum.majorityAckedEnd(10))
	// Acked offsets never move backwards.
	quorum.updateAckedEnd(2, 3)
	assert.Equal(t, int64(7), quorum.majorityAckedEnd(10))
}

func Test_QuorumHighWatermarkMonotonic(t *testing.T) {
	quorum := newTestQuorum(t, 0, 0, 1, 2)
	quorum.setHighWatermark(5)
	assert.Equal(t, int64(5), quorum.HighWatermark())
	quorum.setHighWatermark(3)
	assert.Equal(t, int64(5), quorum.HighWatermark())
	quorum.setHighWatermark(9)
	assert.Equal(t, int64(9), quorum.HighWatermark())
}

func Test_QuorumEpochRegressionPanics(t *testing.T) {
	quorum := newTestQuorum(t, 0, 0, 1, 2)
	require.NoError(t, quorum.transitionToUnattached(5))
	assert.Panics(t, func() { _ = quorum.transitionToUnattached(4) })
}

func Test_ObserverNeverVotes(t *testing.T) {
	quorum := newTestQuorum(t, 9, 0, 1, 2)
	assert.Equal(t, Observer, quorum.Kind())
	assert.True(t, quorum.IsObserver())
	assert.Error(t, quorum.transitionToCandidate())
}
