package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_VoterSetMajority(t *testing.T) {
	assert.Equal(t, 1, NewVoterSet([]int32{0}).Majority())
	assert.Equal(t, 2, NewVoterSet([]int32{0, 1, 2}).Majority())
	assert.Equal(t, 3, NewVoterSet([]int32{0, 1, 2, 3}).Majority())
	assert.Equal(t, 3, NewVoterSet([]int32{0, 1, 2, 3, 4}).Majority())
}

func Test_VoterSetDeduplicatesAndSorts(t *testing.T) {
	set := NewVoterSet([]int32{3, 1, 3, 2, 1})
	assert.Equal(t, []int32{1, 2, 3}, set.IDs())
	assert.Equal(t, 3, set.Size())
	assert.True(t, set.Contains(2))
	assert.False(t, set.Contains(4))
}

func Test_OffsetAndEpochOrdering(t *testing.T) {
	a := OffsetAndEpoch{EndOffset: 10, Epoch: 1}
	b := OffsetAndEpoch{EndOffset: 10, Epoch: 2}
	c := OffsetAndEpoch{EndOffset: 20, Epoch: 1}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
}

func Test_LeaderAndEpochEquality(t *testing.T) {
	one, two := int32(1), int32(1)
	assert.True(t, LeaderAndEpoch{LeaderID: &one, Epoch: 3}.Equals(LeaderAndEpoch{LeaderID: &two, Epoch: 3}))
	assert.False(t, LeaderAndEpoch{LeaderID: &one, Epoch: 3}.Equals(LeaderAndEpoch{Epoch: 3}))
	assert.False(t, LeaderAndEpoch{Epoch: 3}.Equals(LeaderAndEpoch{Epoch: 4}))
	assert.True(t, LeaderAndEpoch{Epoch: 4}.Equals(LeaderAndEpoch{Epoch: 4}))
	assert.True(t, LeaderAndEpoch{LeaderID: &one, Epoch: 3}.IsLeader(1))
	assert.False(t, LeaderAndEpoch{Epoch: 3}.IsLeader(1))
}
