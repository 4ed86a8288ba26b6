package common

import (
	"fmt"
	"sort"
)

// ServerAddress represents a network address of a quorum node (hostname:port)
type ServerAddress string

// Server describes a single quorum node: its logical id and network address.
type Server struct {
	ID         int32
	NetAddress ServerAddress
}

// OffsetAndEpoch identifies a position in the replicated log or a snapshot
// boundary. Snapshots are totally ordered by this pair.
type OffsetAndEpoch struct {
	EndOffset int64
	Epoch     int32
}

func (o OffsetAndEpoch) Less(other OffsetAndEpoch) bool {
	if o.EndOffset != other.EndOffset {
		return o.EndOffset < other.EndOffset
	}
	return o.Epoch < other.Epoch
}

func (o OffsetAndEpoch) String() string {
	return fmt.Sprintf("(endOffset=%d, epoch=%d)", o.EndOffset, o.Epoch)
}

// LeaderAndEpoch is the current leadership knowledge of a node. A nil LeaderID
// means no known leader in that epoch.
type LeaderAndEpoch struct {
	LeaderID *int32
	Epoch    int32
}

func (l LeaderAndEpoch) IsLeader(id int32) bool {
	return l.LeaderID != nil && *l.LeaderID == id
}

func (l LeaderAndEpoch) Equals(other LeaderAndEpoch) bool {
	if l.Epoch != other.Epoch {
		return false
	}
	if (l.LeaderID == nil) != (other.LeaderID == nil) {
		return false
	}
	return l.LeaderID == nil || *l.LeaderID == *other.LeaderID
}

func (l LeaderAndEpoch) String() string {
	if l.LeaderID == nil {
		return fmt.Sprintf("(leader=none, epoch=%d)", l.Epoch)
	}
	return fmt.Sprintf("(leader=%d, epoch=%d)", *l.LeaderID, l.Epoch)
}

// VoterSet is the fixed set of node ids eligible to vote in a given epoch.
// Changes to the voter set must themselves go through the replicated log,
// so the value is immutable once constructed.
type VoterSet struct {
	ids []int32
}

func NewVoterSet(ids []int32) VoterSet {
	seen := make(map[int32]bool, len(ids))
	var unique []int32
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	return VoterSet{ids: unique}
}

func (v VoterSet) Contains(id int32) bool {
	for _, voter := range v.ids {
		if voter == id {
			return true
		}
	}
	return false
}

// IDs returns the voter ids in ascending order.
func (v VoterSet) IDs() []int32 {
	out := make([]int32, len(v.ids))
	copy(out, v.ids)
	return out
}

func (v VoterSet) Size() int {
	return len(v.ids)
}

// Majority is the number of voters required for quorum.
func (v VoterSet) Majority() int {
	return len(v.ids)/2 + 1
}
