package raft

import (
	"fmt"
	"sort"

	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/storage"
)

type StateKind int32

const (
	Unattached StateKind = iota
	Voted
	Candidate
	Follower
	Leader
	Resigned
	Observer
)

func (k StateKind) String() string {
	switch k {
	case Unattached:
		return "unattached"
	case Voted:
		return "voted"
	case Candidate:
		return "candidate"
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	case Resigned:
		return "resigned"
	case Observer:
		return "observer"
	default:
		return fmt.Sprintf("unknown state: %d", int32(k))
	}
}

// replicaState is the leader's view of one voter's replication progress.
type replicaState struct {
	// ackedEnd is the highest end offset the replica has confirmed holding,
	// inferred from its fetch offsets.
	ackedEnd int64
}

// QuorumState tracks epoch, leadership, votes and replication progress. It is
// owned by the driver goroutine: every mutation happens there, which is what
// lets the rest of the struct go lock-free. Epoch and votedFor are persisted
// through the state store before any transition completes, so a restarted
// voter can never vote twice in one epoch.
type QuorumState struct {
	localID int32
	voters  common.VoterSet
	store   *storage.StateStore

	kind          StateKind
	epoch         int32
	leader        *int32
	votedFor      *int32
	votesGranted  map[int32]bool
	replicas      map[int32]*replicaState
	highWatermark int64
}

func newQuorumState(localID int32, voters common.VoterSet, store *storage.StateStore) (*QuorumState, error) {
	epoch, err := store.Epoch()
	if err != nil {
		return nil, fmt.Errorf("restoring epoch: %w", err)
	}
	votedFor, err := store.VotedFor()
	if err != nil {
		return nil, fmt.Errorf("restoring vote: %w", err)
	}
	q := &QuorumState{
		localID:  localID,
		voters:   voters,
		store:    store,
		epoch:    epoch,
		votedFor: votedFor,
	}
	switch {
	case !voters.Contains(localID):
		q.kind = Observer
	case votedFor != nil:
		q.kind = Voted
	default:
		q.kind = Unattached
	}
	return q, nil
}

func (q *QuorumState) Kind() StateKind  { return q.kind }
func (q *QuorumState) Epoch() int32     { return q.epoch }
func (q *QuorumState) LocalID() int32   { return q.localID }
func (q *QuorumState) IsObserver() bool { return !q.voters.Contains(q.localID) }
func (q *QuorumState) Voters() common.VoterSet {
	return q.voters
}

func (q *QuorumState) Leader() *int32 {
	return q.leader
}

func (q *QuorumState) LeaderAndEpoch() common.LeaderAndEpoch {
	return common.LeaderAndEpoch{LeaderID: q.leader, Epoch: q.epoch}
}

func (q *QuorumState) VotedFor() *int32 {
	return q.votedFor
}

func (q *QuorumState) HighWatermark() int64 {
	return q.highWatermark
}

// checkEpoch enforces epoch monotonicity. A regression means the state
// machine has diverged; continuing would risk split-brain.
func (q *QuorumState) checkEpoch(epoch int32) {
	if epoch < q.epoch {
		panic(fmt.Sprintf("fatal: epoch regression from %d to %d", q.epoch, epoch))
	}
}

func (q *QuorumState) persist(epoch int32, votedFor *int32) error {
	if err := q.store.SetEpoch(epoch); err != nil {
		return err
	}
	return q.store.SetVotedFor(votedFor)
}

func (q *QuorumState) transitionToUnattached(epoch int32) error {
	q.checkEpoch(epoch)
	if epoch > q.epoch {
		q.votedFor = nil
	}
	if err := q.persist(epoch, q.votedFor); err != nil {
		return err
	}
	q.epoch = epoch
	q.leader = nil
	q.votesGranted = nil
	q.replicas = nil
	if q.IsObserver() {
		q.kind = Observer
	} else {
		q.kind = Unattached
	}
	return nil
}

func (q *QuorumState) transitionToVoted(epoch int32, candidate int32) error {
	q.checkEpoch(epoch)
	if err := q.persist(epoch, &candidate); err != nil {
		return err
	}
	q.epoch = epoch
	q.votedFor = &candidate
	q.leader = nil
	q.kind = Voted
	return nil
}

func (q *QuorumState) transitionToFollower(epoch int32, leader int32) error {
	q.checkEpoch(epoch)
	if epoch == q.epoch && q.kind == Leader {
		panic(fmt.Sprintf("fatal: leader of epoch %d told to follow %d in the same epoch", epoch, leader))
	}
	if epoch > q.epoch {
		q.votedFor = nil
	}
	if err := q.persist(epoch, q.votedFor); err != nil {
		return err
	}
	q.epoch = epoch
	q.leader = &leader
	q.votesGranted = nil
	q.replicas = nil
	if q.IsObserver() {
		q.kind = Observer
	} else {
		q.kind = Follower
	}
	return nil
}

func (q *QuorumState) transitionToCandidate() error {
	if q.IsObserver() {
		return fmt.Errorf("observer %d cannot become candidate", q.localID)
	}
	if q.kind == Leader {
		return fmt.Errorf("leader cannot transition directly to candidate")
	}
	epoch := q.epoch + 1
	self := q.localID
	if err := q.persist(epoch, &self); err != nil {
		return err
	}
	q.epoch = epoch
	q.votedFor = &self
	q.leader = nil
	q.kind = Candidate
	q.votesGranted = map[int32]bool{self: true}
	return nil
}

func (q *QuorumState) transitionToLeader() error {
	if q.kind != Candidate {
		return fmt.Errorf("invalid transition from %v to leader", q.kind)
	}
	self := q.localID
	q.kind = Leader
	q.leader = &self
	q.votesGranted = nil
	q.replicas = make(map[int32]*replicaState)
	for _, voter := range q.voters.IDs() {
		if voter != self {
			q.replicas[voter] = &replicaState{}
		}
	}
	return nil
}

func (q *QuorumState) transitionToResigned() error {
	if q.kind != Leader {
		return common.ErrNotLeader
	}
	q.kind = Resigned
	q.leader = nil
	q.replicas = nil
	return nil
}

// recordVote notes a vote response. Only the first response per voter counts.
// Returns true once a majority has granted.
func (q *QuorumState) recordVote(voter int32, granted bool) bool {
	if q.kind != Candidate || !q.voters.Contains(voter) {
		return false
	}
	if _, seen := q.votesGranted[voter]; !seen {
		q.votesGranted[voter] = granted
	}
	return q.hasMajorityVotes()
}

func (q *QuorumState) hasMajorityVotes() bool {
	count := 0
	for _, granted := range q.votesGranted {
		if granted {
			count++
		}
	}
	return count >= q.voters.Majority()
}

// updateAckedEnd records a voter's replicated end offset, learned from its
// fetch offset. Observers replicate too but never count toward quorum.
func (q *QuorumState) updateAckedEnd(replica int32, end int64) {
	state, ok := q.replicas[replica]
	if !ok {
		return
	}
	if end > state.ackedEnd {
		state.ackedEnd = end
	}
}

// majorityAckedEnd computes the highest end offset known to be replicated on
// a majority of the voter set, counting the leader's own log end.
func (q *QuorumState) majorityAckedEnd(localEnd int64) int64 {
	ends := []int64{localEnd}
	for _, state := range q.replicas {
		ends = append(ends, state.ackedEnd)
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i] > ends[j] })
	return ends[q.voters.Majority()-1]
}

// setHighWatermark advances the commit boundary. It never moves backwards.
func (q *QuorumState) setHighWatermark(offset int64) {
	if offset > q.highWatermark {
		q.highWatermark = offset
	}
}
