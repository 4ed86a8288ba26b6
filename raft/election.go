package raft

import (
	"log"
	"math/rand"
	"time"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/transport"
)

var _ transport.Handler = &Client[struct{}]{}

// dispatchInbound runs op on the driver goroutine and waits for its result.
// Inbound RPC goroutines must never touch quorum state directly.
func dispatchInbound[T any, R any](c *Client[T], op func() R) (R, error) {
	result := make(chan R, 1)
	if !c.enqueue(func() { result <- op() }) {
		var zero R
		return zero, common.ErrShuttingDown
	}
	select {
	case r := <-result:
		return r, nil
	case <-c.stopCh:
		var zero R
		return zero, common.ErrShuttingDown
	}
}

// resetElectionTimer schedules the next election attempt with random jitter
// so that concurrent candidates rarely split the vote twice in a row.
func (c *Client[T]) resetElectionTimer() {
	delay := c.cfg.ElectionTimeout + time.Duration(rand.Int63n(int64(c.cfg.ElectionTimeout)))
	c.timer.Schedule(electionTimerKey, delay, false, func() error {
		c.handleElectionTimeout()
		return nil
	})
}

func (c *Client[T]) handleElectionTimeout() {
	if c.shuttingDown || c.quorum.IsObserver() || c.quorum.Kind() == Leader {
		return
	}
	c.becomeCandidate()
}

func (c *Client[T]) becomeCandidate() {
	if err := c.quorum.transitionToCandidate(); err != nil {
		log.Printf("%d: cannot start election: %v", c.cfg.LocalID, err)
		c.resetElectionTimer()
		return
	}
	epoch := c.quorum.Epoch()
	log.Printf("%d: starting election for epoch %d", c.cfg.LocalID, epoch)
	c.clearLeaderState()
	c.publishLeaderChange()
	c.resetElectionTimer()
	if c.quorum.hasMajorityVotes() {
		c.becomeLeader()
		return
	}
	req := &common.VoteRequest{
		Epoch:         epoch,
		CandidateID:   c.cfg.LocalID,
		LastLogOffset: c.log.EndOffset(),
		LastLogEpoch:  c.log.LastEpoch(),
	}
	for _, voter := range c.quorum.Voters().IDs() {
		if voter == c.cfg.LocalID {
			continue
		}
		voter := voter
		c.sendRequest(voter, req, func(resp common.RaftResponse) {
			c.handleVoteResponse(voter, epoch, resp)
		})
	}
}

func (c *Client[T]) handleVoteResponse(source int32, requestEpoch int32, resp common.RaftResponse) {
	if resp.Err != nil {
		return
	}
	data, ok := resp.Data.(*common.VoteResponse)
	if !ok {
		return
	}
	if data.Epoch > c.quorum.Epoch() {
		c.stepDownToUnattached(data.Epoch)
		return
	}
	if c.quorum.Kind() != Candidate || c.quorum.Epoch() != requestEpoch {
		return
	}
	if c.quorum.recordVote(source, data.Granted) {
		c.becomeLeader()
	}
}

// becomeLeader installs the accumulator for the new epoch and appends a
// leader change control record. That record occupies the epoch's first
// offset, so committing it commits every earlier entry as well.
func (c *Client[T]) becomeLeader() {
	if err := c.quorum.transitionToLeader(); err != nil {
		log.Printf("%d: cannot assume leadership: %v", c.cfg.LocalID, err)
		return
	}
	c.timer.Cancel(electionTimerKey)
	c.timer.Cancel(fetchTimerKey)
	c.timer.Cancel(fetchTimeoutKey)

	epoch := c.quorum.Epoch()
	c.epochStartOffset = c.log.EndOffset()
	acc, err := batch.NewAccumulator(epoch, c.epochStartOffset, c.cfg.MaxBatchSize, c.cfg.AppendLinger.Milliseconds(), c.pool, c.serde)
	if err != nil {
		c.fatalf("creating accumulator for epoch %d: %v", epoch, err)
	}
	now := time.Now().UnixMilli()
	if err := acc.AppendLeaderChangeRecord(batch.LeaderChangeRecord{LeaderID: c.cfg.LocalID}, now); err != nil {
		c.fatalf("appending leader change record: %v", err)
	}
	acc.ForceDrain()
	c.accMu.Lock()
	c.acc = acc
	c.accMu.Unlock()
	c.drainAccumulator()

	log.Printf("%d: became leader in epoch %d at offset %d", c.cfg.LocalID, epoch, c.epochStartOffset)
	c.publishLeaderChange()
	c.broadcastBeginQuorum(epoch)
	c.updateHighWatermark()
	c.deliverCommitted()
}

// broadcastBeginQuorum announces leadership to the other voters and keeps
// retrying until each of them has either acknowledged or fetched in this
// epoch.
func (c *Client[T]) broadcastBeginQuorum(epoch int32) {
	c.awaitingBeginQuorum = make(map[int32]bool)
	for _, voter := range c.quorum.Voters().IDs() {
		if voter != c.cfg.LocalID {
			c.awaitingBeginQuorum[voter] = true
		}
	}
	if len(c.awaitingBeginQuorum) == 0 {
		return
	}
	c.sendBeginQuorum(epoch)
	c.timer.Schedule(beginQuorumKey, c.cfg.FetchInterval, true, func() error {
		if c.quorum.Kind() != Leader || c.quorum.Epoch() != epoch || len(c.awaitingBeginQuorum) == 0 {
			return nil
		}
		c.sendBeginQuorum(epoch)
		return errAwaitingAcks
	})
}

func (c *Client[T]) sendBeginQuorum(epoch int32) {
	req := &common.BeginQuorumEpochRequest{Epoch: epoch, LeaderID: c.cfg.LocalID}
	for voter := range c.awaitingBeginQuorum {
		voter := voter
		c.sendRequest(voter, req, func(resp common.RaftResponse) {
			c.handleBeginQuorumResponse(voter, epoch, resp)
		})
	}
}

func (c *Client[T]) handleBeginQuorumResponse(source int32, requestEpoch int32, resp common.RaftResponse) {
	if resp.Err != nil {
		return
	}
	data, ok := resp.Data.(*common.BeginQuorumEpochResponse)
	if !ok {
		return
	}
	if data.Epoch > c.quorum.Epoch() {
		c.stepDownToUnattached(data.Epoch)
		return
	}
	if c.quorum.Kind() == Leader && c.quorum.Epoch() == requestEpoch {
		c.ackBeginQuorum(source)
	}
}

func (c *Client[T]) ackBeginQuorum(voter int32) {
	if c.awaitingBeginQuorum == nil {
		return
	}
	delete(c.awaitingBeginQuorum, voter)
	if len(c.awaitingBeginQuorum) == 0 {
		c.timer.Cancel(beginQuorumKey)
	}
}

// stepDownToUnattached handles the discovery of a higher epoch from any
// response or request.
func (c *Client[T]) stepDownToUnattached(epoch int32) {
	if err := c.quorum.transitionToUnattached(epoch); err != nil {
		c.fatalf("stepping down to epoch %d: %v", epoch, err)
	}
	c.clearLeaderState()
	c.publishLeaderChange()
	if c.quorum.IsObserver() {
		c.scheduleFetch(c.cfg.FetchInterval)
	} else {
		c.resetElectionTimer()
	}
}

// becomeFollower starts fetching from the given leader.
func (c *Client[T]) becomeFollower(epoch int32, leader int32) {
	if err := c.quorum.transitionToFollower(epoch, leader); err != nil {
		c.fatalf("following %d in epoch %d: %v", leader, epoch, err)
	}
	c.clearLeaderState()
	c.timer.Cancel(electionTimerKey)
	c.publishLeaderChange()
	c.scheduleFetch(0)
	c.resetFetchTimeout()
}

// clearLeaderState drops the accumulator and leader bookkeeping after losing
// or resigning leadership. Buffered records that never reached the log are
// released; their offsets were never committed.
func (c *Client[T]) clearLeaderState() {
	c.accMu.Lock()
	acc := c.acc
	c.acc = nil
	c.accMu.Unlock()
	if acc != nil {
		if err := acc.Close(); err != nil {
			log.Printf("%d: discarding buffered appends: %v", c.cfg.LocalID, err)
		}
	}
	c.awaitingBeginQuorum = nil
	c.timer.Cancel(beginQuorumKey)
}

// resignLeadership broadcasts EndQuorumEpoch so the voters elect a successor
// without waiting out their fetch timeouts.
func (c *Client[T]) resignLeadership() {
	epoch := c.quorum.Epoch()
	log.Printf("%d: resigning leadership of epoch %d", c.cfg.LocalID, epoch)
	if err := c.quorum.transitionToResigned(); err != nil {
		log.Printf("%d: resign failed: %v", c.cfg.LocalID, err)
		return
	}
	c.clearLeaderState()
	c.publishLeaderChange()
	req := &common.EndQuorumEpochRequest{Epoch: epoch, LeaderID: c.cfg.LocalID}
	for _, voter := range c.quorum.Voters().IDs() {
		if voter != c.cfg.LocalID {
			c.sendRequest(voter, req, func(resp common.RaftResponse) {})
		}
	}
	if !c.shuttingDown {
		c.resetElectionTimer()
	}
}

func (c *Client[T]) HandleVote(req *common.VoteRequest) (*common.VoteResponse, error) {
	return dispatchInbound(c, func() *common.VoteResponse {
		if req.Epoch > c.quorum.Epoch() {
			c.stepDownToUnattached(req.Epoch)
		}
		granted := false
		if req.Epoch == c.quorum.Epoch() && !c.quorum.IsObserver() {
			granted = c.maybeGrantVote(req)
		}
		return &common.VoteResponse{Epoch: c.quorum.Epoch(), Granted: granted}
	})
}

// maybeGrantVote applies the vote-once rule and the log comparison: a vote
// is granted only when no leader is known in this epoch, no conflicting vote
// has been cast, and the candidate's log is at least as up to date as ours.
func (c *Client[T]) maybeGrantVote(req *common.VoteRequest) bool {
	switch c.quorum.Kind() {
	case Leader, Candidate, Follower:
		return false
	}
	if votedFor := c.quorum.VotedFor(); votedFor != nil && *votedFor != req.CandidateID {
		return false
	}
	lastEpoch := c.log.LastEpoch()
	if req.LastLogEpoch < lastEpoch {
		return false
	}
	if req.LastLogEpoch == lastEpoch && req.LastLogOffset < c.log.EndOffset() {
		return false
	}
	if err := c.quorum.transitionToVoted(req.Epoch, req.CandidateID); err != nil {
		log.Printf("%d: recording vote for %d: %v", c.cfg.LocalID, req.CandidateID, err)
		return false
	}
	c.publishLeaderChange()
	c.resetElectionTimer()
	return true
}

func (c *Client[T]) HandleBeginQuorumEpoch(req *common.BeginQuorumEpochRequest) (*common.BeginQuorumEpochResponse, error) {
	return dispatchInbound(c, func() *common.BeginQuorumEpochResponse {
		if req.Epoch >= c.quorum.Epoch() {
			leader := c.quorum.Leader()
			if req.Epoch > c.quorum.Epoch() || leader == nil || *leader != req.LeaderID {
				c.becomeFollower(req.Epoch, req.LeaderID)
			}
		}
		return &common.BeginQuorumEpochResponse{Epoch: c.quorum.Epoch()}
	})
}

func (c *Client[T]) HandleEndQuorumEpoch(req *common.EndQuorumEpochRequest) (*common.EndQuorumEpochResponse, error) {
	return dispatchInbound(c, func() *common.EndQuorumEpochResponse {
		leader := c.quorum.Leader()
		if req.Epoch == c.quorum.Epoch() && leader != nil && *leader == req.LeaderID && !c.quorum.IsObserver() {
			// The leader is stepping down. Elect eagerly with a short
			// randomized delay instead of waiting out the fetch timeout.
			delay := time.Duration(rand.Int63n(int64(c.cfg.FetchInterval) + 1))
			c.timer.Cancel(fetchTimerKey)
			c.timer.Cancel(fetchTimeoutKey)
			c.timer.Schedule(electionTimerKey, delay, false, func() error {
				c.handleElectionTimeout()
				return nil
			})
		}
		return &common.EndQuorumEpochResponse{Epoch: c.quorum.Epoch()}
	})
}
