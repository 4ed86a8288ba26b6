package raft

import (
	"errors"
	"log"
	"time"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/snapshot"
)

func (c *Client[T]) scheduleFetch(delay time.Duration) {
	c.timer.Schedule(fetchTimerKey, delay, false, func() error {
		c.maybeSendFetch()
		return nil
	})
}

// resetFetchTimeout arms the failure detector: a follower that cannot
// complete a fetch within the timeout assumes the leader is gone and starts
// an election. Observers instead forget the leader and probe the voters.
func (c *Client[T]) resetFetchTimeout() {
	c.timer.Schedule(fetchTimeoutKey, c.cfg.FetchTimeout, false, func() error {
		c.handleFetchTimeout()
		return nil
	})
}

func (c *Client[T]) handleFetchTimeout() {
	if c.shuttingDown {
		return
	}
	switch c.quorum.Kind() {
	case Follower:
		log.Printf("%d: fetch timed out, leader %v presumed gone", c.cfg.LocalID, c.quorum.Leader())
		c.becomeCandidate()
	case Observer:
		if err := c.quorum.transitionToUnattached(c.quorum.Epoch()); err != nil {
			log.Printf("%d: forgetting leader: %v", c.cfg.LocalID, err)
			return
		}
		c.publishLeaderChange()
		c.scheduleFetch(0)
	}
}

func (c *Client[T]) maybeSendFetch() {
	if c.shuttingDown {
		return
	}
	kind := c.quorum.Kind()
	if kind != Follower && kind != Observer {
		return
	}
	destination, ok := c.fetchDestination()
	if !ok {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	epoch := c.quorum.Epoch()
	req := &common.FetchRequest{
		Epoch:            epoch,
		ReplicaID:        c.cfg.LocalID,
		FetchOffset:      c.log.EndOffset(),
		LastFetchedEpoch: c.log.LastEpoch(),
		MaxBytes:         int32(c.cfg.MaxFetchBytes),
	}
	c.sendRequest(destination, req, func(resp common.RaftResponse) {
		c.handleFetchResponse(epoch, resp)
	})
}

// fetchDestination picks the known leader, or probes an arbitrary voter when
// the leader is unknown (observers bootstrap this way, learning the leader
// from the response).
func (c *Client[T]) fetchDestination() (int32, bool) {
	if leader := c.quorum.Leader(); leader != nil {
		return *leader, true
	}
	for _, voter := range c.quorum.Voters().IDs() {
		if voter != c.cfg.LocalID {
			return voter, true
		}
	}
	return 0, false
}

func (c *Client[T]) handleFetchResponse(requestEpoch int32, resp common.RaftResponse) {
	kind := c.quorum.Kind()
	if kind != Follower && kind != Observer {
		return
	}
	if resp.Err != nil {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	data, ok := resp.Data.(*common.FetchResponse)
	if !ok {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	if data.Epoch > c.quorum.Epoch() {
		if data.LeaderID != nil {
			c.becomeFollower(data.Epoch, *data.LeaderID)
		} else {
			c.stepDownToUnattached(data.Epoch)
		}
		return
	}
	if data.Epoch < c.quorum.Epoch() || requestEpoch != c.quorum.Epoch() {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	if c.quorum.Leader() == nil && data.LeaderID != nil {
		c.becomeFollower(data.Epoch, *data.LeaderID)
		return
	}
	if data.DivergingEnd != nil {
		c.truncateToDivergence(*data.DivergingEnd)
		c.resetFetchTimeout()
		c.scheduleFetch(0)
		return
	}
	if data.SnapshotID != nil {
		c.resetFetchTimeout()
		c.fetchSnapshotChunk(*data.SnapshotID)
		return
	}
	for _, frame := range data.Batches {
		if err := c.log.AppendAsFollower(frame); err != nil {
			if errors.Is(err, common.ErrEpochRegression) {
				c.fatalf("replicated batch regresses epoch: %v", err)
			}
			log.Printf("%d: appending fetched batch: %v", c.cfg.LocalID, err)
			c.scheduleFetch(c.cfg.FetchInterval)
			return
		}
	}
	c.metrics.LogEndOffset.Store(c.log.EndOffset())
	hw := data.HighWatermark
	if end := c.log.EndOffset(); hw > end {
		hw = end
	}
	c.quorum.setHighWatermark(hw)
	c.metrics.HighWatermark.Store(c.quorum.HighWatermark())
	c.deliverCommitted()
	c.resetFetchTimeout()
	if len(data.Batches) > 0 {
		c.scheduleFetch(0)
	} else {
		c.scheduleFetch(c.cfg.FetchInterval)
	}
}

// truncateToDivergence removes the log suffix the leader does not have. The
// truncation point can never reach below the high watermark: committed
// records are on a majority and a leader without them could not have won.
func (c *Client[T]) truncateToDivergence(divergingEnd common.OffsetAndEpoch) {
	target := divergingEnd.EndOffset
	if end := c.log.EndOffset(); end < target {
		target = end
	}
	if target < c.quorum.HighWatermark() {
		c.fatalf("divergence at %d below high watermark %d", target, c.quorum.HighWatermark())
	}
	log.Printf("%d: truncating log from %d to diverging end %v", c.cfg.LocalID, c.log.EndOffset(), divergingEnd)
	if err := c.log.TruncateTo(target); err != nil {
		c.fatalf("truncating to %d: %v", target, err)
	}
	c.metrics.LogEndOffset.Store(c.log.EndOffset())
}

// fetchSnapshotChunk continues (or starts) transferring the snapshot the
// leader redirected us to.
func (c *Client[T]) fetchSnapshotChunk(id common.OffsetAndEpoch) {
	if c.pendingSnapshot != nil && c.pendingSnapshot.SnapshotID() != id {
		// The leader now advertises a newer snapshot; discard the partial one.
		if err := c.pendingSnapshot.Close(); err != nil {
			log.Printf("%d: discarding partial snapshot: %v", c.cfg.LocalID, err)
		}
		c.pendingSnapshot = nil
	}
	if c.pendingSnapshot == nil {
		if c.snapshots == nil {
			c.fatalf("leader advertised snapshot %v but no snapshot store is configured", id)
		}
		writer, err := c.snapshots.Create(id)
		if err != nil {
			log.Printf("%d: creating snapshot %v: %v", c.cfg.LocalID, id, err)
			c.scheduleFetch(c.cfg.FetchInterval)
			return
		}
		c.pendingSnapshot = writer
		log.Printf("%d: fetching snapshot %v from leader", c.cfg.LocalID, id)
	}
	leader := c.quorum.Leader()
	if leader == nil {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	epoch := c.quorum.Epoch()
	req := &common.FetchSnapshotRequest{
		Epoch:      epoch,
		ReplicaID:  c.cfg.LocalID,
		SnapshotID: id,
		Position:   c.pendingSnapshot.SizeInBytes(),
		MaxBytes:   int32(c.cfg.MaxFetchBytes),
	}
	c.sendRequest(*leader, req, func(resp common.RaftResponse) {
		c.handleFetchSnapshotResponse(epoch, id, resp)
	})
}

func (c *Client[T]) handleFetchSnapshotResponse(requestEpoch int32, id common.OffsetAndEpoch, resp common.RaftResponse) {
	if resp.Err != nil {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	data, ok := resp.Data.(*common.FetchSnapshotResponse)
	if !ok {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	if data.Epoch > c.quorum.Epoch() {
		c.stepDownToUnattached(data.Epoch)
		return
	}
	if requestEpoch != c.quorum.Epoch() || c.pendingSnapshot == nil || c.pendingSnapshot.SnapshotID() != id {
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	if err := c.pendingSnapshot.AppendRaw(data.Position, data.Bytes); err != nil {
		log.Printf("%d: writing snapshot chunk at %d: %v", c.cfg.LocalID, data.Position, err)
		_ = c.pendingSnapshot.Close()
		c.pendingSnapshot = nil
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	if c.pendingSnapshot.SizeInBytes() < data.Size {
		c.fetchSnapshotChunk(id)
		return
	}
	c.finishSnapshotFetch(id)
}

// finishSnapshotFetch freezes the transferred snapshot and resets the log to
// start after it.
func (c *Client[T]) finishSnapshotFetch(id common.OffsetAndEpoch) {
	if err := c.pendingSnapshot.Freeze(); err != nil {
		log.Printf("%d: freezing fetched snapshot %v: %v", c.cfg.LocalID, id, err)
		_ = c.pendingSnapshot.Close()
		c.pendingSnapshot = nil
		c.scheduleFetch(c.cfg.FetchInterval)
		return
	}
	c.pendingSnapshot = nil
	if err := c.log.ResetToSnapshot(id); err != nil {
		c.fatalf("resetting log to snapshot %v: %v", id, err)
	}
	log.Printf("%d: bootstrapped from snapshot %v", c.cfg.LocalID, id)
	c.metrics.LogEndOffset.Store(c.log.EndOffset())
	c.quorum.setHighWatermark(id.EndOffset)
	c.metrics.HighWatermark.Store(c.quorum.HighWatermark())
	c.deliverCommitted()
	c.resetFetchTimeout()
	c.scheduleFetch(0)
}

// updateHighWatermark advances the commit boundary to the majority-replicated
// end offset. Only offsets past the current epoch's first record qualify:
// entries from earlier epochs commit implicitly once an own-epoch record does.
func (c *Client[T]) updateHighWatermark() {
	if c.quorum.Kind() != Leader {
		return
	}
	candidate := c.quorum.majorityAckedEnd(c.log.EndOffset())
	if candidate <= c.epochStartOffset {
		return
	}
	c.quorum.setHighWatermark(candidate)
	c.metrics.HighWatermark.Store(c.quorum.HighWatermark())
}

// deliverCommitted pushes newly committed batches to every listener, in
// offset order, at most once each.
func (c *Client[T]) deliverCommitted() {
	hw := c.quorum.HighWatermark()
	for _, ctx := range c.listeners {
		c.deliverTo(ctx, hw)
	}
}

func (c *Client[T]) deliverTo(ctx *listenerContext[T], hw int64) {
	if start := c.log.StartOffset(); ctx.nextOffset < start {
		if !c.deliverSnapshotTo(ctx) {
			return
		}
	}
	for ctx.nextOffset < hw {
		frames, err := c.log.ReadBatches(ctx.nextOffset, c.cfg.MaxFetchBytes)
		if err != nil {
			log.Printf("%d: reading committed batches at %d: %v", c.cfg.LocalID, ctx.nextOffset, err)
			return
		}
		if len(frames) == 0 {
			return
		}
		var batches []batch.Batch[T]
		base := ctx.nextOffset
		last := ctx.nextOffset - 1
		for _, frame := range frames {
			header, err := batch.PeekHeader(frame)
			if err != nil {
				c.fatalf("corrupt batch frame at %d: %v", ctx.nextOffset, err)
			}
			// Deliver whole batches only, and only below the commit boundary.
			if header.EndOffset() > hw {
				break
			}
			decoded, control, err := batch.Decode(c.serde, frame)
			if err != nil {
				c.fatalf("decoding batch at %d: %v", header.BaseOffset, err)
			}
			if !control {
				batches = append(batches, decoded)
			}
			last = header.LastOffset()
		}
		if last < base {
			return
		}
		if len(batches) > 0 {
			ctx.listener.HandleCommit(batch.NewReader(batches, base, last, nil))
		}
		ctx.nextOffset = last + 1
	}
}

// deliverSnapshotTo hands the latest snapshot to a listener whose next
// offset has been compacted out of the log.
func (c *Client[T]) deliverSnapshotTo(ctx *listenerContext[T]) bool {
	if c.snapshots == nil {
		return false
	}
	id, ok := c.snapshots.Latest()
	if !ok || id.EndOffset <= ctx.nextOffset {
		return false
	}
	raw, err := c.snapshots.Open(id)
	if err != nil {
		log.Printf("%d: opening snapshot %v for listener: %v", c.cfg.LocalID, id, err)
		return false
	}
	reader, err := snapshot.NewReader(raw, c.serde)
	if err != nil {
		log.Printf("%d: reading snapshot %v for listener: %v", c.cfg.LocalID, id, err)
		raw.Close()
		return false
	}
	ctx.listener.HandleLoadSnapshot(reader)
	ctx.nextOffset = id.EndOffset
	return true
}

func (c *Client[T]) HandleFetch(req *common.FetchRequest) (*common.FetchResponse, error) {
	return dispatchInbound(c, func() *common.FetchResponse {
		if req.Epoch > c.quorum.Epoch() {
			c.stepDownToUnattached(req.Epoch)
		}
		resp := &common.FetchResponse{
			Epoch:         c.quorum.Epoch(),
			LeaderID:      c.quorum.Leader(),
			HighWatermark: c.quorum.HighWatermark(),
		}
		if c.quorum.Kind() != Leader || req.Epoch != c.quorum.Epoch() {
			return resp
		}
		c.ackBeginQuorum(req.ReplicaID)
		if req.FetchOffset < c.log.StartOffset() {
			// The requested prefix has been compacted away.
			if id, ok := c.log.LatestSnapshotID(); ok {
				resp.SnapshotID = &id
			}
			return resp
		}
		if diverging, ok := c.checkDivergence(req.FetchOffset, req.LastFetchedEpoch); ok {
			resp.DivergingEnd = &diverging
			return resp
		}
		c.quorum.updateAckedEnd(req.ReplicaID, req.FetchOffset)
		c.updateHighWatermark()
		c.deliverCommitted()
		resp.HighWatermark = c.quorum.HighWatermark()
		if req.FetchOffset < c.log.EndOffset() {
			maxBytes := int(req.MaxBytes)
			if maxBytes <= 0 || maxBytes > c.cfg.MaxFetchBytes {
				maxBytes = c.cfg.MaxFetchBytes
			}
			frames, err := c.log.ReadBatches(req.FetchOffset, maxBytes)
			if err != nil {
				log.Printf("%d: reading batches for replica %d at %d: %v", c.cfg.LocalID, req.ReplicaID, req.FetchOffset, err)
				return resp
			}
			resp.Batches = frames
		}
		return resp
	})
}

// checkDivergence applies the log matching check to a fetch position. The
// replica's (FetchOffset, LastFetchedEpoch) must agree with this log's view
// of that epoch; otherwise it is told where that epoch really ends.
func (c *Client[T]) checkDivergence(fetchOffset int64, lastFetchedEpoch int32) (common.OffsetAndEpoch, bool) {
	if fetchOffset == c.log.StartOffset() {
		return common.OffsetAndEpoch{}, false
	}
	end, ok := c.log.EndOffsetForEpoch(lastFetchedEpoch)
	if !ok {
		return common.OffsetAndEpoch{}, false
	}
	if end.Epoch != lastFetchedEpoch || end.EndOffset < fetchOffset {
		return end, true
	}
	return common.OffsetAndEpoch{}, false
}

func (c *Client[T]) HandleFetchSnapshot(req *common.FetchSnapshotRequest) (*common.FetchSnapshotResponse, error) {
	return dispatchInbound(c, func() *common.FetchSnapshotResponse {
		if req.Epoch > c.quorum.Epoch() {
			c.stepDownToUnattached(req.Epoch)
		}
		resp := &common.FetchSnapshotResponse{Epoch: c.quorum.Epoch()}
		if c.quorum.Kind() != Leader || req.Epoch != c.quorum.Epoch() || c.snapshots == nil {
			return resp
		}
		reader, err := c.snapshots.Open(req.SnapshotID)
		if err != nil {
			log.Printf("%d: opening snapshot %v for replica %d: %v", c.cfg.LocalID, req.SnapshotID, req.ReplicaID, err)
			return resp
		}
		defer reader.Close()
		maxBytes := int(req.MaxBytes)
		if maxBytes <= 0 || maxBytes > c.cfg.MaxFetchBytes {
			maxBytes = c.cfg.MaxFetchBytes
		}
		chunk, err := reader.Slice(req.Position, maxBytes)
		if err != nil {
			log.Printf("%d: reading snapshot %v at %d: %v", c.cfg.LocalID, req.SnapshotID, req.Position, err)
			return resp
		}
		resp.Size = reader.SizeInBytes()
		resp.Position = req.Position
		resp.Bytes = chunk
		return resp
	})
}
