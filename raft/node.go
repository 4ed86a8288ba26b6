package raft

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/snapshot"
	"github.com/kraftlab/kraft/storage"
)

// UncommittableOffset is the sentinel returned by ScheduleAppend when the
// caller's epoch is stale: an offset that can never become committed. Callers
// should retry after observing the new leader.
const UncommittableOffset int64 = math.MaxInt64

// errAwaitingAcks keeps the begin-quorum retry timer armed while some voter
// has not yet acknowledged the current epoch.
var errAwaitingAcks = errors.New("awaiting voter acknowledgements")

const (
	electionTimerKey  = "election"
	fetchTimerKey     = "fetch"
	fetchTimeoutKey   = "fetch-timeout"
	beginQuorumKey    = "begin-quorum"
	eventQueueDepth   = 256
	driverMaxPollWait = 100 * time.Millisecond
)

// Listener receives committed batches and leadership changes, in order, from
// the driver goroutine. The readers passed to HandleCommit and
// HandleLoadSnapshot must be closed by the consumer. HandleLoadSnapshot is
// invoked instead of HandleCommit when the records a listener still needs
// have been compacted into a snapshot; the listener must rebuild its state
// from it.
type Listener[T any] interface {
	HandleCommit(reader *batch.Reader[T])
	HandleLoadSnapshot(reader *snapshot.Reader[T])
	HandleLeaderChange(leader common.LeaderAndEpoch)
	BeginShutdown()
}

type listenerContext[T any] struct {
	listener   Listener[T]
	nextOffset int64
}

type event struct {
	enqueuedMs int64
	op         func()
}

// Client is the public facade of the consensus core. A single driver
// goroutine owns every mutation of epoch, leadership and log state; network
// completions, timer fires, inbound RPCs and client appends all reach it
// through one event queue. Only the batch accumulator (its own mutex) and the
// published leader snapshot are touched from other threads.
type Client[T any] struct {
	cfg       Config
	serde     common.RecordSerde[T]
	log       common.ReplicatedLog
	states    *storage.StateStore
	snapshots *snapshot.Store
	channel   common.NetworkChannel
	pool      *batch.MemoryPool
	quorum    *QuorumState
	timer     *Timer
	metrics   *Metrics

	accMu sync.Mutex
	acc   *batch.Accumulator[T]
	// epochStartOffset is the offset of the first record of the current
	// leadership epoch; the high watermark only advances past it, which is
	// what makes the leader-commit rule hold.
	epochStartOffset int64

	listeners []*listenerContext[T]

	// awaitingBeginQuorum tracks voters that have not yet observed the
	// current leadership, either by acking BeginQuorumEpoch or by fetching.
	awaitingBeginQuorum map[int32]bool

	// pendingSnapshot is an in-progress snapshot transfer from the leader.
	pendingSnapshot *snapshot.FileWriter

	published atomic.Value

	events       chan event
	stopCh       chan struct{}
	doneCh       chan struct{}
	stopOnce     sync.Once
	closeErr     error
	shuttingDown bool
}

func NewClient[T any](
	cfg Config,
	serde common.RecordSerde[T],
	replicatedLog common.ReplicatedLog,
	states *storage.StateStore,
	snapshots *snapshot.Store,
	channel common.NetworkChannel,
) (*Client[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	quorum, err := newQuorumState(cfg.LocalID, cfg.voterSet(), states)
	if err != nil {
		return nil, err
	}
	c := &Client[T]{
		cfg:       cfg,
		serde:     serde,
		log:       replicatedLog,
		states:    states,
		snapshots: snapshots,
		channel:   channel,
		pool:      batch.NewMemoryPool(cfg.MaxRetainedBatches, cfg.MaxBatchSize),
		quorum:    quorum,
		metrics:   &Metrics{},
		events:    make(chan event, eventQueueDepth),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	c.timer = NewTimer(c.enqueue)
	for _, server := range cfg.Cluster {
		channel.UpdateEndpoint(server.ID, server.NetAddress)
	}
	c.published.Store(quorum.LeaderAndEpoch())
	c.metrics.CurrentEpoch.Store(quorum.Epoch())
	c.metrics.CurrentState.Store(quorum.Kind().String())
	c.metrics.LogEndOffset.Store(replicatedLog.EndOffset())

	go c.driverLoop()
	if quorum.IsObserver() {
		c.scheduleFetch(0)
	} else {
		c.resetElectionTimer()
	}
	log.Printf("%d: initialization complete as %v in epoch %d", cfg.LocalID, quorum.Kind(), quorum.Epoch())
	return c, nil
}

// enqueue routes an operation onto the driver goroutine. It reports false
// once shutdown has begun.
func (c *Client[T]) enqueue(op func()) bool {
	ev := event{enqueuedMs: time.Now().UnixMilli(), op: op}
	select {
	case c.events <- ev:
		c.metrics.EventQueueDepth.Inc()
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Client[T]) driverLoop() {
	defer close(c.doneCh)
	for {
		wait := c.pollWait()
		select {
		case <-c.stopCh:
			return
		case ev := <-c.events:
			c.metrics.EventQueueDepth.Dec()
			c.metrics.EventQueueTimeMs.Store(time.Now().UnixMilli() - ev.enqueuedMs)
			ev.op()
		case <-time.After(wait):
		}
		c.poll()
	}
}

// pollWait bounds how long the driver sleeps: until the open batch's linger
// elapses when leading, with a cap so snapshot pruning and metrics stay
// fresh.
func (c *Client[T]) pollWait() time.Duration {
	c.accMu.Lock()
	acc := c.acc
	c.accMu.Unlock()
	if acc == nil {
		return driverMaxPollWait
	}
	remaining := acc.TimeUntilDrain(time.Now().UnixMilli())
	maxMs := int64(driverMaxPollWait / time.Millisecond)
	if remaining > maxMs {
		remaining = maxMs
	}
	if remaining < 1 {
		remaining = 1
	}
	return time.Duration(remaining) * time.Millisecond
}

// poll runs the periodic work of the driver: draining the leader's
// accumulator into the log, advancing the commit boundary and pruning
// superseded snapshots.
func (c *Client[T]) poll() {
	if c.quorum.Kind() == Leader {
		c.drainAccumulator()
		c.updateHighWatermark()
		c.deliverCommitted()
	}
	c.maybePruneSnapshots()
}

func (c *Client[T]) drainAccumulator() {
	c.accMu.Lock()
	acc := c.acc
	c.accMu.Unlock()
	if acc == nil || !acc.NeedsDrain(time.Now().UnixMilli()) {
		return
	}
	for _, completed := range acc.Drain() {
		if err := c.log.AppendAsLeader(completed.Data, completed.BaseOffset, completed.Epoch); err != nil {
			c.fatalf("appending drained batch at offset %d: %v", completed.BaseOffset, err)
		}
		if err := completed.Release(); err != nil {
			log.Printf("%d: releasing drained batch: %v", c.cfg.LocalID, err)
		}
	}
	c.metrics.LogEndOffset.Store(c.log.EndOffset())
}

// maybePruneSnapshots deletes snapshots superseded by the latest one and
// trims the log prefix it covers.
func (c *Client[T]) maybePruneSnapshots() {
	if c.snapshots == nil {
		return
	}
	latest, ok := c.snapshots.Latest()
	if !ok || latest.EndOffset <= c.log.StartOffset() {
		return
	}
	if latest.EndOffset > c.quorum.HighWatermark() {
		return
	}
	if err := c.snapshots.Prune(latest); err != nil {
		log.Printf("%d: pruning snapshots: %v", c.cfg.LocalID, err)
		return
	}
	if err := c.log.TrimPrefixTo(latest.EndOffset); err != nil {
		log.Printf("%d: trimming log to snapshot %v: %v", c.cfg.LocalID, latest, err)
	}
}

// fatalf stops the node rather than risking divergence. Log invariant
// violations are a correctness boundary, not a recoverable condition.
func (c *Client[T]) fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("%d: fatal: %s", c.cfg.LocalID, msg)
	panic("raft: " + msg)
}

// ScheduleAppend buffers records for replication under the given epoch. It
// returns the expected offset of the last record. Records may be split
// across batches but keep their order. A stale epoch yields
// UncommittableOffset and ErrStaleEpoch.
func (c *Client[T]) ScheduleAppend(epoch int32, records []T) (int64, error) {
	return c.scheduleAppend(epoch, records, false)
}

// ScheduleAtomicAppend is ScheduleAppend with the guarantee that either all
// of the records land in a single batch or none are appended.
func (c *Client[T]) ScheduleAtomicAppend(epoch int32, records []T) (int64, error) {
	return c.scheduleAppend(epoch, records, true)
}

func (c *Client[T]) scheduleAppend(epoch int32, records []T, isAtomic bool) (int64, error) {
	c.accMu.Lock()
	acc := c.acc
	c.accMu.Unlock()
	if acc == nil {
		return UncommittableOffset, common.ErrNotLeader
	}
	offset, err := acc.Append(epoch, records, time.Now().UnixMilli(), isAtomic)
	if err != nil {
		if errors.Is(err, common.ErrStaleEpoch) {
			return UncommittableOffset, common.ErrStaleEpoch
		}
		return 0, err
	}
	return offset, nil
}

// Register adds a listener which will observe the current leadership and
// every committed record from the beginning of the retained log, then all
// subsequent commits, in strict offset order.
func (c *Client[T]) Register(listener Listener[T]) {
	c.enqueue(func() {
		// Start from offset zero; delivery bootstraps from the latest
		// snapshot when the prefix has been compacted away.
		ctx := &listenerContext[T]{listener: listener}
		c.listeners = append(c.listeners, ctx)
		listener.HandleLeaderChange(c.published.Load().(common.LeaderAndEpoch))
		c.deliverCommitted()
	})
}

// LeaderAndEpoch returns the current leadership snapshot. Safe from any
// goroutine.
func (c *Client[T]) LeaderAndEpoch() common.LeaderAndEpoch {
	return c.published.Load().(common.LeaderAndEpoch)
}

// HighWatermark is the committed end offset: every record below it is
// durable on a majority of voters.
func (c *Client[T]) HighWatermark() int64 {
	return c.metrics.HighWatermark.Load()
}

func (c *Client[T]) Metrics() *Metrics {
	return c.metrics
}

// CreateSnapshot opens a writer for a snapshot of everything up to but not
// including the given end offset. Snapshots may only cover committed records.
func (c *Client[T]) CreateSnapshot(id common.OffsetAndEpoch) (*snapshot.Writer[T], error) {
	if c.snapshots == nil {
		return nil, fmt.Errorf("no snapshot store configured")
	}
	if id.EndOffset > c.metrics.HighWatermark.Load() {
		return nil, common.ErrOffsetNotCommitted
	}
	raw, err := c.snapshots.Create(id)
	if err != nil {
		return nil, err
	}
	return snapshot.NewWriter(raw, c.serde, c.pool, c.cfg.MaxBatchSize, time.Now().UnixMilli())
}

// LatestSnapshot opens the most recent frozen snapshot, if any. State
// machines use it to bootstrap after the log prefix has been compacted away.
func (c *Client[T]) LatestSnapshot() (*snapshot.Reader[T], error) {
	if c.snapshots == nil {
		return nil, fmt.Errorf("no snapshot store configured")
	}
	id, ok := c.snapshots.Latest()
	if !ok {
		return nil, fmt.Errorf("no snapshot available")
	}
	raw, err := c.snapshots.Open(id)
	if err != nil {
		return nil, err
	}
	return snapshot.NewReader(raw, c.serde)
}

// Resign gives up leadership in the given epoch and notifies the voters so a
// new election starts without waiting out a full timeout. A mismatched epoch
// is a silent no-op: callers may race with an epoch change. A matching epoch
// on a node that is not leader returns ErrNotLeader.
func (c *Client[T]) Resign(epoch int32) error {
	result := make(chan error, 1)
	submitted := c.enqueue(func() {
		switch {
		case c.quorum.Epoch() != epoch:
			result <- nil
		case c.quorum.Kind() != Leader:
			result <- common.ErrNotLeader
		default:
			c.resignLeadership()
			result <- nil
		}
	})
	if !submitted {
		return common.ErrShuttingDown
	}
	select {
	case err := <-result:
		return err
	case <-c.stopCh:
		return common.ErrShuttingDown
	}
}

// Shutdown attempts a graceful resignation within the deadline, then closes
// the node's resources.
func (c *Client[T]) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	submitted := c.enqueue(func() {
		c.shuttingDown = true
		for _, ctx := range c.listeners {
			ctx.listener.BeginShutdown()
		}
		if c.quorum.Kind() == Leader {
			c.resignLeadership()
		}
		close(done)
	})
	if submitted {
		select {
		case <-done:
		case <-time.After(timeout):
			log.Printf("%d: graceful shutdown timed out after %v", c.cfg.LocalID, timeout)
		}
	}
	return c.Close()
}

// Close force-closes the driver, network and storage resources. It is safe
// to call more than once.
func (c *Client[T]) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		c.timer.Close()
		c.accMu.Lock()
		var accErr error
		if c.acc != nil {
			accErr = c.acc.Close()
			c.acc = nil
		}
		c.accMu.Unlock()
		var pendingErr error
		if c.pendingSnapshot != nil {
			pendingErr = c.pendingSnapshot.Close()
			c.pendingSnapshot = nil
		}
		c.closeErr = multierr.Combine(accErr, pendingErr, c.channel.Close(), c.log.Close(), c.states.Close())
	})
	return c.closeErr
}

// publishLeaderChange pushes the current leadership to the atomic snapshot
// and notifies listeners when it actually changed.
func (c *Client[T]) publishLeaderChange() {
	current := c.quorum.LeaderAndEpoch()
	previous := c.published.Load().(common.LeaderAndEpoch)
	c.metrics.CurrentEpoch.Store(c.quorum.Epoch())
	c.metrics.CurrentState.Store(c.quorum.Kind().String())
	c.metrics.ActiveController.Store(current.IsLeader(c.cfg.LocalID))
	if current.Equals(previous) {
		return
	}
	c.published.Store(current)
	log.Printf("%d: leadership changed to %v", c.cfg.LocalID, current)
	for _, ctx := range c.listeners {
		ctx.listener.HandleLeaderChange(current)
	}
}

// sendRequest dispatches an outbound RPC and routes its completion back to
// the driver goroutine.
func (c *Client[T]) sendRequest(destination int32, data common.RequestData, handle func(common.RaftResponse)) {
	req := common.NewRaftRequest(destination, c.channel.NewCorrelationID(), time.Now().UnixMilli(), data)
	c.channel.Send(req)
	go func() {
		select {
		case resp := <-req.Completion.Done():
			c.enqueue(func() { handle(resp) })
		case <-c.stopCh:
		}
	}()
}
