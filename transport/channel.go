package transport

import (
	"log"
	"net"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kraftlab/kraft/common"
)

const (
	sendQueueDepth = 1024
	dialTimeout    = 1 * time.Second

	// requestTimeout bounds how long a request may remain in flight,
	// anchored at its creation time so queueing delay counts against it.
	// Expiry completes the future with ErrRequestTimedOut and drops the
	// destination's connection.
	requestTimeout = 2 * time.Second
)

// Channel dispatches quorum RPCs to peer nodes over net/rpc. Each request is
// dispatched on its own goroutine under the request timeout, so an
// unresponsive destination never delays requests to healthy ones; callers
// always get a response on the request's future, synthetic on any transport
// failure. Endpoints map logical node ids to network addresses and may be
// updated at any time.
type Channel struct {
	correlation atomic.Int32
	table       *correlationTable

	mu        sync.Mutex
	endpoints map[int32]common.ServerAddress
	clients   map[int32]*rpc.Client

	sendCh chan *common.RaftRequest
	stopCh chan struct{}
	done   sync.WaitGroup
}

var _ common.NetworkChannel = &Channel{}

func NewChannel() *Channel {
	c := &Channel{
		table:     newCorrelationTable(),
		endpoints: make(map[int32]common.ServerAddress),
		clients:   make(map[int32]*rpc.Client),
		sendCh:    make(chan *common.RaftRequest, sendQueueDepth),
		stopCh:    make(chan struct{}),
	}
	c.done.Add(1)
	go c.sendLoop()
	return c
}

// NewCorrelationID returns the next correlation id. Uniqueness per channel
// instance is the only contract.
func (c *Channel) NewCorrelationID() int32 {
	return c.correlation.Inc() - 1
}

func (c *Channel) UpdateEndpoint(id int32, address common.ServerAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.clients[id]; ok && c.endpoints[id] != address {
		old.Close()
		delete(c.clients, id)
	}
	c.endpoints[id] = address
}

// Send queues a request for the send goroutine. An unknown destination
// completes the future immediately with a node-not-available error rather
// than blocking or dropping silently.
func (c *Channel) Send(req *common.RaftRequest) {
	c.mu.Lock()
	_, known := c.endpoints[req.Destination]
	c.mu.Unlock()
	if !known {
		req.Completion.Complete(common.RaftResponse{
			Source:        req.Destination,
			CorrelationID: req.CorrelationID,
			Err:           common.ErrNodeNotAvailable,
		})
		return
	}
	c.table.track(req)
	select {
	case c.sendCh <- req:
	case <-c.stopCh:
		c.table.complete(common.RaftResponse{
			Source:        req.Destination,
			CorrelationID: req.CorrelationID,
			Err:           common.ErrShuttingDown,
		})
	}
}

// Deliver completes the outstanding request matching the response's
// correlation id. Exposed for in-process delivery in tests; unknown ids are a
// protocol error.
func (c *Channel) Deliver(resp common.RaftResponse) error {
	return c.table.complete(resp)
}

func (c *Channel) Close() error {
	close(c.stopCh)
	c.done.Wait()
	c.table.failAll(common.ErrShuttingDown)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, client := range c.clients {
		client.Close()
		delete(c.clients, id)
	}
	return nil
}

func (c *Channel) sendLoop() {
	defer c.done.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case req := <-c.sendCh:
			// sendLoop holds its own count, so Add can never race a
			// Wait that has already reached zero.
			c.done.Add(1)
			go c.dispatch(req)
		}
	}
}

// dispatch performs the RPC call for one queued request and completes it
// through the correlation table. The blocking call runs on an inner
// goroutine so dispatch can expire it: transport errors and timeouts become
// synthetic error responses, never panics.
func (c *Channel) dispatch(req *common.RaftRequest) {
	defer c.done.Done()
	remaining := time.Until(time.UnixMilli(req.CreatedMs).Add(requestTimeout))
	if remaining <= 0 {
		c.complete(req, nil, common.ErrRequestTimedOut)
		return
	}

	type outcome struct {
		data common.ResponseData
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		data, err := c.call(req)
		resultCh <- outcome{data: data, err: err}
	}()

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		c.complete(req, res.data, res.err)
	case <-timer.C:
		// Closing the connection unblocks the in-flight call.
		c.dropClient(req.Destination)
		c.complete(req, nil, common.ErrRequestTimedOut)
	case <-c.stopCh:
		c.complete(req, nil, common.ErrShuttingDown)
	}
}

func (c *Channel) complete(req *common.RaftRequest, data common.ResponseData, err error) {
	resp := common.RaftResponse{
		Source:        req.Destination,
		CorrelationID: req.CorrelationID,
		Err:           err,
		Data:          data,
	}
	if err := c.table.complete(resp); err != nil {
		log.Printf("transport: dropping response for node %d: %v", req.Destination, err)
	}
}

// call resolves the destination's client connection and dispatches on the
// concrete request variant.
func (c *Channel) call(req *common.RaftRequest) (common.ResponseData, error) {
	client, err := c.client(req.Destination)
	if err != nil {
		return nil, common.ErrNodeNotAvailable
	}

	var callErr error
	var data common.ResponseData
	switch d := req.Data.(type) {
	case *common.VoteRequest:
		reply := new(common.VoteResponse)
		callErr = client.Call("RaftService.Vote", d, reply)
		data = reply
	case *common.BeginQuorumEpochRequest:
		reply := new(common.BeginQuorumEpochResponse)
		callErr = client.Call("RaftService.BeginQuorumEpoch", d, reply)
		data = reply
	case *common.EndQuorumEpochRequest:
		reply := new(common.EndQuorumEpochResponse)
		callErr = client.Call("RaftService.EndQuorumEpoch", d, reply)
		data = reply
	case *common.FetchRequest:
		reply := new(common.FetchResponse)
		callErr = client.Call("RaftService.Fetch", d, reply)
		data = reply
	case *common.FetchSnapshotRequest:
		reply := new(common.FetchSnapshotResponse)
		callErr = client.Call("RaftService.FetchSnapshot", d, reply)
		data = reply
	default:
		log.Printf("transport: unknown request variant %T", req.Data)
		return nil, common.ErrNodeNotAvailable
	}

	if callErr != nil {
		c.dropClient(req.Destination)
		return nil, common.ErrNodeNotAvailable
	}
	return data, nil
}

// client returns the cached connection for a node, dialing lazily. Dialing
// retries once after a short delay before giving up; the raft core retries
// failed requests on its own schedule.
func (c *Channel) client(id int32) (*rpc.Client, error) {
	c.mu.Lock()
	if client, ok := c.clients[id]; ok {
		c.mu.Unlock()
		return client, nil
	}
	address, ok := c.endpoints[id]
	c.mu.Unlock()
	if !ok {
		return nil, common.ErrNodeNotAvailable
	}

	var conn net.Conn
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err = net.DialTimeout("tcp", string(address), dialTimeout)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}
	client := rpc.NewClient(conn)
	c.mu.Lock()
	c.clients[id] = client
	c.mu.Unlock()
	return client, nil
}

func (c *Channel) dropClient(id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[id]; ok {
		client.Close()
		delete(c.clients, id)
	}
}
