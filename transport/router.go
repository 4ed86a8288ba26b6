package transport

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/kraftlab/kraft/common"
)

// Router wires channels to handlers within a single process, bypassing the
// network. It powers deterministic multi-node tests and the bench command.
// Disconnect creates an artificial bidirectional partition: the calls still
// happen in-process but fail with a synthetic error, and Reconnect heals
// them.
type Router struct {
	mu           sync.Mutex
	handlers     map[int32]Handler
	disconnected map[int32]bool
}

func NewRouter() *Router {
	return &Router{
		handlers:     make(map[int32]Handler),
		disconnected: make(map[int32]bool),
	}
}

func (r *Router) Register(id int32, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = handler
}

func (r *Router) Disconnect(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected[id] = true
}

func (r *Router) Reconnect(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disconnected, id)
}

func (r *Router) route(from, to int32) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected[from] || r.disconnected[to] {
		return nil, false
	}
	handler, ok := r.handlers[to]
	return handler, ok
}

// NewChannel returns a NetworkChannel whose requests are served directly by
// the registered handlers.
func (r *Router) NewChannel(localID int32) *LocalChannel {
	return &LocalChannel{
		router:  r,
		localID: localID,
		table:   newCorrelationTable(),
		stopCh:  make(chan struct{}),
	}
}

// LocalChannel is the in-process NetworkChannel implementation. It keeps the
// same correlation and synthetic-error semantics as Channel.
type LocalChannel struct {
	router      *Router
	localID     int32
	correlation atomic.Int32
	table       *correlationTable
	stopCh      chan struct{}
	closeOnce   sync.Once
}

var _ common.NetworkChannel = &LocalChannel{}

func (c *LocalChannel) NewCorrelationID() int32 {
	return c.correlation.Inc() - 1
}

func (c *LocalChannel) UpdateEndpoint(id int32, address common.ServerAddress) {}

func (c *LocalChannel) Send(req *common.RaftRequest) {
	handler, ok := c.router.route(c.localID, req.Destination)
	if !ok {
		req.Completion.Complete(common.RaftResponse{
			Source:        req.Destination,
			CorrelationID: req.CorrelationID,
			Err:           common.ErrNodeNotAvailable,
		})
		return
	}
	c.table.track(req)
	go func() {
		data, err := serve(handler, req.Data)
		// The partition may have appeared while the request was in flight.
		if _, up := c.router.route(c.localID, req.Destination); !up {
			err = common.ErrNodeNotAvailable
			data = nil
		}
		c.table.complete(common.RaftResponse{
			Source:        req.Destination,
			CorrelationID: req.CorrelationID,
			Err:           err,
			Data:          data,
		})
	}()
}

// Deliver completes an outstanding request by correlation id, for tests that
// inject responses directly.
func (c *LocalChannel) Deliver(resp common.RaftResponse) error {
	return c.table.complete(resp)
}

func (c *LocalChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.table.failAll(common.ErrShuttingDown)
	})
	return nil
}

func serve(handler Handler, data common.RequestData) (common.ResponseData, error) {
	switch d := data.(type) {
	case *common.VoteRequest:
		res, err := handler.HandleVote(d)
		return orNil(res, err)
	case *common.BeginQuorumEpochRequest:
		res, err := handler.HandleBeginQuorumEpoch(d)
		return orNil(res, err)
	case *common.EndQuorumEpochRequest:
		res, err := handler.HandleEndQuorumEpoch(d)
		return orNil(res, err)
	case *common.FetchRequest:
		res, err := handler.HandleFetch(d)
		return orNil(res, err)
	case *common.FetchSnapshotRequest:
		res, err := handler.HandleFetchSnapshot(d)
		return orNil(res, err)
	default:
		return nil, common.ErrNodeNotAvailable
	}
}

func orNil[T common.ResponseData](res T, err error) (common.ResponseData, error) {
	if err != nil {
		return nil, err
	}
	return res, nil
}
