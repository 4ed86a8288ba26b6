package transport

import (
	"sync"

	"github.com/kraftlab/kraft/common"
)

// correlationTable tracks requests awaiting a response, keyed by correlation
// id. At most one pending request per id; delivering a response for an
// unknown id is a protocol error.
type correlationTable struct {
	mu       sync.Mutex
	awaiting map[int32]*common.RaftRequest
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{awaiting: make(map[int32]*common.RaftRequest)}
}

func (t *correlationTable) track(req *common.RaftRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.awaiting[req.CorrelationID] = req
}

// complete matches the response to its outstanding request and completes the
// request's future. Unknown correlation ids fail with ErrUnknownCorrelation.
func (t *correlationTable) complete(resp common.RaftResponse) error {
	t.mu.Lock()
	req, ok := t.awaiting[resp.CorrelationID]
	if ok {
		delete(t.awaiting, resp.CorrelationID)
	}
	t.mu.Unlock()
	if !ok {
		return common.ErrUnknownCorrelation
	}
	req.Completion.Complete(resp)
	return nil
}

// failAll completes every outstanding request with the given error. Used on
// channel shutdown so no future is left dangling.
func (t *correlationTable) failAll(err error) {
	t.mu.Lock()
	pending := t.awaiting
	t.awaiting = make(map[int32]*common.RaftRequest)
	t.mu.Unlock()
	for _, req := range pending {
		req.Completion.Complete(common.RaftResponse{
			Source:        req.Destination,
			CorrelationID: req.CorrelationID,
			Err:           err,
		})
	}
}
