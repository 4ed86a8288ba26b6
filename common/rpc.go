package common

import "sync"

// The quorum RPC surface. Each request carries the sender's epoch and, where
// applicable, the last offset/epoch used for log matching. RequestData and
// ResponseData are sealed variant sets: the network channel dispatches on the
// concrete type at the call site.

type RequestData interface{ isRequest() }
type ResponseData interface{ isResponse() }

type VoteRequest struct {
	Epoch         int32
	CandidateID   int32
	LastLogOffset int64
	LastLogEpoch  int32
}

type VoteResponse struct {
	Epoch   int32
	Granted bool
}

type BeginQuorumEpochRequest struct {
	Epoch    int32
	LeaderID int32
}

type BeginQuorumEpochResponse struct {
	Epoch int32
}

type EndQuorumEpochRequest struct {
	Epoch    int32
	LeaderID int32
}

type EndQuorumEpochResponse struct {
	Epoch int32
}

type FetchRequest struct {
	Epoch            int32
	ReplicaID        int32
	FetchOffset      int64
	LastFetchedEpoch int32
	MaxBytes         int32
}

type FetchResponse struct {
	Epoch         int32
	LeaderID      *int32
	HighWatermark int64
	// Batches holds raw batch frames starting at the requested fetch offset.
	Batches [][]byte
	// DivergingEnd, when set, tells the follower to truncate its log to at
	// most this boundary before fetching again.
	DivergingEnd *OffsetAndEpoch
	// SnapshotID, when set, tells the follower that the requested offset has
	// been compacted away and must be bootstrapped from this snapshot.
	SnapshotID *OffsetAndEpoch
}

type FetchSnapshotRequest struct {
	Epoch      int32
	ReplicaID  int32
	SnapshotID OffsetAndEpoch
	Position   int64
	MaxBytes   int32
}

type FetchSnapshotResponse struct {
	Epoch    int32
	Size     int64
	Position int64
	Bytes    []byte
}

func (*VoteRequest) isRequest()               {}
func (*BeginQuorumEpochRequest) isRequest()   {}
func (*EndQuorumEpochRequest) isRequest()     {}
func (*FetchRequest) isRequest()              {}
func (*FetchSnapshotRequest) isRequest()      {}
func (*VoteResponse) isResponse()             {}
func (*BeginQuorumEpochResponse) isResponse() {}
func (*EndQuorumEpochResponse) isResponse()   {}
func (*FetchResponse) isResponse()            {}
func (*FetchSnapshotResponse) isResponse()    {}

// RaftRequest is an outbound request tracked by the network channel. The
// response (success or synthetic failure) completes the request's future
// exactly once, matched by correlation id.
type RaftRequest struct {
	Destination   int32
	CorrelationID int32
	CreatedMs     int64
	Data          RequestData
	Completion    *ResponseFuture
}

func NewRaftRequest(destination, correlationID int32, createdMs int64, data RequestData) *RaftRequest {
	return &RaftRequest{
		Destination:   destination,
		CorrelationID: correlationID,
		CreatedMs:     createdMs,
		Data:          data,
		Completion:    NewResponseFuture(),
	}
}

// RaftResponse is an inbound response. Err is set on transport-level failures
// (timeout, disconnect, auth); Data is set on success. Callers always get a
// response object, never an exception path.
type RaftResponse struct {
	Source        int32
	CorrelationID int32
	Err           error
	Data          ResponseData
}

// ResponseFuture is completed exactly once with the response to an outbound
// request.
type ResponseFuture struct {
	once sync.Once
	ch   chan RaftResponse
}

func NewResponseFuture() *ResponseFuture {
	return &ResponseFuture{ch: make(chan RaftResponse, 1)}
}

func (f *ResponseFuture) Complete(resp RaftResponse) {
	f.once.Do(func() {
		f.ch <- resp
		close(f.ch)
	})
}

// Done returns a channel that yields the response once completed. It must be
// consumed by a single receiver.
func (f *ResponseFuture) Done() <-chan RaftResponse {
	return f.ch
}
