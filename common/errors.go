package common

import "errors"

var (
	// ErrStaleEpoch indicates that the caller's epoch has been superseded.
	// The caller should retry after observing the new leader.
	ErrStaleEpoch = errors.New("stale epoch")

	// ErrNotLeader is returned for leader-only operations attempted by a
	// node that does not currently hold leadership.
	ErrNotLeader = errors.New("not the current leader")

	// ErrNodeNotAvailable is the synthetic response error used when a request
	// destination has no known endpoint or cannot be reached.
	ErrNodeNotAvailable = errors.New("destination node not available")

	// ErrRequestTimedOut is the synthetic response error for requests that
	// did not complete within the channel's request timeout.
	ErrRequestTimedOut = errors.New("request timed out")

	// ErrUnknownCorrelation indicates a response was delivered for a
	// correlation id with no outstanding request. This is a protocol error.
	ErrUnknownCorrelation = errors.New("response correlates to no outstanding request")

	// ErrBatchTooLarge indicates a record set that can never fit in a single
	// batch of the configured maximum size.
	ErrBatchTooLarge = errors.New("record set exceeds maximum batch size")

	// ErrBufferMismatch indicates a buffer released to a memory pool whose
	// capacity does not match the pool's fixed batch size.
	ErrBufferMismatch = errors.New("released buffer does not match pool batch size")

	// ErrOffsetNotCommitted is returned when creating a snapshot at an offset
	// above the current high watermark.
	ErrOffsetNotCommitted = errors.New("offset is not committed")

	// ErrSnapshotFrozen indicates a mutation attempt on a frozen snapshot.
	ErrSnapshotFrozen = errors.New("snapshot is frozen")

	// ErrEpochRegression indicates a follower append whose epoch is below the
	// log's last known epoch. This violates log monotonicity and signals a
	// logic bug upstream; it is fatal and non-retriable.
	ErrEpochRegression = errors.New("append epoch regresses below last log epoch")

	// ErrShuttingDown is returned for operations submitted after shutdown
	// has begun.
	ErrShuttingDown = errors.New("raft client is shutting down")
)
