package common

// RecordSerde is the pluggable serialization contract for the application
// record type written into the log and snapshots. It is supplied by the
// embedding application at construction, never looked up ambiently.
type RecordSerde[T any] interface {
	Serialize(record T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// ReplicatedLog is the durable, epoch-aware append-only log abstraction
// consumed by the raft core. Batches are opaque frames produced by the batch
// package; the log persists them keyed by base offset.
type ReplicatedLog interface {
	// StartOffset is the first offset still present in the log. Offsets below
	// it have been compacted into a snapshot.
	StartOffset() int64
	// EndOffset is the offset one past the last appended record.
	EndOffset() int64
	// LastEpoch is the epoch of the last appended batch, or the snapshot
	// epoch for an empty log.
	LastEpoch() int32

	// AppendAsLeader appends a batch frame created by the local leader. The
	// base offset must equal EndOffset and the epoch must not regress.
	AppendAsLeader(data []byte, baseOffset int64, epoch int32) error
	// AppendAsFollower appends a replicated batch frame. A frame whose epoch
	// is below LastEpoch fails with ErrEpochRegression; this is fatal.
	AppendAsFollower(data []byte) error

	// TruncateTo removes every batch containing offsets at or above offset.
	TruncateTo(offset int64) error
	// TrimPrefixTo drops batches wholly below offset once a snapshot covers
	// them.
	TrimPrefixTo(offset int64) error
	// ResetToSnapshot discards the entire log and positions it at the end of
	// the given snapshot.
	ResetToSnapshot(id OffsetAndEpoch) error

	// ReadBatches returns consecutive batch frames starting at the batch
	// containing startOffset, up to maxBytes in total.
	ReadBatches(startOffset int64, maxBytes int) ([][]byte, error)
	// EndOffsetForEpoch returns the largest end offset whose records all have
	// epoch at most the given epoch, with the epoch of the last such record.
	// Used for divergence detection during fetches.
	EndOffsetForEpoch(epoch int32) (OffsetAndEpoch, bool)

	EarliestSnapshotID() (OffsetAndEpoch, bool)
	LatestSnapshotID() (OffsetAndEpoch, bool)

	Close() error
}

// NetworkChannel is the async request dispatch and response correlation layer
// between quorum nodes. Send never blocks on the network: requests are queued
// for a dedicated send routine and every request's future is eventually
// completed with a response, synthetic on failure.
type NetworkChannel interface {
	NewCorrelationID() int32
	Send(req *RaftRequest)
	UpdateEndpoint(id int32, address ServerAddress)
	Close() error
}
