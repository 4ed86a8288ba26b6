package raft

import "go.uber.org/atomic"

// Metrics exposes read-only observers of the consensus state for threads
// other than the driver. Values are published atomically so readers never see
// a half-updated state.
type Metrics struct {
	// ActiveController is true while this node is the quorum leader.
	ActiveController atomic.Bool
	CurrentEpoch     atomic.Int32
	CurrentState     atomic.String
	HighWatermark    atomic.Int64
	LogEndOffset     atomic.Int64
	// EventQueueDepth is the number of events waiting for the driver.
	EventQueueDepth atomic.Int32
	// EventQueueTimeMs is the queue wait of the most recently processed
	// event.
	EventQueueTimeMs atomic.Int64
}
