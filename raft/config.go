package raft

import (
	"fmt"
	"time"

	"github.com/kraftlab/kraft/common"
)

// Config specifies a quorum node: the fixed voter set with addresses, the
// protocol timeouts and the batching limits. A node whose LocalID is not in
// the cluster list runs as a non-voting observer.
type Config struct {
	LocalID int32
	Cluster []common.Server

	// ElectionTimeout is the base timeout before starting a new election;
	// each schedule adds random jitter to avoid repeated split votes.
	ElectionTimeout time.Duration
	// FetchTimeout is how long a follower waits without a successful fetch
	// from the leader before starting an election.
	FetchTimeout time.Duration
	// FetchInterval is the follower's polling cadence when no data arrives.
	FetchInterval time.Duration

	// AppendLinger bounds how long the leader holds an open batch waiting
	// for more records.
	AppendLinger       time.Duration
	MaxBatchSize       int
	MaxFetchBytes      int
	MaxRetainedBatches int
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 2 * c.ElectionTimeout
	}
	if c.FetchInterval == 0 {
		c.FetchInterval = c.ElectionTimeout / 10
	}
	if c.AppendLinger == 0 {
		c.AppendLinger = 25 * time.Millisecond
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 1024 * 1024
	}
	if c.MaxFetchBytes == 0 {
		c.MaxFetchBytes = 8 * 1024 * 1024
	}
	if c.MaxRetainedBatches == 0 {
		c.MaxRetainedBatches = 16
	}
	return c
}

func (c Config) validate() error {
	if len(c.Cluster) == 0 {
		return fmt.Errorf("cluster must list at least one voter")
	}
	seen := make(map[int32]bool)
	for _, server := range c.Cluster {
		if seen[server.ID] {
			return fmt.Errorf("duplicate node id %d in cluster", server.ID)
		}
		seen[server.ID] = true
	}
	return nil
}

func (c Config) voterSet() common.VoterSet {
	ids := make([]int32, 0, len(c.Cluster))
	for _, server := range c.Cluster {
		ids = append(ids, server.ID)
	}
	return common.NewVoterSet(ids)
}
