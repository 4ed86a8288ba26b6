package metastore

import (
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	uberatomic "go.uber.org/atomic"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/raft"
	"github.com/kraftlab/kraft/snapshot"
)

// Store is a key-value metadata state machine fed by the consensus log. We
// keep the pairs in memory because they can be reliably reconstructed on
// restart by replaying the log and the latest snapshot.
//
// This is a thread-safe library: reads may come from any goroutine while the
// driver goroutine applies commits.
type Store struct {
	mu      sync.RWMutex
	data    map[string]string
	applied map[uuid.UUID]bool
	// nextOffset is the first log offset not yet reflected in data.
	nextOffset int64

	leader       uberatomic.Value
	shuttingDown uberatomic.Bool
}

var _ raft.Listener[Record] = &Store{}

func NewStore() *Store {
	s := &Store{
		data:    make(map[string]string),
		applied: make(map[uuid.UUID]bool),
	}
	s.leader.Store(common.LeaderAndEpoch{})
	return s
}

func (s *Store) HandleCommit(reader *batch.Reader[Record]) {
	defer reader.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		b, ok := reader.Next()
		if !ok {
			break
		}
		for _, record := range b.Records {
			s.apply(record)
		}
	}
	s.nextOffset = reader.LastOffset() + 1
}

func (s *Store) HandleLoadSnapshot(reader *snapshot.Reader[Record]) {
	defer reader.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
	s.applied = make(map[uuid.UUID]bool)
	for {
		b, ok := reader.Next()
		if !ok {
			break
		}
		for _, record := range b.Records {
			s.apply(record)
		}
	}
	s.nextOffset = reader.SnapshotID().EndOffset
	log.Printf("metastore: rebuilt %d keys from snapshot %v", len(s.data), reader.SnapshotID())
}

func (s *Store) HandleLeaderChange(leader common.LeaderAndEpoch) {
	s.leader.Store(leader)
}

func (s *Store) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// apply mutates the store under s.mu. Re-applied transaction ids are
// silently skipped so client retries stay idempotent.
func (s *Store) apply(record Record) {
	if record.TxID != uuid.Nil {
		if s.applied[record.TxID] {
			return
		}
		s.applied[record.TxID] = true
	}
	switch record.Op {
	case Set:
		s.data[record.Key] = record.Value
	case Delete:
		delete(s.data, record.Key)
	}
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// NextOffset is the first log offset not yet applied.
func (s *Store) NextOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset
}

func (s *Store) Leader() common.LeaderAndEpoch {
	return s.leader.Load().(common.LeaderAndEpoch)
}

// WriteSnapshot emits the current state into the given snapshot writer in
// sorted key order and freezes it. The writer's snapshot id must not exceed
// the store's applied offset.
func (s *Store) WriteSnapshot(writer *snapshot.Writer[Record]) (int64, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		records = append(records, Record{Op: Set, Key: key, Value: s.data[key]})
	}
	s.mu.RUnlock()
	if err := writer.Append(records); err != nil {
		return 0, err
	}
	return writer.Freeze()
}
