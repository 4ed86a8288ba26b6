package storage

// Bolt is a pure Go key/value store that doesn't require a full database
// server; it backs both the replicated log and the quorum state.
import (
	"github.com/boltdb/bolt"
)

var stateBucketName = []byte("quorum-state")

var (
	epochKey    = []byte("epoch")
	votedForKey = []byte("votedFor")
)

// StateStore persists the quorum state that must survive restarts: the
// current epoch and the vote cast in it. A voter that forgot its vote could
// vote twice in one epoch, so these writes happen before any vote response
// leaves the node.
type StateStore struct {
	db *bolt.DB
}

func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Epoch returns the persisted epoch, or zero for a fresh store.
func (s *StateStore) Epoch() (int32, error) {
	var epoch int32
	err := s.db.View(func(tx *bolt.Tx) error {
		if val := tx.Bucket(stateBucketName).Get(epochKey); val != nil {
			epoch = bytesToInt32(val)
		}
		return nil
	})
	return epoch, err
}

func (s *StateStore) SetEpoch(epoch int32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucketName).Put(epochKey, int32ToBytes(epoch))
	})
}

// VotedFor returns the candidate voted for in the persisted epoch, or nil if
// no vote has been cast.
func (s *StateStore) VotedFor() (*int32, error) {
	var votedFor *int32
	err := s.db.View(func(tx *bolt.Tx) error {
		if val := tx.Bucket(stateBucketName).Get(votedForKey); val != nil {
			id := bytesToInt32(val)
			votedFor = &id
		}
		return nil
	})
	return votedFor, err
}

func (s *StateStore) SetVotedFor(id *int32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		if id == nil {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, int32ToBytes(*id))
	})
}

func (s *StateStore) Close() error {
	return s.db.Close()
}
