package storage

import (
	"fmt"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/kraftlab/kraft/batch"
	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/snapshot"
)

var batchesBucketName = []byte("batches")

// Log is the bolt-backed ReplicatedLog implementation. Batch frames are
// stored keyed by base offset; the in-memory start/end offsets and last epoch
// are rebuilt from the bucket on open.
type Log struct {
	mu sync.Mutex
	db *bolt.DB

	startOffset int64
	endOffset   int64
	lastEpoch   int32
	// baseEpoch is the epoch at the startOffset boundary, used when the log
	// is truncated back to empty.
	baseEpoch int32

	snapshots *snapshot.Store
}

var _ common.ReplicatedLog = &Log{}

func OpenLog(path string, snapshots *snapshot.Store) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(batchesBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log := &Log{db: db, snapshots: snapshots}
	if snapshots != nil {
		if latest, ok := snapshots.Latest(); ok {
			log.startOffset = latest.EndOffset
			log.endOffset = latest.EndOffset
			log.lastEpoch = latest.Epoch
			log.baseEpoch = latest.Epoch
		}
	}
	err = db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(batchesBucketName).Cursor()
		firstKey, _ := cursor.First()
		if firstKey == nil {
			return nil
		}
		log.startOffset = bytesToInt64(firstKey)
		_, lastVal := cursor.Last()
		h, err := batch.PeekHeader(lastVal)
		if err != nil {
			return fmt.Errorf("corrupt tail batch: %w", err)
		}
		log.endOffset = h.EndOffset()
		log.lastEpoch = h.Epoch
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

func (l *Log) StartOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startOffset
}

func (l *Log) EndOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endOffset
}

func (l *Log) LastEpoch() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEpoch
}

func (l *Log) AppendAsLeader(data []byte, baseOffset int64, epoch int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if baseOffset != l.endOffset {
		return fmt.Errorf("leader append at offset %d does not match end offset %d", baseOffset, l.endOffset)
	}
	if epoch < l.lastEpoch {
		return fmt.Errorf("leader append with epoch %d below last epoch %d: %w", epoch, l.lastEpoch, common.ErrEpochRegression)
	}
	return l.append(data, baseOffset, epoch)
}

func (l *Log) AppendAsFollower(data []byte) error {
	h, err := batch.PeekHeader(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if h.BaseOffset != l.endOffset {
		return fmt.Errorf("follower append at offset %d does not match end offset %d", h.BaseOffset, l.endOffset)
	}
	if h.Epoch < l.lastEpoch {
		return fmt.Errorf("follower append with epoch %d below last epoch %d: %w", h.Epoch, l.lastEpoch, common.ErrEpochRegression)
	}
	return l.append(data, h.BaseOffset, h.Epoch)
}

// append assumes the caller holds the mutex and has validated the frame.
func (l *Log) append(data []byte, baseOffset int64, epoch int32) error {
	h, err := batch.PeekHeader(data)
	if err != nil {
		return err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(batchesBucketName).Put(int64ToBytes(baseOffset), data)
	})
	if err != nil {
		return err
	}
	l.endOffset = h.EndOffset()
	l.lastEpoch = epoch
	return nil
}

func (l *Log) TruncateTo(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < l.startOffset {
		offset = l.startOffset
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(batchesBucketName).Cursor()
		for key, val := cursor.Last(); key != nil; key, val = cursor.Last() {
			h, err := batch.PeekHeader(val)
			if err != nil {
				return err
			}
			if h.EndOffset() <= offset {
				break
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return l.reloadBounds()
}

func (l *Log) TrimPrefixTo(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(batchesBucketName).Cursor()
		for key, val := cursor.First(); key != nil; key, val = cursor.First() {
			h, err := batch.PeekHeader(val)
			if err != nil {
				return err
			}
			if h.EndOffset() > offset {
				break
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if offset > l.startOffset {
		l.startOffset = offset
		if offset > l.endOffset {
			l.startOffset = l.endOffset
		}
	}
	if offset >= l.endOffset {
		l.baseEpoch = l.lastEpoch
	}
	return l.reloadBounds()
}

func (l *Log) ResetToSnapshot(id common.OffsetAndEpoch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(batchesBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(batchesBucketName)
		return err
	})
	if err != nil {
		return err
	}
	l.startOffset = id.EndOffset
	l.endOffset = id.EndOffset
	l.lastEpoch = id.Epoch
	l.baseEpoch = id.Epoch
	return nil
}

// reloadBounds recomputes start/end offsets and the last epoch from the
// bucket after a truncation or trim. Caller holds the mutex.
func (l *Log) reloadBounds() error {
	return l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(batchesBucketName).Cursor()
		firstKey, _ := cursor.First()
		if firstKey == nil {
			l.endOffset = l.startOffset
			l.lastEpoch = l.baseEpoch
			return nil
		}
		l.startOffset = bytesToInt64(firstKey)
		_, lastVal := cursor.Last()
		h, err := batch.PeekHeader(lastVal)
		if err != nil {
			return err
		}
		l.endOffset = h.EndOffset()
		l.lastEpoch = h.Epoch
		return nil
	})
}

func (l *Log) ReadBatches(startOffset int64, maxBytes int) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if startOffset < l.startOffset || startOffset > l.endOffset {
		return nil, fmt.Errorf("read at offset %d outside log range [%d, %d]", startOffset, l.startOffset, l.endOffset)
	}
	var out [][]byte
	err := l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(batchesBucketName).Cursor()
		key, val := cursor.Seek(int64ToBytes(startOffset))
		if key == nil || bytesToInt64(key) > startOffset {
			// Step back to the batch containing startOffset, if any.
			key, val = cursor.Prev()
			if key != nil {
				h, err := batch.PeekHeader(val)
				if err != nil {
					return err
				}
				if h.EndOffset() <= startOffset {
					key, val = cursor.Next()
				}
			}
		}
		total := 0
		for ; key != nil; key, val = cursor.Next() {
			if len(out) > 0 && total+len(val) > maxBytes {
				break
			}
			frame := make([]byte, len(val))
			copy(frame, val)
			out = append(out, frame)
			total += len(val)
		}
		return nil
	})
	return out, err
}

func (l *Log) EndOffsetForEpoch(epoch int32) (common.OffsetAndEpoch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result common.OffsetAndEpoch
	found := false
	l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(batchesBucketName).Cursor()
		for key, val := cursor.Last(); key != nil; key, val = cursor.Prev() {
			h, err := batch.PeekHeader(val)
			if err != nil {
				return err
			}
			if h.Epoch <= epoch {
				result = common.OffsetAndEpoch{EndOffset: h.EndOffset(), Epoch: h.Epoch}
				found = true
				return nil
			}
		}
		return nil
	})
	if !found && l.baseEpoch <= epoch {
		return common.OffsetAndEpoch{EndOffset: l.startOffset, Epoch: l.baseEpoch}, true
	}
	return result, found
}

func (l *Log) EarliestSnapshotID() (common.OffsetAndEpoch, bool) {
	if l.snapshots == nil {
		return common.OffsetAndEpoch{}, false
	}
	return l.snapshots.Earliest()
}

func (l *Log) LatestSnapshotID() (common.OffsetAndEpoch, bool) {
	if l.snapshots == nil {
		return common.OffsetAndEpoch{}, false
	}
	return l.snapshots.Latest()
}

func (l *Log) Close() error {
	return l.db.Close()
}
