package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kraftlab/kraft/common"
)

// Store manages the snapshot directory: listing frozen snapshots in
// (endOffset, epoch) order, creating writers, opening readers and pruning
// superseded snapshots. Stale part files from interrupted writers are removed
// on open.
type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), partInfix) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// IDs lists the frozen snapshots in ascending order.
func (s *Store) IDs() ([]common.OffsetAndEpoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []common.OffsetAndEpoch
	for _, entry := range entries {
		if id, ok := ParseFilename(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids, nil
}

func (s *Store) Earliest() (common.OffsetAndEpoch, bool) {
	ids, err := s.IDs()
	if err != nil || len(ids) == 0 {
		return common.OffsetAndEpoch{}, false
	}
	return ids[0], true
}

func (s *Store) Latest() (common.OffsetAndEpoch, bool) {
	ids, err := s.IDs()
	if err != nil || len(ids) == 0 {
		return common.OffsetAndEpoch{}, false
	}
	return ids[len(ids)-1], true
}

func (s *Store) Create(id common.OffsetAndEpoch) (*FileWriter, error) {
	return NewFileWriter(s.dir, id)
}

func (s *Store) Open(id common.OffsetAndEpoch) (*FileReader, error) {
	return NewFileReader(s.dir, id)
}

// Prune deletes every frozen snapshot strictly dominated by the given id.
// Snapshots are superseded once a later snapshot covers the same or greater
// offset.
func (s *Store) Prune(keep common.OffsetAndEpoch) error {
	ids, err := s.IDs()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id.Less(keep) {
			if err := os.Remove(filepath.Join(s.dir, Filename(id))); err != nil {
				return err
			}
		}
	}
	return nil
}
