package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kraftlab/kraft/common"
)

const (
	suffix     = ".checkpoint"
	partInfix  = ".part."
	frameBytes = 4
)

// Filename renders a snapshot id as its on-disk name. The zero padding keeps
// lexicographic and (endOffset, epoch) order identical.
func Filename(id common.OffsetAndEpoch) string {
	return fmt.Sprintf("%020d-%010d%s", id.EndOffset, id.Epoch, suffix)
}

// ParseFilename recovers the snapshot id from a frozen snapshot file name.
func ParseFilename(name string) (common.OffsetAndEpoch, bool) {
	if !strings.HasSuffix(name, suffix) || strings.Contains(name, partInfix) {
		return common.OffsetAndEpoch{}, false
	}
	base := strings.TrimSuffix(name, suffix)
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return common.OffsetAndEpoch{}, false
	}
	endOffset, err1 := strconv.ParseInt(parts[0], 10, 64)
	epoch, err2 := strconv.ParseInt(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return common.OffsetAndEpoch{}, false
	}
	return common.OffsetAndEpoch{EndOffset: endOffset, Epoch: int32(epoch)}, true
}

// FileWriter writes a snapshot as a temporary part file which becomes the
// immutable checkpoint file on Freeze. An unfrozen writer leaves nothing
// behind once closed.
type FileWriter struct {
	dir      string
	id       common.OffsetAndEpoch
	partPath string
	file     *os.File
	size     int64
	frozen   bool
}

func NewFileWriter(dir string, id common.OffsetAndEpoch) (*FileWriter, error) {
	partPath := filepath.Join(dir, Filename(id)+partInfix+uuid.New().String())
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileWriter{
		dir:      dir,
		id:       id,
		partPath: partPath,
		file:     file,
	}, nil
}

func (w *FileWriter) SnapshotID() common.OffsetAndEpoch {
	return w.id
}

func (w *FileWriter) SizeInBytes() int64 {
	return w.size
}

func (w *FileWriter) IsFrozen() bool {
	return w.frozen
}

// Append writes one batch frame, length-prefixed so readers can split the
// file back into frames.
func (w *FileWriter) Append(data []byte) error {
	if w.frozen {
		return common.ErrSnapshotFrozen
	}
	var prefix [frameBytes]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.file.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.size += int64(frameBytes + len(data))
	return nil
}

// AppendRaw writes bytes at the given position without framing. Used on the
// follower side of FetchSnapshot, where frames arrive as opaque chunks.
func (w *FileWriter) AppendRaw(position int64, data []byte) error {
	if w.frozen {
		return common.ErrSnapshotFrozen
	}
	if position != w.size {
		return fmt.Errorf("snapshot chunk at position %d does not match size %d", position, w.size)
	}
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.size += int64(len(data))
	return nil
}

// Freeze seals the snapshot and renames it into place. After freezing the
// snapshot is immutable and readable.
func (w *FileWriter) Freeze() error {
	if w.frozen {
		return common.ErrSnapshotFrozen
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.partPath, filepath.Join(w.dir, Filename(w.id))); err != nil {
		return err
	}
	w.frozen = true
	return nil
}

// Close discards the part file unless the snapshot was frozen.
func (w *FileWriter) Close() error {
	if w.frozen {
		return nil
	}
	w.file.Close()
	return os.Remove(w.partPath)
}

// FileReader provides sequential and positional access to a frozen snapshot.
type FileReader struct {
	id   common.OffsetAndEpoch
	file *os.File
	size int64
}

func NewFileReader(dir string, id common.OffsetAndEpoch) (*FileReader, error) {
	file, err := os.Open(filepath.Join(dir, Filename(id)))
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileReader{id: id, file: file, size: info.Size()}, nil
}

func (r *FileReader) SnapshotID() common.OffsetAndEpoch {
	return r.id
}

func (r *FileReader) SizeInBytes() int64 {
	return r.size
}

// Slice reads up to maxSize raw bytes starting at position, for bulk
// snapshot transfer.
func (r *FileReader) Slice(position int64, maxSize int) ([]byte, error) {
	if position < 0 || position > r.size {
		return nil, fmt.Errorf("slice position %d outside snapshot of %d bytes", position, r.size)
	}
	remaining := r.size - position
	if int64(maxSize) < remaining {
		remaining = int64(maxSize)
	}
	buf := make([]byte, remaining)
	if _, err := r.file.ReadAt(buf, position); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Batches splits the snapshot back into its batch frames.
func (r *FileReader) Batches() ([][]byte, error) {
	var frames [][]byte
	var pos int64
	prefix := make([]byte, frameBytes)
	for pos < r.size {
		if _, err := r.file.ReadAt(prefix, pos); err != nil {
			return nil, err
		}
		size := int64(binary.BigEndian.Uint32(prefix))
		pos += frameBytes
		if pos+size > r.size {
			return nil, fmt.Errorf("snapshot %v truncated at position %d", r.id, pos)
		}
		frame := make([]byte, size)
		if _, err := r.file.ReadAt(frame, pos); err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		pos += size
	}
	return frames, nil
}

func (r *FileReader) Close() error {
	return r.file.Close()
}
