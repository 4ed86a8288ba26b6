package batch

import (
	"encoding/binary"
	"fmt"
)

// Batch frame layout (big endian):
//
//	baseOffset  int64
//	epoch       int32
//	control     uint8
//	count       int32
//	count * (length int32, payload)
//
// All records in a frame belong to the same epoch and the offset range
// [baseOffset, baseOffset+count) is contiguous and immutable once completed.

const (
	headerLen      = 17
	recordOverhead = 4
)

// Header is the decoded fixed-size prefix of a batch frame.
type Header struct {
	BaseOffset int64
	Epoch      int32
	Control    bool
	Count      int32
}

// LastOffset is the offset of the final record in the batch.
func (h Header) LastOffset() int64 {
	return h.BaseOffset + int64(h.Count) - 1
}

// EndOffset is one past the final record in the batch.
func (h Header) EndOffset() int64 {
	return h.BaseOffset + int64(h.Count)
}

// PeekHeader decodes the frame header without touching the records.
func PeekHeader(data []byte) (Header, error) {
	if len(data) < headerLen {
		return Header{}, fmt.Errorf("batch frame too short: %d bytes", len(data))
	}
	h := Header{
		BaseOffset: int64(binary.BigEndian.Uint64(data[0:8])),
		Epoch:      int32(binary.BigEndian.Uint32(data[8:12])),
		Control:    data[12] != 0,
		Count:      int32(binary.BigEndian.Uint32(data[13:17])),
	}
	if h.Count <= 0 {
		return Header{}, fmt.Errorf("batch frame with invalid record count %d", h.Count)
	}
	return h, nil
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.BaseOffset))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Epoch))
	buf[12] = 0
	if h.Control {
		buf[12] = 1
	}
	binary.BigEndian.PutUint32(buf[13:17], uint32(h.Count))
}

// rawRecords splits the frame body into its record payloads.
func rawRecords(data []byte) (Header, [][]byte, error) {
	h, err := PeekHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	records := make([][]byte, 0, h.Count)
	pos := headerLen
	for i := int32(0); i < h.Count; i++ {
		if pos+recordOverhead > len(data) {
			return Header{}, nil, fmt.Errorf("batch frame truncated at record %d", i)
		}
		size := int(binary.BigEndian.Uint32(data[pos : pos+recordOverhead]))
		pos += recordOverhead
		if pos+size > len(data) {
			return Header{}, nil, fmt.Errorf("batch frame truncated at record %d", i)
		}
		records = append(records, data[pos:pos+size])
		pos += size
	}
	return h, records, nil
}

// Control record kinds. Control records bound snapshots and mark leadership
// changes in the log; they occupy offsets but are never handed to listeners.
const (
	controlSnapshotHeader byte = 1
	controlSnapshotFooter byte = 2
	controlLeaderChange   byte = 3
)

const controlRecordVersion int16 = 0

// SnapshotHeaderRecord opens a snapshot file.
type SnapshotHeaderRecord struct {
	Version                   int16
	LastContainedLogTimestamp int64
}

// SnapshotFooterRecord seals a snapshot file; nothing may follow it.
type SnapshotFooterRecord struct {
	Version int16
}

// LeaderChangeRecord is appended by a new leader at the start of its epoch so
// that prior-epoch entries commit under the leader-commit rule.
type LeaderChangeRecord struct {
	Version  int16
	LeaderID int32
}

func encodeSnapshotHeader(rec SnapshotHeaderRecord) []byte {
	buf := make([]byte, 11)
	buf[0] = controlSnapshotHeader
	binary.BigEndian.PutUint16(buf[1:3], uint16(rec.Version))
	binary.BigEndian.PutUint64(buf[3:11], uint64(rec.LastContainedLogTimestamp))
	return buf
}

func encodeSnapshotFooter(rec SnapshotFooterRecord) []byte {
	buf := make([]byte, 3)
	buf[0] = controlSnapshotFooter
	binary.BigEndian.PutUint16(buf[1:3], uint16(rec.Version))
	return buf
}

func encodeLeaderChange(rec LeaderChangeRecord) []byte {
	buf := make([]byte, 7)
	buf[0] = controlLeaderChange
	binary.BigEndian.PutUint16(buf[1:3], uint16(rec.Version))
	binary.BigEndian.PutUint32(buf[3:7], uint32(rec.LeaderID))
	return buf
}

// DecodeSnapshotHeader parses the single record of a control batch opening a
// snapshot.
func DecodeSnapshotHeader(payload []byte) (SnapshotHeaderRecord, error) {
	if len(payload) != 11 || payload[0] != controlSnapshotHeader {
		return SnapshotHeaderRecord{}, fmt.Errorf("not a snapshot header record")
	}
	return SnapshotHeaderRecord{
		Version:                   int16(binary.BigEndian.Uint16(payload[1:3])),
		LastContainedLogTimestamp: int64(binary.BigEndian.Uint64(payload[3:11])),
	}, nil
}

// DecodeSnapshotFooter parses the single record of a control batch sealing a
// snapshot.
func DecodeSnapshotFooter(payload []byte) (SnapshotFooterRecord, error) {
	if len(payload) != 3 || payload[0] != controlSnapshotFooter {
		return SnapshotFooterRecord{}, fmt.Errorf("not a snapshot footer record")
	}
	return SnapshotFooterRecord{Version: int16(binary.BigEndian.Uint16(payload[1:3]))}, nil
}

// ControlPayload returns the single record payload of a control batch.
func ControlPayload(data []byte) ([]byte, error) {
	h, raws, err := rawRecords(data)
	if err != nil {
		return nil, err
	}
	if !h.Control || len(raws) != 1 {
		return nil, fmt.Errorf("batch at offset %d is not a control batch", h.BaseOffset)
	}
	return raws[0], nil
}

// ControlKind reports the kind byte of a control record payload.
func ControlKind(payload []byte) (byte, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	switch payload[0] {
	case controlSnapshotHeader, controlSnapshotFooter, controlLeaderChange:
		return payload[0], true
	}
	return 0, false
}
