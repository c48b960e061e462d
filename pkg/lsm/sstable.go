// Package lsm implements the embedded LSM-tree engine: MemTable, SST,
// level manager, and leveled compactor, coordinated by Engine.
package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/lsmkv/lsmkv/pkg/lsmerr"
)

const (
	sstMagic   uint32 = 0x53535442 // "SSTB"
	sstVersion uint32 = 1
	// indexInterval controls how often a sparse index entry is emitted; a
	// point lookup scans at most this many records past the located index
	// slot.
	indexInterval = 128
)

// header is the fixed-size prefix of every SST file.
type header struct {
	Magic       uint32
	Version     uint32
	EntryCount  uint64
	IndexOffset uint64
}

var headerSize = binary.Size(header{})

// indexEntry is one sparse-index slot: the key at a record boundary and
// that record's byte offset.
type indexEntry struct {
	Key    []byte
	Offset uint64
}

// SSTable is an immutable, sorted, on-disk run of records (C5), opened via
// memory-mapped I/O for O(1)-ish opens and zero-copy point reads, per the
// DOMAIN STACK's choice of golang.org/x/exp/mmap (teacher:
// pkg/lsm/sstable_mmap.go).
type SSTable struct {
	path       string
	level      int
	seq        uint64
	mm         *mmap.ReaderAt
	header     header
	index      []indexEntry
	bloom      *BloomFilter
	entryCount int
	minKey     []byte
	maxKey     []byte

	// refs and pendingDelete implement the reference-count-plus-flag
	// strategy spec §5 names as sufficient for the reader-vs-compactor
	// race: a reader's Acquire/Release bracket guarantees the mmap is not
	// closed out from under an in-flight Get, while letting the compactor
	// unregister and request deletion of an SST the instant it commits,
	// without blocking on a level-manager-wide lock held across file I/O.
	closeMu       sync.Mutex
	refs          atomic.Int32
	pendingDelete atomic.Bool
	deleted       bool
}

// Acquire pins the SST against concurrent deletion for the duration of one
// read. Must be paired with Release.
func (s *SSTable) Acquire() {
	s.refs.Add(1)
}

// Release unpins the SST. If a delete was requested while pinned and this
// was the last reference, the file is closed and removed now.
func (s *SSTable) Release() {
	if s.refs.Add(-1) == 0 && s.pendingDelete.Load() {
		s.closeAndRemove()
	}
}

func (s *SSTable) closeAndRemove() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.deleted {
		return
	}
	s.deleted = true
	s.Close()
	os.Remove(s.path)
}

// Path returns the file path backing this SST.
func (s *SSTable) Path() string { return s.path }

// Level returns the level this SST currently belongs to.
func (s *SSTable) Level() int { return s.level }

// Seq returns this SST's sequence number, used for filename generation and
// newest-first L0 ordering.
func (s *SSTable) Seq() uint64 { return s.seq }

// MinKey and MaxKey bound the key range; both empty for a (disallowed,
// never persisted) zero-record table.
func (s *SSTable) MinKey() []byte { return s.minKey }
func (s *SSTable) MaxKey() []byte { return s.maxKey }

// EntryCount returns the number of records stored.
func (s *SSTable) EntryCount() int { return s.entryCount }

// CreateSSTable writes sorted records to path as a new SST at the given
// level/seq. The records MUST already be sorted and deduplicated by key
// (MemTable.Snapshot and the compactor both guarantee this). An empty
// records slice is rejected by the caller before this is invoked (spec:
// "an SST created from zero records is not registered").
func CreateSSTable(path string, records []Record, level int, seq uint64) (*SSTable, error) {
	if len(records) == 0 {
		return nil, lsmerr.Invalid("sstable.create", fmt.Errorf("cannot create an SST from zero records"))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}

	bloom := NewBloomFilter(len(records), 0.01)
	for _, r := range records {
		bloom.Insert(r.Key)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}

	w := bufio.NewWriter(f)
	hdr := header{Magic: sstMagic, Version: sstVersion, EntryCount: uint64(len(records))}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}

	index := make([]indexEntry, 0, len(records)/indexInterval+1)
	offset := uint64(headerSize)
	for i, r := range records {
		if i%indexInterval == 0 {
			index = append(index, indexEntry{Key: r.Key, Offset: offset})
		}
		n, err := writeRecord(w, r)
		if err != nil {
			f.Close()
			return nil, lsmerr.Wrap("sstable.create", path, err)
		}
		offset += uint64(n)
	}

	hdr.IndexOffset = offset
	if err := writeIndex(w, index); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}

	bloomData := bloom.MarshalBinary()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(bloomData))); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}
	if _, err := w.Write(bloomData); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}
	crc := crc32.ChecksumIEEE(bloomData)
	if err := binary.Write(w, binary.LittleEndian, crc); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}

	// Patch the header's IndexOffset in place, then fsync before this SST
	// is ever registered with the level manager (spec §4.5: "at minimum
	// the engine fsyncs the file before registering it").
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}
	if err := binary.Write(f, binary.LittleEndian, &hdr); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, lsmerr.Wrap("sstable.create", path, err)
	}

	return OpenSSTable(path, level, seq)
}

// OpenSSTable memory-maps path and reads its header, sparse index, and
// Bloom filter into memory, leaving the record bodies to be read lazily
// through the mmap.
func OpenSSTable(path string, level int, seq uint64) (*SSTable, error) {
	mm, err := mmap.Open(path)
	if err != nil {
		return nil, lsmerr.Wrap("sstable.open", path, err)
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := mm.ReadAt(hdrBuf, 0); err != nil {
		mm.Close()
		return nil, lsmerr.Wrap("sstable.open", path, err)
	}
	var hdr header
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		mm.Close()
		return nil, lsmerr.Corruptf("sstable.open", path, "decode header: %v", err)
	}
	if hdr.Magic != sstMagic {
		mm.Close()
		return nil, lsmerr.New("sstable.open").Kind(lsmerr.Corrupt).Path(path).
			Cause(lsmerr.ErrBadMagic).Err()
	}
	if hdr.Version != sstVersion {
		mm.Close()
		return nil, lsmerr.New("sstable.open").Kind(lsmerr.Corrupt).Path(path).
			Cause(lsmerr.ErrUnknownVersion).Err()
	}

	index, bloomEnd, err := readIndex(mm, int64(hdr.IndexOffset))
	if err != nil {
		mm.Close()
		return nil, lsmerr.Corruptf("sstable.open", path, "decode index: %v", err)
	}

	bloom, err := readBloom(mm, bloomEnd, path)
	if err != nil {
		mm.Close()
		return nil, err
	}

	sst := &SSTable{
		path:       path,
		level:      level,
		seq:        seq,
		mm:         mm,
		header:     hdr,
		index:      index,
		bloom:      bloom,
		entryCount: int(hdr.EntryCount),
	}

	if hdr.EntryCount > 0 {
		first, _, err := readRecordAt(mm, int64(headerSize))
		if err != nil {
			mm.Close()
			return nil, lsmerr.Corruptf("sstable.open", path, "read first record: %v", err)
		}
		sst.minKey = first.Key

		last, err := sst.recordAtIndex(int(hdr.EntryCount) - 1)
		if err != nil {
			mm.Close()
			return nil, err
		}
		sst.maxKey = last.Key
	}

	return sst, nil
}

// Close releases the memory mapping.
func (s *SSTable) Close() error {
	if s.mm == nil {
		return nil
	}
	return s.mm.Close()
}

// Delete marks the SST for removal. Called for compaction inputs once the
// compaction has durably committed its replacement (see manifest.go), and
// for fresh outputs discarded after a failed write or commit. If a reader
// currently holds it via Acquire, the actual close+remove is deferred to
// that reader's matching Release.
func (s *SSTable) Delete() error {
	s.pendingDelete.Store(true)
	if s.refs.Load() == 0 {
		s.closeAndRemove()
	}
	return nil
}

// MightContain is the O(k) Bloom check.
func (s *SSTable) MightContain(key []byte) bool {
	return s.bloom.Contains(key)
}

// InRange reports whether key falls within [minKey, maxKey].
func (s *SSTable) InRange(key []byte) bool {
	if s.entryCount == 0 {
		return false
	}
	return bytes.Compare(key, s.minKey) >= 0 && bytes.Compare(key, s.maxKey) <= 0
}

// Get returns the record for key if this table might hold it. The caller
// (the engine's read path) is responsible for interpreting a tombstone
// result as "definitely deleted" rather than "continue searching".
func (s *SSTable) Get(key []byte) (Value, bool, error) {
	if !s.MightContain(key) || !s.InRange(key) {
		return Value{}, false, nil
	}

	idx := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].Key, key) >= 0
	})

	startOffset := int64(headerSize)
	scanLimit := s.entryCount
	if idx > 0 {
		startOffset = int64(s.index[idx-1].Offset)
		scanLimit = indexInterval * 2
	}

	offset := startOffset
	for i := 0; i < scanLimit; i++ {
		rec, n, err := readRecordAt(s.mm, offset)
		if err != nil {
			return Value{}, false, lsmerr.Corruptf("sstable.get", s.path, "read record at %d: %v", offset, err)
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			return rec.Value, true, nil
		}
		if cmp > 0 {
			return Value{}, false, nil
		}
		offset += int64(n)
	}
	return Value{}, false, nil
}

// Iterator returns every record in ascending key order, used by compaction
// and by Scan.
func (s *SSTable) Iterator() ([]Record, error) {
	records := make([]Record, 0, s.entryCount)
	offset := int64(headerSize)
	for i := 0; i < s.entryCount; i++ {
		rec, n, err := readRecordAt(s.mm, offset)
		if err != nil {
			return nil, lsmerr.Corruptf("sstable.iterator", s.path, "read record %d: %v", i, err)
		}
		records = append(records, rec)
		offset += int64(n)
	}
	return records, nil
}

// Scan returns the live (non-tombstone) records in [start, end).
func (s *SSTable) Scan(start, end []byte) ([]Record, error) {
	all, err := s.Iterator()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for _, r := range all {
		if bytes.Compare(r.Key, start) >= 0 && bytes.Compare(r.Key, end) < 0 && !r.Value.IsTombstone() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SSTable) recordAtIndex(i int) (Record, error) {
	// Walk from the nearest preceding sparse index slot; cheap because
	// indexInterval bounds the scan.
	slot := i / indexInterval
	offset := int64(headerSize)
	startRecord := 0
	if slot < len(s.index) {
		offset = int64(s.index[slot].Offset)
		startRecord = slot * indexInterval
	}
	var rec Record
	for j := startRecord; j <= i; j++ {
		r, n, err := readRecordAt(s.mm, offset)
		if err != nil {
			return Record{}, lsmerr.Corruptf("sstable.record_at", s.path, "read record %d: %v", j, err)
		}
		rec = r
		offset += int64(n)
	}
	return rec, nil
}

// SSTPath builds the filename for a fresh SST at level/seq, following the
// grammar in spec §6: flush outputs use the legacy sstable_<seq>.sst form,
// compaction outputs carry their level.
func SSTPath(dataDir string, level int, seq uint64) string {
	if level == 0 {
		return filepath.Join(dataDir, fmt.Sprintf("sstable_%06d.sst", seq))
	}
	return filepath.Join(dataDir, fmt.Sprintf("sstable_L%02d_%06d.sst", level, seq))
}
