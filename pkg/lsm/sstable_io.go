package lsm

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/exp/mmap"

	"github.com/lsmkv/lsmkv/pkg/lsmerr"
)

// writeRecord writes one record: [keyLen:4][key][tombstone:1][valueLen:4][value][seq:8].
// Returns the number of bytes written.
func writeRecord(w *bufio.Writer, r Record) (int, error) {
	n := 0
	if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Key))); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(r.Key); err != nil {
		return n, err
	}
	n += len(r.Key)

	var tombstone byte
	if r.Value.IsTombstone() {
		tombstone = 1
	}
	if err := w.WriteByte(tombstone); err != nil {
		return n, err
	}
	n++

	if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Value.Payload))); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(r.Value.Payload); err != nil {
		return n, err
	}
	n += len(r.Value.Payload)

	if err := binary.Write(w, binary.LittleEndian, r.Seq); err != nil {
		return n, err
	}
	n += 8

	return n, nil
}

// readRecordAt decodes one record from the mmap starting at offset.
// Returns the record and the number of bytes it occupied.
func readRecordAt(mm *mmap.ReaderAt, offset int64) (Record, int, error) {
	n := 0

	var keyLen uint32
	if err := readUint32At(mm, offset, &keyLen); err != nil {
		return Record{}, 0, err
	}
	offset += 4
	n += 4

	key := make([]byte, keyLen)
	if _, err := mm.ReadAt(key, offset); err != nil {
		return Record{}, 0, err
	}
	offset += int64(keyLen)
	n += int(keyLen)

	tombstoneBuf := make([]byte, 1)
	if _, err := mm.ReadAt(tombstoneBuf, offset); err != nil {
		return Record{}, 0, err
	}
	offset++
	n++

	var valueLen uint32
	if err := readUint32At(mm, offset, &valueLen); err != nil {
		return Record{}, 0, err
	}
	offset += 4
	n += 4

	value := make([]byte, valueLen)
	if valueLen > 0 {
		if _, err := mm.ReadAt(value, offset); err != nil {
			return Record{}, 0, err
		}
	}
	offset += int64(valueLen)
	n += int(valueLen)

	var seq uint64
	if err := readUint64At(mm, offset, &seq); err != nil {
		return Record{}, 0, err
	}
	n += 8

	v := Value{Payload: value, Tombstone: tombstoneBuf[0] == 1}
	return Record{Key: key, Value: v, Seq: seq}, n, nil
}

func readUint32At(mm *mmap.ReaderAt, offset int64, out *uint32) error {
	buf := make([]byte, 4)
	if _, err := mm.ReadAt(buf, offset); err != nil {
		return err
	}
	*out = binary.LittleEndian.Uint32(buf)
	return nil
}

func readUint64At(mm *mmap.ReaderAt, offset int64, out *uint64) error {
	buf := make([]byte, 8)
	if _, err := mm.ReadAt(buf, offset); err != nil {
		return err
	}
	*out = binary.LittleEndian.Uint64(buf)
	return nil
}

// writeIndex writes the sparse index: [count:4]{[keyLen:4][key][offset:8]}*
func writeIndex(w *bufio.Writer, index []indexEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(index))); err != nil {
		return err
	}
	for _, e := range index {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
			return err
		}
		if _, err := w.Write(e.Key); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Offset); err != nil {
			return err
		}
	}
	return nil
}

// readIndex reads the sparse index starting at offset and returns it plus
// the offset immediately following it (where the Bloom filter begins).
func readIndex(mm *mmap.ReaderAt, offset int64) ([]indexEntry, int64, error) {
	var count uint32
	if err := readUint32At(mm, offset, &count); err != nil {
		return nil, 0, err
	}
	offset += 4

	index := make([]indexEntry, count)
	for i := uint32(0); i < count; i++ {
		var keyLen uint32
		if err := readUint32At(mm, offset, &keyLen); err != nil {
			return nil, 0, err
		}
		offset += 4

		key := make([]byte, keyLen)
		if _, err := mm.ReadAt(key, offset); err != nil {
			return nil, 0, err
		}
		offset += int64(keyLen)

		var entryOffset uint64
		if err := readUint64At(mm, offset, &entryOffset); err != nil {
			return nil, 0, err
		}
		offset += 8

		index[i] = indexEntry{Key: key, Offset: entryOffset}
	}

	return index, offset, nil
}

// readBloom reads the footer's [bloomLen:4][bloomBytes][crc32:4] starting
// at offset and verifies the checksum.
func readBloom(mm *mmap.ReaderAt, offset int64, path string) (*BloomFilter, error) {
	var bloomLen uint32
	if err := readUint32At(mm, offset, &bloomLen); err != nil {
		return nil, lsmerr.Corruptf("sstable.open", path, "read bloom length: %v", err)
	}
	offset += 4

	bloomData := make([]byte, bloomLen)
	if _, err := mm.ReadAt(bloomData, offset); err != nil {
		return nil, lsmerr.Corruptf("sstable.open", path, "read bloom data: %v", err)
	}
	offset += int64(bloomLen)

	var crc uint32
	if err := readUint32At(mm, offset, &crc); err != nil {
		return nil, lsmerr.Corruptf("sstable.open", path, "read bloom crc: %v", err)
	}
	if crc32.ChecksumIEEE(bloomData) != crc {
		return nil, lsmerr.New("sstable.open").Kind(lsmerr.Corrupt).Path(path).
			Cause(lsmerr.ErrChecksum).Err()
	}

	bloom, err := UnmarshalBloomFilter(bloomData)
	if err != nil {
		return nil, lsmerr.Corruptf("sstable.open", path, "decode bloom: %v", err)
	}
	return bloom, nil
}
