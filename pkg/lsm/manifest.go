package lsm

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/pkg/lsmerr"
)

// Manifest resolves spec §9's first and third Open Questions: there is no
// byte layout mandated by spec.md, so this format is new, grounded in the
// general LSM literature the spec itself points at ("a manifest file
// logging (adds, removes) per compaction, applied atomically") and in the
// append+fsync discipline the teacher's own WAL (pkg/wal) uses to make a
// single record durable before anything downstream may act on it.
//
// Each committed record names the transaction (a uuid.UUID, so a partially
// written record can never be confused with a complete one that happens to
// reuse an id) plus the SSTs it adds and removes, identified by
// (level, seq) rather than by filename, so recovery never has to infer a
// file's level from its name. Record layout:
//
//	[len:4][txnID:16][adds:2 {level:1 seq:8}*][removes:2 {level:1 seq:8}*][crc32:4]
const manifestFileName = "MANIFEST"

// Ref identifies one SST by its level and sequence number, independent of
// its on-disk filename.
type Ref struct {
	Level int
	Seq   uint64
}

// Manifest is the append-only commit log for level-manager mutations.
type Manifest struct {
	mu   sync.Mutex
	file *os.File
	path string
	log  logging.Logger
}

// OpenManifest opens (creating if absent) dataDir/MANIFEST and replays it to
// compute the authoritative set of currently-live SSTs.
func OpenManifest(dataDir string, log logging.Logger) (*Manifest, map[Ref]bool, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	path := filepath.Join(dataDir, manifestFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, lsmerr.Wrap("manifest.open", path, err)
	}

	m := &Manifest{file: f, path: path, log: log}
	live, err := m.replay()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return m, live, nil
}

// replay reconstructs the live-ref set by applying every well-formed
// record in order. A partial trailing record (a crash mid-commit) is
// discarded exactly like a partial WAL frame: silently, not as an error.
func (m *Manifest) replay() (map[Ref]bool, error) {
	if _, err := m.file.Seek(0, io.SeekStart); err != nil {
		return nil, lsmerr.Wrap("manifest.replay", m.path, err)
	}
	r := bufio.NewReader(m.file)

	live := make(map[Ref]bool)
	for {
		adds, removes, err := readManifestRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			m.log.Warn("discarding partial manifest record at tail", logging.Path(m.path))
			break
		}
		for _, a := range adds {
			live[a] = true
		}
		for _, d := range removes {
			delete(live, d)
		}
	}

	if _, err := m.file.Seek(0, io.SeekEnd); err != nil {
		return nil, lsmerr.Wrap("manifest.replay", m.path, err)
	}
	return live, nil
}

// Commit durably records that adds became live and removes stopped being
// live, as one atomic record. Callers must only delete the physical files
// behind removes after Commit returns successfully — and must have already
// fsynced every file in adds (SSTable creation does this).
func (m *Manifest) Commit(adds, removes []Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txnID := uuid.New()
	buf := encodeManifestRecord(txnID, adds, removes)

	if _, err := m.file.Write(buf); err != nil {
		return lsmerr.Wrap("manifest.commit", m.path, err)
	}
	if err := m.file.Sync(); err != nil {
		return lsmerr.Wrap("manifest.commit", m.path, err)
	}
	return nil
}

// Close syncs and closes the manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		return lsmerr.Wrap("manifest.close", m.path, err)
	}
	return m.file.Close()
}

func encodeManifestRecord(txnID uuid.UUID, adds, removes []Ref) []byte {
	body := make([]byte, 0, 16+2+2+len(adds)*9+len(removes)*9)
	idBytes, _ := txnID.MarshalBinary()
	body = append(body, idBytes...)
	body = appendRefs(body, adds)
	body = appendRefs(body, removes)

	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	binary.LittleEndian.PutUint32(out[4+len(body):], crc)
	return out
}

func appendRefs(body []byte, refs []Ref) []byte {
	n := len(body)
	body = append(body, 0, 0)
	binary.LittleEndian.PutUint16(body[n:], uint16(len(refs)))
	for _, r := range refs {
		body = append(body, byte(r.Level))
		seqBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(seqBuf, r.Seq)
		body = append(body, seqBuf...)
	}
	return body
}

func readManifestRecord(r *bufio.Reader) (adds, removes []Ref, err error) {
	var recLen uint32
	if err := binary.Read(r, binary.LittleEndian, &recLen); err != nil {
		return nil, nil, err
	}

	body := make([]byte, recLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errPartialManifestRecord
	}

	var crc uint32
	if err := binary.Read(r, binary.LittleEndian, &crc); err != nil {
		return nil, nil, errPartialManifestRecord
	}
	if crc32.ChecksumIEEE(body) != crc {
		return nil, nil, errPartialManifestRecord
	}

	if len(body) < 16 {
		return nil, nil, errPartialManifestRecord
	}
	off := 16 // skip txn id, not needed for replay

	var addCount uint16
	addCount = binary.LittleEndian.Uint16(body[off:])
	off += 2
	adds = make([]Ref, addCount)
	for i := range adds {
		if off+9 > len(body) {
			return nil, nil, errPartialManifestRecord
		}
		adds[i] = Ref{Level: int(body[off]), Seq: binary.LittleEndian.Uint64(body[off+1:])}
		off += 9
	}

	if off+2 > len(body) {
		return nil, nil, errPartialManifestRecord
	}
	removeCount := binary.LittleEndian.Uint16(body[off:])
	off += 2
	removes = make([]Ref, removeCount)
	for i := range removes {
		if off+9 > len(body) {
			return nil, nil, errPartialManifestRecord
		}
		removes[i] = Ref{Level: int(body[off]), Seq: binary.LittleEndian.Uint64(body[off+1:])}
		off += 9
	}

	return adds, removes, nil
}

type manifestRecordError string

func (e manifestRecordError) Error() string { return string(e) }

const errPartialManifestRecord = manifestRecordError("partial manifest record")
