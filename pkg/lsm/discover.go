package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/pkg/lsmerr"
)

var (
	l0Pattern        = regexp.MustCompile(`^sstable_(\d{6})\.sst$`)
	leveledPattern   = regexp.MustCompile(`^sstable_L(\d{2})_(\d{6})\.sst$`)
)

// parseSSTFilename extracts (level, seq) from either naming form in spec
// §6's filename grammar. ok is false for anything that doesn't match.
func parseSSTFilename(name string) (level int, seq uint64, ok bool) {
	if m := l0Pattern.FindStringSubmatch(name); m != nil {
		var s uint64
		fmt.Sscanf(m[1], "%d", &s)
		return 0, s, true
	}
	if m := leveledPattern.FindStringSubmatch(name); m != nil {
		var l int
		var s uint64
		fmt.Sscanf(m[1], "%d", &l)
		fmt.Sscanf(m[2], "%d", &s)
		return l, s, true
	}
	return 0, 0, false
}

// discoverResult is the outcome of reconciling the manifest's live-ref set
// against what's actually present on disk.
type discoverResult struct {
	tables  []*SSTable
	nextSeq uint64
}

// discoverSSTables enumerates dataDir, resolves each file's level
// authoritatively from the manifest where possible (spec §9: "filenames
// alone are insufficient... the manifest should be authoritative"), and
// falls back to the filename grammar for files that predate the manifest
// (live is empty, i.e. this is either a fresh directory or one written
// before a manifest ever existed).
func discoverSSTables(dataDir string, live map[Ref]bool, m *Manifest, log logging.Logger) (discoverResult, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return discoverResult{}, lsmerr.Wrap("engine.open", dataDir, err)
	}

	type found struct {
		path  string
		level int
		seq   uint64
	}
	var all []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		level, seq, ok := parseSSTFilename(e.Name())
		if !ok {
			continue
		}
		all = append(all, found{path: filepath.Join(dataDir, e.Name()), level: level, seq: seq})
	}

	bootstrap := len(live) == 0 && len(all) > 0

	var result discoverResult
	var bootstrapAdds []Ref

	for _, f := range all {
		ref := Ref{Level: f.level, Seq: f.seq}
		if !bootstrap && !live[ref] {
			// An orphan output from a compaction/flush that never
			// committed its manifest record: safe to discard, since a
			// registered predecessor (the inputs) is still intact.
			log.Warn("removing orphan SST not present in manifest", logging.Path(f.path))
			os.Remove(f.path)
			continue
		}

		sst, err := OpenSSTable(f.path, f.level, f.seq)
		if err != nil {
			return discoverResult{}, err
		}
		result.tables = append(result.tables, sst)
		if f.seq+1 > result.nextSeq {
			result.nextSeq = f.seq + 1
		}
		if bootstrap {
			bootstrapAdds = append(bootstrapAdds, ref)
		}
	}

	if bootstrap {
		if err := m.Commit(bootstrapAdds, nil); err != nil {
			return discoverResult{}, err
		}
	}

	if result.nextSeq == 0 {
		result.nextSeq = 1
	}
	return result, nil
}
