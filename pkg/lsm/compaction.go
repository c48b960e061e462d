package lsm

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/pkg/lsmerr"
)

// Compactor merges SSTs between levels (C7). Grounded on the teacher's
// pkg/lsm/compaction.go, but corrected per spec §9's resolved Open
// Question: tombstones are dropped only when isBottomLevel is true, never
// unconditionally.
type Compactor struct {
	dataDir string
	cfg     Config
	log     logging.Logger
}

// NewCompactor returns a compactor writing outputs under dataDir.
func NewCompactor(dataDir string, cfg Config, log logging.Logger) *Compactor {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Compactor{dataDir: dataDir, cfg: cfg, log: log}
}

// Plan is the input to one compaction run.
type Plan struct {
	Inputs       []*SSTable
	OutputLevel  int
	IsBottom     bool
	NextSeq      func() uint64
}

// Compact merges plan.Inputs into one or more new SSTs at plan.OutputLevel.
// An empty input set is a no-op (spec §8 boundary behavior). Inputs are
// never deleted by Compact itself — the caller (Engine, via manifest.go)
// deletes them only after the outputs are durably committed, preserving
// crash safety.
func (c *Compactor) Compact(plan Plan) (outputs []*SSTable, err error) {
	if len(plan.Inputs) == 0 {
		return nil, nil
	}

	var all []Record
	for _, sst := range plan.Inputs {
		recs, iterErr := sst.Iterator()
		if iterErr != nil {
			return nil, fmt.Errorf("iterate %s: %w", sst.Path(), iterErr)
		}
		all = append(all, recs...)
	}

	merged := mergeNewestWins(all)

	if plan.IsBottom {
		merged = dropTombstones(merged)
	}

	if len(merged) == 0 {
		return nil, nil
	}

	outputs, err = c.writeSplitOutputs(merged, plan.OutputLevel, plan.NextSeq)
	if err != nil {
		for _, o := range outputs {
			o.Delete()
		}
		return nil, err
	}

	c.log.Info("compaction produced outputs",
		logging.LevelNum(plan.OutputLevel), logging.Count(len(outputs)), logging.Bool("bottom", plan.IsBottom))

	return outputs, nil
}

// mergeNewestWins accumulates records into a key-ordered sequence, keeping
// only the highest-Seq record for each key, per spec §4.9 merge semantics
// point 1.
func mergeNewestWins(all []Record) []Record {
	sort.Slice(all, func(i, j int) bool {
		cmp := bytes.Compare(all[i].Key, all[j].Key)
		if cmp != 0 {
			return cmp < 0
		}
		return all[i].Seq > all[j].Seq
	})

	out := make([]Record, 0, len(all))
	var lastKey []byte
	for _, r := range all {
		if lastKey != nil && bytes.Equal(r.Key, lastKey) {
			continue // already kept the newest (highest Seq) version
		}
		out = append(out, r)
		lastKey = r.Key
	}
	return out
}

// dropTombstones removes records whose final value is a tombstone. Only
// valid when the compaction target is the bottom-most populated level, per
// spec §9 / §4.9 merge semantics point 2.
func dropTombstones(records []Record) []Record {
	out := records[:0:0]
	for _, r := range records {
		if !r.Value.IsTombstone() {
			out = append(out, r)
		}
	}
	return out
}

func (c *Compactor) writeSplitOutputs(records []Record, level int, nextSeq func() uint64) ([]*SSTable, error) {
	var outputs []*SSTable

	var batch []Record
	var batchBytes int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		seq := nextSeq()
		path := SSTPath(c.dataDir, level, seq)
		sst, err := CreateSSTable(path, batch, level, seq)
		if err != nil {
			return lsmerr.Wrap("compaction.write_output", path, err)
		}
		outputs = append(outputs, sst)
		batch = nil
		batchBytes = 0
		return nil
	}

	for _, r := range records {
		recordBytes := int64(len(r.Key) + len(r.Value.Payload) + 17) // fixed-field overhead, see writeRecord
		if batchBytes+recordBytes > c.cfg.MaxSSTBytes && len(batch) > 0 {
			if err := flush(); err != nil {
				return outputs, err
			}
		}
		batch = append(batch, r)
		batchBytes += recordBytes
	}
	if err := flush(); err != nil {
		return outputs, err
	}

	return outputs, nil
}
