package lsm

import (
	"testing"

	"github.com/lsmkv/lsmkv/internal/logging"
)

func TestMergeNewestWinsKeepsHighestSeq(t *testing.T) {
	records := []Record{
		{Key: []byte("k"), Value: NewData([]byte("old")), Seq: 1},
		{Key: []byte("k"), Value: NewData([]byte("new")), Seq: 5},
		{Key: []byte("j"), Value: NewData([]byte("only")), Seq: 2},
	}

	merged := mergeNewestWins(records)
	if len(merged) != 2 {
		t.Fatalf("expected 2 distinct keys, got %d", len(merged))
	}
	for _, r := range merged {
		if string(r.Key) == "k" && string(r.Value.Payload) != "new" {
			t.Fatalf("expected the highest-Seq value to win, got %q", r.Value.Payload)
		}
	}
}

func TestDropTombstonesRemovesOnlyTombstones(t *testing.T) {
	records := []Record{
		{Key: []byte("a"), Value: NewData([]byte("1"))},
		{Key: []byte("b"), Value: NewTombstone()},
		{Key: []byte("c"), Value: NewData([]byte("3"))},
	}
	out := dropTombstones(records)
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving records, got %d", len(out))
	}
	for _, r := range out {
		if r.Value.IsTombstone() {
			t.Fatal("no tombstone should survive dropTombstones")
		}
	}
}

func TestCompactDropsTombstonesOnlyAtBottomLevel(t *testing.T) {
	dir := t.TempDir()
	input := makeSST(t, dir, 0, 1, "x")
	// overwrite its sole record with a tombstone by rebuilding it directly
	input.Close()
	input, err := CreateSSTable(input.Path(), []Record{{Key: []byte("x"), Value: NewTombstone(), Seq: 1}}, 0, 1)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}

	c := NewCompactor(dir, DefaultConfig(), logging.NewNopLogger())
	seq := uint64(100)
	nextSeq := func() uint64 { seq++; return seq }

	// Not the bottom level: tombstone must survive.
	outputs, err := c.Compact(Plan{Inputs: []*SSTable{input}, OutputLevel: 1, IsBottom: false, NextSeq: nextSeq})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected one output SST preserving the tombstone, got %d", len(outputs))
	}
	v, ok, err := outputs[0].Get([]byte("x"))
	if err != nil || !ok || !v.IsTombstone() {
		t.Fatalf("expected the tombstone to survive a non-bottom compaction, got %+v ok=%v", v, ok)
	}

	// Bottom level: tombstone must be dropped, producing no output at all.
	outputs, err = c.Compact(Plan{Inputs: []*SSTable{input}, OutputLevel: 1, IsBottom: true, NextSeq: nextSeq})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(outputs) != 0 {
		t.Fatalf("expected no output once the only record is a dropped tombstone, got %d", len(outputs))
	}
}

func TestCompactWithNoInputsIsNoOp(t *testing.T) {
	c := NewCompactor(t.TempDir(), DefaultConfig(), logging.NewNopLogger())
	outputs, err := c.Compact(Plan{})
	if err != nil || outputs != nil {
		t.Fatalf("expected a no-op for an empty input plan, got %v err=%v", outputs, err)
	}
}
