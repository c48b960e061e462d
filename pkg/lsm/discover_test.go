package lsm

import "testing"

func TestParseSSTFilenameBothGrammars(t *testing.T) {
	level, seq, ok := parseSSTFilename("sstable_000042.sst")
	if !ok || level != 0 || seq != 42 {
		t.Fatalf("expected (0, 42, true) for the flush-naming form, got (%d, %d, %v)", level, seq, ok)
	}

	level, seq, ok = parseSSTFilename("sstable_L03_000007.sst")
	if !ok || level != 3 || seq != 7 {
		t.Fatalf("expected (3, 7, true) for the leveled-naming form, got (%d, %d, %v)", level, seq, ok)
	}

	_, _, ok = parseSSTFilename("not-an-sst.txt")
	if ok {
		t.Fatal("expected an unrelated filename not to match either grammar")
	}
}

func TestDiscoverSSTablesBootstrapsLegacyDirectory(t *testing.T) {
	dir := t.TempDir()
	makeSST(t, dir, 0, 1, "a").Close()
	makeSST(t, dir, 0, 2, "b").Close()

	m, live, err := OpenManifest(dir, nil)
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer m.Close()
	if len(live) != 0 {
		t.Fatalf("expected an empty manifest before bootstrap, got %v", live)
	}

	result, err := discoverSSTables(dir, live, m, nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(result.tables) != 2 {
		t.Fatalf("expected both legacy files adopted, got %d", len(result.tables))
	}
	if result.nextSeq != 3 {
		t.Fatalf("expected nextSeq to continue past the highest discovered seq, got %d", result.nextSeq)
	}

	_, live2, err := OpenManifest(dir, nil)
	if err != nil {
		t.Fatalf("reopen manifest: %v", err)
	}
	if len(live2) != 2 {
		t.Fatalf("expected bootstrap to have committed both files as live, got %v", live2)
	}
}
