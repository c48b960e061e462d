package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lsmkv/lsmkv/internal/logging"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(OpInsert, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append(OpDelete, []byte("b"), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var got []Record
	if err := w.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Op != OpInsert || string(got[0].Key) != "a" || string(got[0].Value) != "1" {
		t.Fatalf("unexpected first record: %+v", got[0])
	}
	if got[1].Op != OpDelete || string(got[1].Key) != "b" {
		t.Fatalf("unexpected second record: %+v", got[1])
	}
}

func TestTruncateResetsLSN(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(OpInsert, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if lsn := w.CurrentLSN(); lsn != 0 {
		t.Fatalf("expected LSN 0 after truncate, got %d", lsn)
	}

	info, err := os.Stat(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty WAL after truncate, got %d bytes", info.Size())
	}
}

func TestReplayDiscardsPartialTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.Append(OpInsert, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	// Simulate a crash mid-write: append a few bytes of a new frame header
	// with no trailer.
	if _, err := f.Write([]byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	w2, err := Open(dir, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	var count int
	if err := w2.Replay(func(Record) error { count++; return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record to survive partial tail, got %d", count)
	}
}
