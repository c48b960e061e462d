package lsm

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/pkg/lsmerr"
	"github.com/lsmkv/lsmkv/pkg/wal"
)

const cacheCapacity = 4096

// Engine is the embedded LSM-tree storage engine (C8), the façade every
// caller uses: Open, Put, Delete, Get, Flush, Close. It wires together the
// WAL, MemTable, level manager, compactor, and manifest under the lock
// order spec §5 mandates and never reverses: WAL, then MemTable, then
// LevelManager.
type Engine struct {
	cfg     Config
	dataDir string
	log     logging.Logger

	wal         *wal.WAL // nil when cfg.EnableWAL is false
	fallbackSeq atomic.Uint64

	memMu sync.RWMutex
	mem   *MemTable

	levels    *LevelManager
	manifest  *Manifest
	compactor *Compactor
	compactMu sync.Mutex // held for the whole of compactLevel
	fileSeq   atomic.Uint64

	cache    *resultCache
	metrics  *Metrics
	registry *prometheus.Registry

	compactCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	closed atomic.Bool
}

// Open opens (or creates) the engine at cfg.DataDir, recovering from the
// manifest, on-disk SSTs, and the WAL in that order, and starting the
// background compaction worker if cfg.BackgroundCompaction is set.
func Open(cfg Config) (*Engine, error) {
	return OpenWithLogger(cfg, logging.Default())
}

// OpenWithLogger is Open with an explicit logger, e.g. logging.NewNopLogger()
// for tests.
func OpenWithLogger(cfg Config, log logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, lsmerr.Wrap("engine.open", cfg.DataDir, err)
	}

	manifest, live, err := OpenManifest(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}

	discovered, err := discoverSSTables(cfg.DataDir, live, manifest, log)
	if err != nil {
		manifest.Close()
		return nil, err
	}

	levels := NewLevelManager(cfg)
	for _, sst := range discovered.tables {
		levels.Add(sst, sst.Level())
	}

	registry := prometheus.NewRegistry()
	e := &Engine{
		cfg:       cfg,
		dataDir:   cfg.DataDir,
		log:       log,
		levels:    levels,
		manifest:  manifest,
		compactor: NewCompactor(cfg.DataDir, cfg, log),
		cache:     newResultCache(cacheCapacity),
		metrics:   NewMetrics(registry),
		registry:  registry,
		compactCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	e.fileSeq.Store(discovered.nextSeq)

	mem := NewMemTable()
	if cfg.EnableWAL {
		w, err := wal.Open(cfg.DataDir, log)
		if err != nil {
			manifest.Close()
			return nil, err
		}
		if err := e.replayWAL(w, mem); err != nil {
			w.Close()
			manifest.Close()
			return nil, err
		}
		e.wal = w
	}
	e.mem = mem

	if cfg.BackgroundCompaction {
		e.wg.Add(1)
		go e.compactionLoop()
	}

	e.log.Info("engine opened",
		logging.Path(cfg.DataDir), logging.Count(len(discovered.tables)))
	return e, nil
}

// replayWAL reinserts every durable WAL entry into mem, using each entry's
// LSN as the record's sequence number: the WAL's own monotonic counter
// already gives exact newest-wins ordering, so the engine does not need a
// second counter for records recovered this way.
func (e *Engine) replayWAL(w *wal.WAL, mem *MemTable) error {
	entries, err := w.ReadAll()
	if err != nil {
		return err
	}
	for _, ent := range entries {
		rec, err := wal.DecodeRecord(ent.Op, ent.Data)
		if err != nil {
			return err
		}
		switch rec.Op {
		case wal.OpInsert:
			mem.Insert(rec.Key, rec.Value, ent.LSN)
		case wal.OpDelete:
			mem.InsertTombstone(rec.Key, ent.LSN)
		}
	}
	return nil
}

// appendWAL durably records one mutation and returns the sequence number to
// stamp on the corresponding MemTable record. With the WAL disabled, a
// process-local counter stands in; those records do not survive a crash,
// which is exactly what disabling the WAL means.
func (e *Engine) appendWAL(op wal.OpType, key, value []byte) (uint64, error) {
	if e.wal != nil {
		return e.wal.Append(op, key, value)
	}
	return e.fallbackSeq.Add(1), nil
}

// Put durably stores payload under key, overwriting any prior value or
// tombstone. It returns Io if the write-ahead log append fails; a MemTable
// insert after a successful WAL append cannot itself fail, since it is a
// plain in-memory map write.
func (e *Engine) Put(key, payload []byte) error {
	if e.closed.Load() {
		return closedErr("engine.put")
	}
	if len(key) == 0 {
		return lsmerr.Invalid("engine.put", lsmerr.ErrEmptyKey)
	}
	start := time.Now()
	defer e.metrics.observe("put", start)

	seq, err := e.appendWAL(wal.OpInsert, key, payload)
	if err != nil {
		return lsmerr.Wrap("engine.put", e.dataDir, err)
	}

	e.memMu.RLock()
	mem := e.mem
	mem.Insert(key, payload, seq)
	e.memMu.RUnlock()

	e.cache.invalidate(string(key))
	e.metrics.Puts.Inc()

	if mem.Len() >= e.cfg.MemtableSizeLimit {
		return e.Flush()
	}
	return nil
}

// Delete marks key as deleted. A delete of an absent key is not an error
// (spec §8: "delete; delete; get == None, no error").
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return closedErr("engine.delete")
	}
	if len(key) == 0 {
		return lsmerr.Invalid("engine.delete", lsmerr.ErrEmptyKey)
	}
	start := time.Now()
	defer e.metrics.observe("delete", start)

	seq, err := e.appendWAL(wal.OpDelete, key, nil)
	if err != nil {
		return lsmerr.Wrap("engine.delete", e.dataDir, err)
	}

	e.memMu.RLock()
	mem := e.mem
	mem.InsertTombstone(key, seq)
	e.memMu.RUnlock()

	e.cache.invalidate(string(key))
	e.metrics.Deletes.Inc()

	if mem.Len() >= e.cfg.MemtableSizeLimit {
		return e.Flush()
	}
	return nil
}

// Get returns the most recently put value for key, or found=false if no
// value is live (never put, or deleted). Get never fails for a missing key;
// an error return means an I/O or corruption failure actually occurred.
func (e *Engine) Get(key []byte) (payload []byte, found bool, err error) {
	if e.closed.Load() {
		return nil, false, closedErr("engine.get")
	}
	if len(key) == 0 {
		return nil, false, lsmerr.Invalid("engine.get", lsmerr.ErrEmptyKey)
	}
	start := time.Now()
	defer e.metrics.observe("get", start)

	keyStr := string(key)
	if v, found, ok := e.cache.get(keyStr); ok {
		if found {
			e.metrics.Gets.WithLabelValues("hit").Inc()
			return v.Payload, true, nil
		}
		e.metrics.Gets.WithLabelValues("miss").Inc()
		return nil, false, nil
	}

	e.memMu.RLock()
	mem := e.mem
	e.memMu.RUnlock()

	if rec, ok := mem.Lookup(key); ok {
		payload, found := e.recordResult(keyStr, rec.Value)
		return payload, found, nil
	}

	// Each SST is pinned with Acquire/Release around its own access rather
	// than under one level-manager lock held across the whole walk: the
	// level manager already hands out copy-on-read snapshots (spec §5's
	// alternative to holding its read lock across file I/O).
	for _, level := range e.levels.AllLevels() {
		for _, sst := range level {
			sst.Acquire()
			v, ok, gerr := sst.Get(key)
			sst.Release()
			if gerr != nil {
				return nil, false, lsmerr.Wrap("engine.get", sst.Path(), gerr)
			}
			if ok {
				payload, found := e.recordResult(keyStr, v)
				return payload, found, nil
			}
		}
	}

	e.cache.put(keyStr, Value{}, false)
	e.metrics.Gets.WithLabelValues("miss").Inc()
	return nil, false, nil
}

// recordResult turns the first matching record found in the read path into
// Get's return shape, caching the resolved outcome (not the raw record) so
// a cache hit never needs to re-interpret a tombstone.
func (e *Engine) recordResult(keyStr string, v Value) ([]byte, bool) {
	if v.IsTombstone() {
		e.cache.put(keyStr, Value{}, false)
		e.metrics.Gets.WithLabelValues("miss").Inc()
		return nil, false
	}
	e.cache.put(keyStr, v, true)
	e.metrics.Gets.WithLabelValues("hit").Inc()
	return v.Payload, true
}

// Flush snapshots the active MemTable into a new L0 SST, swaps in a fresh
// empty MemTable, and truncates the WAL only once the SST is durable on
// disk and its manifest record committed — so a crash between snapshot and
// truncate always recovers the same data via WAL replay (spec §4.7, §8).
func (e *Engine) Flush() error {
	start := time.Now()
	defer e.metrics.observe("flush", start)

	e.memMu.Lock()
	mem := e.mem
	if mem.IsEmpty() {
		e.memMu.Unlock()
		return nil
	}
	records := mem.Snapshot()
	e.mem = NewMemTable()
	e.memMu.Unlock()

	seq := e.nextFileSeq()
	path := SSTPath(e.dataDir, 0, seq)
	sst, err := CreateSSTable(path, records, 0, seq)
	if err != nil {
		return lsmerr.Wrap("engine.flush", path, err)
	}

	if err := e.manifest.Commit([]Ref{{Level: 0, Seq: seq}}, nil); err != nil {
		sst.Delete()
		return err
	}

	e.levels.Add(sst, 0)

	if e.wal != nil {
		if err := e.wal.Truncate(); err != nil {
			return lsmerr.Wrap("engine.flush", e.dataDir, err)
		}
	}

	e.cache.invalidateAll()
	e.metrics.Flushes.Inc()
	e.metrics.L0Files.Set(float64(len(e.levels.Snapshot(0))))
	e.log.Info("flushed memtable", logging.Count(len(records)), logging.SSTPath(path))

	e.signalCompaction()
	return nil
}

func (e *Engine) nextFileSeq() uint64 {
	return e.fileSeq.Add(1) - 1
}

func (e *Engine) signalCompaction() {
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}

// compactionLoop is the single background compaction worker (spec §4.7:
// "a single worker is awakened either by a timer or by a signal"). It
// serializes every pass through runCompactionPass so at most one compaction
// runs at a time, per spec §5.
func (e *Engine) compactionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.BackgroundCompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runCompactionPass()
		case <-e.compactCh:
			e.runCompactionPass()
		}
	}
}

// runCompactionPass scans levels from 0 upward and compacts at most one
// level per pass (spec §4.7: "scans starting at level 0... runs at most one
// compaction, then returns control to the scheduler").
func (e *Engine) runCompactionPass() {
	for level := 0; level <= e.levels.MaxLevel(); level++ {
		if !e.levels.ShouldCompact(level) {
			continue
		}
		if err := e.compactLevel(level); err != nil {
			e.log.Error("compaction failed", logging.LevelNum(level), logging.Error(err))
		}
		return
	}
}

func (e *Engine) compactLevel(level int) error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()
	start := time.Now()
	defer e.metrics.observe("compact", start)

	inputs := e.levels.CompactionCandidates(level)
	if len(inputs) == 0 {
		return nil
	}
	outputLevel := level + 1

	var minKey, maxKey []byte
	for _, sst := range inputs {
		if minKey == nil || bytes.Compare(sst.MinKey(), minKey) < 0 {
			minKey = sst.MinKey()
		}
		if maxKey == nil || bytes.Compare(sst.MaxKey(), maxKey) > 0 {
			maxKey = sst.MaxKey()
		}
	}
	overlap := e.levels.Overlapping(outputLevel, minKey, maxKey)

	allInputs := make([]*SSTable, 0, len(inputs)+len(overlap))
	allInputs = append(allInputs, inputs...)
	allInputs = append(allInputs, overlap...)

	plan := Plan{
		Inputs:      allInputs,
		OutputLevel: outputLevel,
		IsBottom:    e.levels.IsBottomLevel(outputLevel),
		NextSeq:     e.nextFileSeq,
	}

	outputs, err := e.compactor.Compact(plan)
	if err != nil {
		return err
	}

	adds := make([]Ref, len(outputs))
	for i, o := range outputs {
		adds[i] = Ref{Level: outputLevel, Seq: o.Seq()}
	}
	removes := make([]Ref, len(allInputs))
	for i, in := range allInputs {
		removes[i] = Ref{Level: in.Level(), Seq: in.Seq()}
	}

	if err := e.manifest.Commit(adds, removes); err != nil {
		for _, o := range outputs {
			o.Delete()
		}
		return err
	}

	e.levels.AddRemove(outputs, outputLevel, allInputs)
	for _, in := range allInputs {
		in.Delete()
	}

	e.cache.invalidateAll()
	e.metrics.Compactions.Inc()
	e.metrics.L0Files.Set(float64(len(e.levels.Snapshot(0))))
	e.log.Info("compaction committed",
		logging.LevelNum(level), logging.Count(len(allInputs)), logging.Count(len(outputs)))
	return nil
}

// Close stops the background compactor, flushes any remaining MemTable
// contents, and closes the WAL, manifest, and every open SST handle.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.wg.Wait()

	e.memMu.RLock()
	empty := e.mem.IsEmpty()
	e.memMu.RUnlock()
	if !empty {
		if err := e.Flush(); err != nil {
			return err
		}
	}

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return err
		}
	}
	if err := e.manifest.Close(); err != nil {
		return err
	}
	for _, level := range e.levels.AllLevels() {
		for _, sst := range level {
			sst.Close()
		}
	}
	return nil
}

// CompactNow runs one compaction pass synchronously against the lowest
// level that currently needs it, regardless of whether background
// compaction is enabled. Useful for tests and for callers that want
// deterministic control over when compaction I/O happens.
func (e *Engine) CompactNow() error {
	for level := 0; level <= e.levels.MaxLevel(); level++ {
		if !e.levels.ShouldCompact(level) {
			continue
		}
		return e.compactLevel(level)
	}
	return nil
}

// L0FileCount reports the number of SSTs currently resident in level 0.
func (e *Engine) L0FileCount() int {
	return len(e.levels.Snapshot(0))
}

// Registry exposes the engine's Prometheus registry so a caller can scrape
// or expose it via its own HTTP surface; the engine itself has no network
// listener of its own (spec §1 Non-goal: networked access).
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// CacheStats reports the point-lookup result cache's lifetime hit/miss
// counts.
func (e *Engine) CacheStats() (hits, misses int64) { return e.cache.stats() }

func closedErr(op string) error {
	return lsmerr.New(op).Kind(lsmerr.Io).Cause(lsmerr.ErrClosed).Err()
}
