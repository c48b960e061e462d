package lsm

import (
	"bytes"
	"sort"
	"sync"
)

// LevelManager owns the set of live SSTs grouped by level (C6). L0 is kept
// newest-first (insertion order); L>=1 is kept sorted by min key and is
// pairwise non-overlapping. Grounded on the teacher's level-tracking logic
// embedded in pkg/lsm/lsm.go, split out into its own type because this spec
// gives it an explicit component (§4.8) the teacher does not.
type LevelManager struct {
	mu       sync.RWMutex
	levels   map[int][]*SSTable
	maxLevel int
	cfg      Config
}

// NewLevelManager returns an empty level manager.
func NewLevelManager(cfg Config) *LevelManager {
	return &LevelManager{levels: make(map[int][]*SSTable), cfg: cfg}
}

// Add registers sst at level, maintaining the per-level sort invariant.
func (lm *LevelManager) Add(sst *SSTable, level int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.addLocked(sst, level)
}

func (lm *LevelManager) addLocked(sst *SSTable, level int) {
	if level == 0 {
		// Newest-first: prepend.
		lm.levels[0] = append([]*SSTable{sst}, lm.levels[0]...)
	} else {
		lm.levels[level] = append(lm.levels[level], sst)
		sort.Slice(lm.levels[level], func(i, j int) bool {
			return bytes.Compare(lm.levels[level][i].MinKey(), lm.levels[level][j].MinKey()) < 0
		})
	}
	if level > lm.maxLevel {
		lm.maxLevel = level
	}
}

// RemoveMany unregisters every SST in victims (by path) from its level,
// recomputing maxLevel afterward.
func (lm *LevelManager) RemoveMany(victims []*SSTable) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	victimPaths := make(map[string]bool, len(victims))
	for _, v := range victims {
		victimPaths[v.Path()] = true
	}

	for level, ssts := range lm.levels {
		kept := ssts[:0:0]
		for _, s := range ssts {
			if !victimPaths[s.Path()] {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(lm.levels, level)
		} else {
			lm.levels[level] = kept
		}
	}
	lm.recomputeMaxLevel()
}

// AddRemove atomically applies a compaction/flush result: outputs added,
// inputs removed, under a single write lock, so a concurrent reader sees
// either the fully pre-compaction or fully post-compaction state (spec
// §4.9 point 4 / §5's read-lock-across-access requirement).
func (lm *LevelManager) AddRemove(outputs []*SSTable, outputLevel int, inputs []*SSTable) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	victimPaths := make(map[string]bool, len(inputs))
	for _, v := range inputs {
		victimPaths[v.Path()] = true
	}
	for level, ssts := range lm.levels {
		kept := ssts[:0:0]
		for _, s := range ssts {
			if !victimPaths[s.Path()] {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(lm.levels, level)
		} else {
			lm.levels[level] = kept
		}
	}
	for _, o := range outputs {
		lm.addLocked(o, outputLevel)
	}
	lm.recomputeMaxLevel()
}

func (lm *LevelManager) recomputeMaxLevel() {
	max := 0
	for level, ssts := range lm.levels {
		if len(ssts) > 0 && level > max {
			max = level
		}
	}
	lm.maxLevel = max
}

// MaxLevel returns the highest level currently holding any SST.
func (lm *LevelManager) MaxLevel() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.maxLevel
}

// Snapshot returns a shallow copy of the SSTs at level, in their canonical
// per-level order. Copy-on-read keeps this cheap and lock-minimized: the
// caller iterates the snapshot without holding the level manager's lock,
// per spec §5.
func (lm *LevelManager) Snapshot(level int) []*SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	ssts := lm.levels[level]
	out := make([]*SSTable, len(ssts))
	copy(out, ssts)
	return out
}

// AllLevels returns, for every populated level in ascending order, a
// snapshot of its SSTs — used by the read path to walk L0, L1, L2, ...
func (lm *LevelManager) AllLevels() [][]*SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := make([][]*SSTable, lm.maxLevel+1)
	for level := 0; level <= lm.maxLevel; level++ {
		ssts := lm.levels[level]
		cp := make([]*SSTable, len(ssts))
		copy(cp, ssts)
		out[level] = cp
	}
	return out
}

// ShouldCompact reports whether level needs compaction: L0 by file count,
// L>=1 by cumulative record count against max_size(level).
func (lm *LevelManager) ShouldCompact(level int) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	ssts := lm.levels[level]
	if level == 0 {
		return len(ssts) >= lm.cfg.L0FileLimit
	}
	var total int64
	for _, s := range ssts {
		total += int64(s.EntryCount())
	}
	return total > lm.cfg.maxLevelSize(level)
}

// CompactionCandidates returns the SSTs that should participate in a
// compaction of level: all of L0 (they may overlap), or the full level for
// L>=1 (spec §4.8: "a finer picker... is a permissible refinement", not
// implemented here).
func (lm *LevelManager) CompactionCandidates(level int) []*SSTable {
	return lm.Snapshot(level)
}

// Overlapping returns the SSTs at level whose key range intersects
// [min,max].
func (lm *LevelManager) Overlapping(level int, min, max []byte) []*SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var out []*SSTable
	for _, s := range lm.levels[level] {
		if s.EntryCount() == 0 {
			continue
		}
		if bytes.Compare(s.MinKey(), max) <= 0 && bytes.Compare(s.MaxKey(), min) >= 0 {
			out = append(out, s)
		}
	}
	return out
}

// IsBottomLevel reports whether level is the highest populated level, i.e.
// no older data can hide behind a tombstone compacted there (spec §4.9
// point 2 / the resolved Open Question on tombstone lifetime).
func (lm *LevelManager) IsBottomLevel(level int) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return level >= lm.maxLevel
}
