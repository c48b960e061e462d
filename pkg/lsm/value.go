package lsm

// Value is the unified {Data, Tombstone} variant used everywhere a record's
// payload is carried: in the MemTable, in SST records, and as the return
// shape of the internal read path. A zero Value with Tombstone=false and a
// nil Payload is distinct from a tombstone — callers should only ever obtain
// a Value via NewData or NewTombstone.
type Value struct {
	Payload   []byte
	Tombstone bool
}

// NewData wraps payload as a live value.
func NewData(payload []byte) Value {
	return Value{Payload: payload}
}

// NewTombstone returns a deletion marker.
func NewTombstone() Value {
	return Value{Tombstone: true}
}

// IsTombstone reports whether v represents a deletion.
func (v Value) IsTombstone() bool { return v.Tombstone }

// Record is the unit of storage in both the MemTable and SSTs: a key paired
// with its value variant and the sequence number that orders it against
// every other record for the same key.
type Record struct {
	Key   []byte
	Value Value
	// Seq totally orders records for the same key across MemTable and SST
	// boundaries; higher Seq always wins. Assigned by the engine's global
	// sequence counter at write time (see engine.go).
	Seq uint64
}
