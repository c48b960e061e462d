package logging

import "time"

// Field constructors covering the values the engine actually logs.

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Component(name string) Field { return String("component", name) }
func Operation(op string) Field   { return String("operation", op) }
func Latency(d time.Duration) Field { return Duration("latency", d) }
func Count(n int) Field           { return Int("count", n) }
func Path(p string) Field         { return String("path", p) }

// Key logs a storage key. Keys longer than 16 bytes are cut to their first
// 16 bytes plus "…", whatever the level the entry is logged at.
func Key(k []byte) Field {
	const maxLen = 16
	s := string(k)
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return String("key", s)
}

func SeqNum(n uint64) Field  { return Uint64("seq", n) }
func LevelNum(l int) Field   { return Int("level", l) }
func SSTPath(p string) Field { return String("sst_path", p) }
