package wal

import (
	"encoding/binary"

	"github.com/lsmkv/lsmkv/pkg/lsmerr"
)

// EncodeRecord serializes a Record into the self-describing payload carried
// inside an Entry's Data field.
func EncodeRecord(r Record) []byte {
	switch r.Op {
	case OpInsert:
		buf := make([]byte, 4+len(r.Key)+len(r.Value))
		binary.LittleEndian.PutUint32(buf, uint32(len(r.Key)))
		copy(buf[4:], r.Key)
		copy(buf[4+len(r.Key):], r.Value)
		return buf
	case OpDelete:
		return append([]byte(nil), r.Key...)
	default:
		return nil
	}
}

// DecodeRecord parses the Data payload of an Entry back into a Record.
func DecodeRecord(op OpType, data []byte) (Record, error) {
	switch op {
	case OpInsert:
		if len(data) < 4 {
			return Record{}, lsmerr.Corruptf("decode", "", "insert record too short: %d bytes", len(data))
		}
		keyLen := binary.LittleEndian.Uint32(data)
		if uint64(4+keyLen) > uint64(len(data)) {
			return Record{}, lsmerr.Corruptf("decode", "", "insert record key length %d exceeds payload", keyLen)
		}
		key := data[4 : 4+keyLen]
		value := data[4+keyLen:]
		return Record{Op: OpInsert, Key: key, Value: value}, nil
	case OpDelete:
		return Record{Op: OpDelete, Key: data}, nil
	default:
		return Record{}, lsmerr.Corruptf("decode", "", "unknown WAL op %d", op)
	}
}
