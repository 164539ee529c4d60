package walog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"
)

// Wire format for one record, length-prefixed and CRC-guarded, in the
// style of other_examples' WAL writers (LeeNgari-RDBMS's writeRecord,
// mrsladoje-HundDB's record framing) adapted to this package's action set
// and to the teacher's little-endian, explicit-offset encoding idiom.
//
//	[recordLen: u32_le][crc32: u32_le][payload: actionCount u32_le, actions...]
//
// recordLen and crc32 cover exactly payload (everything after the first
// 8 bytes). Each action:
//
//	kind: u8
//	InsertValue:  table: u16_le, index: u64_le, dataLen: u32_le, data
//	InsertIndex:  table: u16_le, chunk: u64_le, dataLen: u32_le, data
//	DropTable:    table: u16_le
const (
	// frameHeaderSize is the fixed length+crc prefix every record on
	// disk starts with; payload (what decodeActions parses) begins
	// immediately after it.
	frameHeaderSize = 4 + 4

	actionKindInsertValue byte = 0
	actionKindInsertIndex byte = 1
	actionKindDropTable   byte = 2
)

func encodeRecord(actions []kvstore.LogAction) []byte {
	size := 0
	for _, a := range actions {
		size += actionEncodedSize(a)
	}
	payloadLen := 4 + size // 4 for the action count
	buf := make([]byte, frameHeaderSize+payloadLen)
	binary.LittleEndian.PutUint32(buf[frameHeaderSize:frameHeaderSize+4], uint32(len(actions)))
	off := frameHeaderSize + 4
	for _, a := range actions {
		off += encodeAction(buf[off:], a)
	}
	payload := buf[frameHeaderSize:]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	return buf
}

func actionEncodedSize(a kvstore.LogAction) int {
	switch a.Kind {
	case kvstore.ActionInsertValue:
		return 1 + 2 + 8 + 4 + len(a.ValueBytes)
	case kvstore.ActionInsertIndex:
		return 1 + 2 + 8 + 4 + len(a.ChunkBytes)
	case kvstore.ActionDropTable:
		return 1 + 2
	default:
		panic(fmt.Sprintf("walog: unknown action kind %d", a.Kind))
	}
}

func encodeAction(buf []byte, a kvstore.LogAction) int {
	switch a.Kind {
	case kvstore.ActionInsertValue:
		buf[0] = actionKindInsertValue
		binary.LittleEndian.PutUint16(buf[1:3], uint16(a.ValueTable))
		binary.LittleEndian.PutUint64(buf[3:11], a.ValueIndex)
		binary.LittleEndian.PutUint32(buf[11:15], uint32(len(a.ValueBytes)))
		n := copy(buf[15:], a.ValueBytes)
		return 15 + n
	case kvstore.ActionInsertIndex:
		buf[0] = actionKindInsertIndex
		binary.LittleEndian.PutUint16(buf[1:3], uint16(a.IndexTable))
		binary.LittleEndian.PutUint64(buf[3:11], a.ChunkIndex)
		binary.LittleEndian.PutUint32(buf[11:15], uint32(len(a.ChunkBytes)))
		n := copy(buf[15:], a.ChunkBytes)
		return 15 + n
	case kvstore.ActionDropTable:
		buf[0] = actionKindDropTable
		binary.LittleEndian.PutUint16(buf[1:3], uint16(a.DropTable))
		return 3
	default:
		panic(fmt.Sprintf("walog: unknown action kind %d", a.Kind))
	}
}

// decodeActions parses a record's payload (everything after the 8-byte
// length+crc prefix) back into actions.
func decodeActions(payload []byte) ([]kvstore.LogAction, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: record payload too short for action count", kvstore.ErrCorruption)
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	off := 4
	actions := make([]kvstore.LogAction, 0, count)
	for i := uint32(0); i < count; i++ {
		if off >= len(payload) {
			return nil, fmt.Errorf("%w: record truncated before action %d/%d", kvstore.ErrCorruption, i, count)
		}
		a, n, err := decodeAction(payload[off:])
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
		off += n
	}
	return actions, nil
}

func decodeAction(buf []byte) (kvstore.LogAction, int, error) {
	if len(buf) < 1 {
		return kvstore.LogAction{}, 0, fmt.Errorf("%w: empty action", kvstore.ErrCorruption)
	}
	switch buf[0] {
	case actionKindInsertValue:
		if len(buf) < 15 {
			return kvstore.LogAction{}, 0, fmt.Errorf("%w: truncated InsertValue action", kvstore.ErrCorruption)
		}
		table := kvstore.ValueTableID(binary.LittleEndian.Uint16(buf[1:3]))
		index := binary.LittleEndian.Uint64(buf[3:11])
		dataLen := binary.LittleEndian.Uint32(buf[11:15])
		if len(buf) < 15+int(dataLen) {
			return kvstore.LogAction{}, 0, fmt.Errorf("%w: truncated InsertValue payload", kvstore.ErrCorruption)
		}
		data := append([]byte(nil), buf[15:15+int(dataLen)]...)
		return kvstore.LogAction{Kind: kvstore.ActionInsertValue, ValueTable: table, ValueIndex: index, ValueBytes: data}, 15 + int(dataLen), nil

	case actionKindInsertIndex:
		if len(buf) < 15 {
			return kvstore.LogAction{}, 0, fmt.Errorf("%w: truncated InsertIndex action", kvstore.ErrCorruption)
		}
		table := kvstore.IndexTableID(binary.LittleEndian.Uint16(buf[1:3]))
		chunk := binary.LittleEndian.Uint64(buf[3:11])
		dataLen := binary.LittleEndian.Uint32(buf[11:15])
		if len(buf) < 15+int(dataLen) {
			return kvstore.LogAction{}, 0, fmt.Errorf("%w: truncated InsertIndex payload", kvstore.ErrCorruption)
		}
		data := append([]byte(nil), buf[15:15+int(dataLen)]...)
		return kvstore.LogAction{Kind: kvstore.ActionInsertIndex, IndexTable: table, ChunkIndex: chunk, ChunkBytes: data}, 15 + int(dataLen), nil

	case actionKindDropTable:
		if len(buf) < 3 {
			return kvstore.LogAction{}, 0, fmt.Errorf("%w: truncated DropTable action", kvstore.ErrCorruption)
		}
		table := kvstore.IndexTableID(binary.LittleEndian.Uint16(buf[1:3]))
		return kvstore.LogAction{Kind: kvstore.ActionDropTable, DropTable: table}, 3, nil

	default:
		return kvstore.LogAction{}, 0, fmt.Errorf("%w: unknown action kind byte %d", kvstore.ErrCorruption, buf[0])
	}
}
