// Package walog implements the write-ahead log that spec.md section 6
// and pkg/kvstore's walcontract.go declare as a collaborator interface:
// a single append-only file of length-prefixed, CRC-guarded records,
// each fsynced before EndRecord returns, with a shared overlay so reads
// against not-yet-enacted slots see the planned bytes (spec.md section
// 5, "Sharing").
//
// Modeled on the Plan/Enact/Complete discipline spec.md section 3
// describes: Log only ever accumulates and replays byte-level actions.
// It has no notion of keys, tiers, or columns — those live one layer up
// in pkg/kvstore.
package walog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"
)

// Log is the concrete kvstore.Log implementation: one append-only file
// plus the in-memory overlay and FIFO queue of durable-but-unreplayed
// records.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string

	overlay *overlay

	pendingMu sync.Mutex
	pending   []*reader
}

// Open opens (creating if absent) the log file at path and replays any
// records left over from a prior run into the overlay, so that readers
// see planned-but-not-yet-enacted bytes exactly as they would have
// before the process exited. A record that is truncated or fails its
// CRC check — meaning it was torn by a crash mid-write — is discarded,
// per spec.md's "a record partially written to the WAL is discarded on
// replay", and the file is trimmed to the last good record boundary so
// a subsequent append starts clean.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: opening %s: %w", path, err)
	}
	l := &Log{file: f, path: path, overlay: newOverlay()}
	if err := l.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// recover scans the file from the start, queuing every well-formed
// record it finds as a pending, unreplayed record and merging its
// actions into the overlay. It stops — and truncates the file — at the
// first header or payload that doesn't fully fit, or whose checksum
// doesn't match.
func (l *Log) recover() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("walog: stat %s: %w", l.path, err)
	}
	size := info.Size()

	var offset int64
	for offset < size {
		if size-offset < frameHeaderSize {
			break
		}
		header := make([]byte, frameHeaderSize)
		if _, err := l.file.ReadAt(header, offset); err != nil && err != io.EOF {
			return fmt.Errorf("walog: reading header at %d: %w", offset, err)
		}
		payloadLen := int64(binary.LittleEndian.Uint32(header[0:4]))
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		if offset+frameHeaderSize+payloadLen > size {
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := l.file.ReadAt(payload, offset+frameHeaderSize); err != nil && err != io.EOF {
			return fmt.Errorf("walog: reading payload at %d: %w", offset, err)
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}
		actions, err := decodeActions(payload)
		if err != nil {
			break
		}
		l.enqueueDurable(actions)
		offset += frameHeaderSize + payloadLen
	}

	if offset != size {
		if err := l.file.Truncate(offset); err != nil {
			return fmt.Errorf("walog: truncating torn tail of %s: %w", l.path, err)
		}
	}
	if _, err := l.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("walog: seeking to %d in %s: %w", offset, l.path, err)
	}
	return nil
}

func (l *Log) enqueueDurable(actions []kvstore.LogAction) {
	vks, iks := l.overlay.put(actions)
	l.pendingMu.Lock()
	l.pending = append(l.pending, &reader{log: l, actions: actions, values: vks, indexes: iks})
	l.pendingMu.Unlock()
}

// BeginRecord returns a fresh accumulator for one record's mutations.
func (l *Log) BeginRecord() kvstore.LogWriter {
	return newWriter(l)
}

// EndRecord serializes w's accumulated actions, appends them to the log
// file, and fsyncs before returning — only then are the actions merged
// into the shared overlay and queued for ReadNext, so a crash between
// the write and the fsync never exposes a record that didn't survive.
// drain is a hint that this record is part of a rebalance batch; this
// implementation fsyncs unconditionally regardless, since every record
// must be durable before EndRecord can return.
func (l *Log) EndRecord(w kvstore.LogWriter, drain bool) (int, error) {
	_ = drain
	wr, ok := w.(*writer)
	if !ok {
		return 0, fmt.Errorf("walog: EndRecord given a LogWriter not created by this Log")
	}
	if len(wr.actions) == 0 {
		return 0, nil
	}
	buf := encodeRecord(wr.actions)

	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.file.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("walog: writing record to %s: %w", l.path, err)
	}
	if err := fdatasync(l.file); err != nil {
		return 0, fmt.Errorf("walog: fsyncing %s: %w", l.path, err)
	}

	l.enqueueDurable(wr.actions)
	return n, nil
}

// ReadNext returns the oldest durable record that hasn't been fully
// replayed yet, in FIFO order.
func (l *Log) ReadNext() (kvstore.LogReader, bool, error) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	if len(l.pending) == 0 {
		return nil, false, nil
	}
	r := l.pending[0]
	l.pending = l.pending[1:]
	return r, true, nil
}

// Overlays exposes the shared read-side view of every not-yet-retired
// planned record.
func (l *Log) Overlays() kvstore.LogQuery {
	return l.overlay
}

// Close releases the underlying file. It does not flush; callers should
// have already drained ReadNext and applied every record before
// closing.
func (l *Log) Close() error {
	return l.file.Close()
}

var _ kvstore.Log = (*Log)(nil)
