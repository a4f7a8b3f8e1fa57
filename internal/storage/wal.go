// Package storage implements AkiDB's durability layer: a framed
// write-ahead log, a pluggable object-store abstraction for tiered
// snapshots, a Parquet-backed snapshotter, a hot/warm/cold tiering
// manager, a circuit breaker guarding remote calls, and a dead-letter
// queue for snapshots that exhaust their retry budget.
package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"go.uber.org/zap"
)

// Op identifies the kind of mutation a WAL record describes.
type Op uint8

const (
	OpInsert Op = 1
	OpDelete Op = 2
)

// Record is a decoded write-ahead log entry (spec §6 wire format:
// {u64 lsn, u8 op, u128 doc_id, u32 dim, f32[dim] vector, u32 meta_len,
// bytes meta, u32 crc32c}). Vector is empty for OpDelete.
type Record struct {
	LSN    uint64
	Op     Op
	DocID  core.DocumentID
	Vector []float32
	Meta   []byte
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// encode serializes r without its CRC, then appends the CRC32C of
// everything preceding it.
func encodeRecord(r Record) []byte {
	dim := len(r.Vector)
	size := 8 + 1 + 16 + 4 + dim*4 + 4 + len(r.Meta) + 4
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], r.LSN)
	off += 8
	buf[off] = byte(r.Op)
	off++
	docBytes := r.DocID.Bytes()
	copy(buf[off:], docBytes[:])
	off += 16
	binary.BigEndian.PutUint32(buf[off:], uint32(dim))
	off += 4
	for _, f := range r.Vector {
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(f))
		off += 4
	}
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Meta)))
	off += 4
	copy(buf[off:], r.Meta)
	off += len(r.Meta)

	crc := crc32.Checksum(buf[:off], crc32cTable)
	binary.BigEndian.PutUint32(buf[off:], crc)
	return buf
}

// decodeRecord reads exactly one record from r, returning io.EOF only when
// the stream ends cleanly at a record boundary. A corrupt or truncated
// record returns errCorruptRecord so the caller can quarantine the tail.
func decodeRecord(r io.Reader) (Record, int, error) {
	var head [9]byte // lsn(8) + op(1)
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, errCorruptRecord
	}
	lsn := binary.BigEndian.Uint64(head[0:8])
	op := Op(head[8])

	var docBytes [16]byte
	if _, err := io.ReadFull(r, docBytes[:]); err != nil {
		return Record{}, 0, errCorruptRecord
	}

	var dimBuf [4]byte
	if _, err := io.ReadFull(r, dimBuf[:]); err != nil {
		return Record{}, 0, errCorruptRecord
	}
	dim := binary.BigEndian.Uint32(dimBuf[:])
	if dim > maxReasonableDim {
		return Record{}, 0, errCorruptRecord
	}

	vecBytes := make([]byte, int(dim)*4)
	if _, err := io.ReadFull(r, vecBytes); err != nil {
		return Record{}, 0, errCorruptRecord
	}
	vector := make([]float32, dim)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.BigEndian.Uint32(vecBytes[i*4:]))
	}

	var metaLenBuf [4]byte
	if _, err := io.ReadFull(r, metaLenBuf[:]); err != nil {
		return Record{}, 0, errCorruptRecord
	}
	metaLen := binary.BigEndian.Uint32(metaLenBuf[:])
	if metaLen > maxReasonableMeta {
		return Record{}, 0, errCorruptRecord
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return Record{}, 0, errCorruptRecord
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, 0, errCorruptRecord
	}
	wantCRC := binary.BigEndian.Uint32(crcBuf[:])

	total := 9 + 16 + 4 + len(vecBytes) + 4 + len(meta)
	rec := Record{LSN: lsn, Op: op, DocID: core.DocumentIDFromBytes(docBytes), Vector: vector, Meta: meta}
	gotCRC := crc32.Checksum(encodeRecord(rec)[:total], crc32cTable)
	if gotCRC != wantCRC {
		return Record{}, 0, errCorruptRecord
	}
	return rec, total + 4, nil
}

const (
	maxReasonableDim  = 1 << 20 // 1Mi components; guards decode against garbage length prefixes
	maxReasonableMeta = 1 << 24 // 16MiB
)

var errCorruptRecord = fmt.Errorf("storage: corrupt WAL record")

// commitBatch is a group of Append calls that share a single fsync.
type commitBatch struct {
	done chan struct{}
	err  error
}

// WAL is a single append-only file per collection. Writers share one
// os.File; concurrent Append calls within groupWindow of each other share
// one fsync (spec §6: "fsync group-commit"), trading a little latency for
// throughput under concurrent writers.
type WAL struct {
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	nextLSN     uint64
	batch       *commitBatch
	groupWindow time.Duration
	logger      *zap.Logger
	path        string
}

// Open opens (creating if absent) the WAL file at path, replaying no
// records itself — call Replay first if recovering state, then Open for
// appends, or use OpenForAppend which does both.
func Open(path string, logger *zap.Logger) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating WAL directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening WAL file: %w", err)
	}
	return &WAL{
		file:        f,
		writer:      bufio.NewWriter(f),
		logger:      logger,
		groupWindow: 2 * time.Millisecond,
		path:        path,
	}, nil
}

// SetGroupWindow overrides the default group-commit coalescing window;
// zero disables batching (every Append fsyncs on its own).
func (w *WAL) SetGroupWindow(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groupWindow = d
}

// Replay reads every well-formed record from the WAL in LSN order,
// invoking fn for each. On hitting a corrupt or truncated tail record it
// quarantines the remainder of the file (spec §3 "corrupt-tail
// quarantine": rename the unreadable suffix aside, keep every record that
// parsed cleanly) rather than failing the whole replay.
func Replay(path string, fn func(Record) error) (nextLSN uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening WAL for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	var maxLSN uint64
	sawRecord := false
	for {
		rec, n, derr := decodeRecord(r)
		if derr == io.EOF {
			break
		}
		if derr == errCorruptRecord {
			if qerr := quarantineTail(path, offset); qerr != nil {
				return 0, fmt.Errorf("quarantining corrupt WAL tail: %w", qerr)
			}
			break
		}
		if derr != nil {
			return 0, derr
		}
		offset += int64(n)
		if rec.LSN > maxLSN || !sawRecord {
			maxLSN = rec.LSN
		}
		sawRecord = true
		if err := fn(rec); err != nil {
			return 0, err
		}
	}
	if sawRecord {
		return maxLSN + 1, nil
	}
	return 0, nil
}

// quarantineTail copies everything after offset in path into path+".corrupt.<unix-nanos>"
// then truncates path to offset, so a future Open/Append resumes cleanly
// from the last good record.
func quarantineTail(path string, offset int64) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	quarantinePath := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	dst, err := os.OpenFile(quarantinePath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(offset)
}

// OpenForAppend replays path to learn the next LSN, then opens it for
// further appends via fn for each replayed record (typically index
// rebuild).
func OpenForAppend(path string, logger *zap.Logger, onReplay func(Record) error) (*WAL, error) {
	nextLSN, err := Replay(path, onReplay)
	if err != nil {
		return nil, err
	}
	w, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	w.nextLSN = nextLSN
	return w, nil
}

// Append writes rec (with a freshly assigned LSN) and blocks until it is
// durable on disk, returning the assigned LSN.
func (w *WAL) Append(op Op, docID core.DocumentID, vector []float32, meta []byte) (uint64, error) {
	w.mu.Lock()
	lsn := w.nextLSN
	w.nextLSN++
	rec := Record{LSN: lsn, Op: op, DocID: docID, Vector: vector, Meta: meta}
	if _, err := w.writer.Write(encodeRecord(rec)); err != nil {
		w.mu.Unlock()
		return 0, core.Wrap(core.CodeDurability, "wal", err)
	}

	batch := w.batch
	if batch == nil {
		batch = &commitBatch{done: make(chan struct{})}
		w.batch = batch
		window := w.groupWindow
		go w.commit(batch, window)
	}
	w.mu.Unlock()

	<-batch.done
	if batch.err != nil {
		return 0, batch.err
	}
	return lsn, nil
}

func (w *WAL) commit(batch *commitBatch, window time.Duration) {
	if window > 0 {
		time.Sleep(window)
	}
	w.mu.Lock()
	if w.batch == batch {
		w.batch = nil
	}
	var err error
	if ferr := w.writer.Flush(); ferr != nil {
		err = ferr
	} else if serr := w.file.Sync(); serr != nil {
		err = serr
	}
	w.mu.Unlock()

	if err != nil {
		batch.err = core.Wrap(core.CodeDurability, "wal", err)
		w.logger.Error("WAL fsync failed", zap.Error(err), zap.String("path", w.path))
	}
	close(batch.done)
}

// Truncate discards all records up to and including upToLSN, called after
// a snapshot durably captures everything at or below that LSN (spec §6:
// WAL retained only back to the last snapshot's LSN watermark).
func (w *WAL) Truncate(upToLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var kept []Record
	_, err := Replay(w.path, func(r Record) error {
		if r.LSN > upToLSN {
			kept = append(kept, r)
		}
		return nil
	})
	if err != nil {
		return err
	}

	tmpPath := w.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	for _, r := range kept {
		if _, err := tmp.Write(encodeRecord(r)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()

	if err := w.writer.Flush(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
