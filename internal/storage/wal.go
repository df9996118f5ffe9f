package storage

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"
)

const (
	opAppend   = "APPEND"
	opTruncate = "TRUNCATE"

	// maxRecordSize caps a single WAL line; a longer line is treated as
	// corruption.
	maxRecordSize = 64 * 1024 * 1024
)

var errCorruptRecord = errors.New("corrupt WAL record")

// WALRecord is one line of the Raft log WAL: either an appended entry or a
// truncation of everything from Index onwards.
type WALRecord struct {
	Operation string
	Index     uint64
	Term      uint64
	Command   []byte
	Checksum  uint32
}

func (r *WALRecord) computeChecksum() uint32 {
	h := murmur3.New32()
	h.Write([]byte(r.Operation))
	binary.Write(h, binary.BigEndian, r.Index)
	binary.Write(h, binary.BigEndian, r.Term)
	h.Write(r.Command)
	return h.Sum32()
}

func (r *WALRecord) validate() bool {
	return r.Checksum == r.computeChecksum()
}

func (r *WALRecord) encode() string {
	r.Checksum = r.computeChecksum()
	cmd := "-"
	if len(r.Command) > 0 {
		cmd = base64.StdEncoding.EncodeToString(r.Command)
	}
	return fmt.Sprintf("%s %d %d %d %s\n", r.Operation, r.Index, r.Term, r.Checksum, cmd)
}

func parseWALRecord(line string) (*WALRecord, error) {
	parts := strings.Fields(line)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", errCorruptRecord, len(parts))
	}
	if parts[0] != opAppend && parts[0] != opTruncate {
		return nil, fmt.Errorf("%w: unknown operation %q", errCorruptRecord, parts[0])
	}

	index, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid index: %v", errCorruptRecord, err)
	}
	term, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid term: %v", errCorruptRecord, err)
	}
	checksum, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid checksum: %v", errCorruptRecord, err)
	}
	var cmd []byte
	if parts[4] != "-" {
		if cmd, err = base64.StdEncoding.DecodeString(parts[4]); err != nil {
			return nil, fmt.Errorf("%w: invalid command: %v", errCorruptRecord, err)
		}
	}

	r := &WALRecord{
		Operation: parts[0],
		Index:     index,
		Term:      term,
		Command:   cmd,
		Checksum:  uint32(checksum),
	}
	if !r.validate() {
		return nil, fmt.Errorf("%w: checksum mismatch at index %d", errCorruptRecord, index)
	}
	return r, nil
}

// walHandle is the part of *os.File the writer uses.
type walHandle interface {
	WriteString(s string) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WALWriter appends records to the WAL file. Every Write is fsynced before it
// returns. A failed Write is cut back off the file so the next record starts
// on a clean line; if that fails too the writer refuses further writes.
type WALWriter struct {
	mu     sync.Mutex
	path   string
	file   walHandle
	size   int64
	broken error
}

func NewWALWriter(path string) (*WALWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}
	return &WALWriter{path: path, file: f, size: stat.Size()}, nil
}

// Write appends the records as one batch and syncs the file.
func (w *WALWriter) Write(records ...*WALRecord) error {
	if len(records) == 0 {
		return nil
	}
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.encode())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("WAL is closed")
	}
	if w.broken != nil {
		return fmt.Errorf("WAL unusable after failed rollback: %w", w.broken)
	}
	n, err := w.file.WriteString(b.String())
	if err != nil {
		return w.rollback(fmt.Errorf("failed to write to WAL (%d of %d bytes): %w", n, b.Len(), err))
	}
	if err := w.file.Sync(); err != nil {
		return w.rollback(fmt.Errorf("failed to sync WAL: %w", err))
	}
	w.size += int64(n)
	return nil
}

// rollback truncates the file back to the last good size after a failed
// write. Must be called with mu held.
func (w *WALWriter) rollback(cause error) error {
	if err := w.file.Truncate(w.size); err != nil {
		w.broken = err
		return errors.Join(cause, fmt.Errorf("failed to roll back WAL: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		w.broken = err
		return errors.Join(cause, fmt.Errorf("failed to sync WAL rollback: %w", err))
	}
	return cause
}

// Size is the number of bytes written to the WAL file so far.
func (w *WALWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WALWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readWAL reads records until EOF or the first record that does not parse.
// A bad record is reported through tailErr together with everything read
// before it; an I/O failure is returned as err.
func readWAL(r io.Reader) (records []*WALRecord, tailErr error, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, perr := parseWALRecord(line)
		if perr != nil {
			return records, perr, nil
		}
		records = append(records, rec)
	}
	if serr := scanner.Err(); serr != nil {
		if errors.Is(serr, bufio.ErrTooLong) {
			return records, fmt.Errorf("%w: %v", errCorruptRecord, serr), nil
		}
		return nil, nil, serr
	}
	return records, nil, nil
}
