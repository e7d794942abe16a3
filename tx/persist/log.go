package persist

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tinytxn/tinytxn/log"
	"github.com/tinytxn/tinytxn/tx/txn"
)

var logMagic = [4]byte{'T', 'X', 'L', 'G'}

const (
	// LogVersion1 files carry bare records and are truncated at the first
	// read error. Still readable, never written.
	LogVersion1 byte = 1
	// LogVersionCurrent groups records under commit markers.
	LogVersionCurrent byte = 2

	// commitMarkerTag opens a record group; the following u32 is the number
	// of records in the group.
	commitMarkerTag uint32 = 0xFFFFFFFF
)

// TransactionLog is an append-only edit log segment. Append blocks until the
// edit is durable; Enqueue splits that into a queue step (cheap, to be done
// while holding the state lock) and a wait step (after releasing it), so log
// order always equals state-mutation order.
type TransactionLog interface {
	// Enqueue adds the edit to the current group. The returned channel
	// yields the flush result exactly once.
	Enqueue(edit *TransactionEdit) <-chan error
	// Append is Enqueue followed by waiting for the flush.
	Append(edit *TransactionEdit) error
	// Timestamp is the logical time of the segment, matching its filename.
	Timestamp() int64
	Close() error
}

type logEntry struct {
	edit *TransactionEdit
	done chan error
}

// FileTransactionLog writes groups of edits with a single writer goroutine:
// callers enqueue, the writer batches, writes a commit marker plus the
// records, fsyncs, and then releases every waiter of the group.
type FileTransactionLog struct {
	path      string
	timestamp int64
	file      *os.File

	flushInterval time.Duration
	batchSize     int

	mu      sync.RWMutex
	closed  bool
	entries chan *logEntry
	stopCh  chan struct{}
	doneCh  chan struct{}

	seq uint64
}

// NewFileTransactionLog creates the segment file, writes its header and
// starts the flusher.
func NewFileTransactionLog(path string, timestamp int64, flushInterval time.Duration, batchSize int) (*FileTransactionLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, txn.WrapError(txn.ErrLogFailure, err, "open edit log")
	}
	header := append(append([]byte{}, logMagic[:]...), LogVersionCurrent)
	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, txn.WrapError(txn.ErrLogFailure, err, "write edit log header")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, txn.WrapError(txn.ErrLogFailure, err, "sync edit log header")
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	l := &FileTransactionLog{
		path:          path,
		timestamp:     timestamp,
		file:          file,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		entries:       make(chan *logEntry, batchSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *FileTransactionLog) Timestamp() int64 {
	return l.timestamp
}

func (l *FileTransactionLog) Enqueue(edit *TransactionEdit) <-chan error {
	ent := &logEntry{edit: edit, done: make(chan error, 1)}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		ent.done <- txn.NewError(txn.ErrLogFailure, "edit log is closed")
		return ent.done
	}
	l.entries <- ent
	l.mu.RUnlock()
	return ent.done
}

func (l *FileTransactionLog) Append(edit *TransactionEdit) error {
	return <-l.Enqueue(edit)
}

func (l *FileTransactionLog) run() {
	defer close(l.doneCh)
	for {
		select {
		case ent := <-l.entries:
			batch := l.fill([]*logEntry{ent})
			l.flush(batch)
		case <-l.stopCh:
			// Flush whatever is still queued, then exit.
			var batch []*logEntry
			for {
				select {
				case ent := <-l.entries:
					batch = append(batch, ent)
				default:
					if len(batch) > 0 {
						l.flush(batch)
					}
					return
				}
			}
		}
	}
}

// fill drains queued entries up to the batch size. If only a single entry is
// pending and a flush window is configured, it lingers for the window to give
// concurrent operations a chance to share the fsync.
func (l *FileTransactionLog) fill(batch []*logEntry) []*logEntry {
	for len(batch) < l.batchSize {
		select {
		case ent := <-l.entries:
			batch = append(batch, ent)
			continue
		default:
		}
		break
	}
	if len(batch) == 1 && l.flushInterval > 0 {
		timer := time.NewTimer(l.flushInterval)
		defer timer.Stop()
		for len(batch) < l.batchSize {
			select {
			case ent := <-l.entries:
				batch = append(batch, ent)
			case <-timer.C:
				return batch
			}
		}
	}
	return batch
}

func (l *FileTransactionLog) flush(batch []*logEntry) {
	var buf bytes.Buffer
	writeUint32(&buf, commitMarkerTag)
	writeUint32(&buf, uint32(len(batch)))
	err := func() error {
		for _, ent := range batch {
			l.seq++
			var record bytes.Buffer
			if err := writeUint64(&record, l.seq); err != nil {
				return err
			}
			if err := encodeEdit(&record, ent.edit); err != nil {
				return err
			}
			if err := writeUint32(&buf, uint32(record.Len())); err != nil {
				return err
			}
			buf.Write(record.Bytes())
		}
		if _, err := l.file.Write(buf.Bytes()); err != nil {
			return err
		}
		return l.file.Sync()
	}()
	if err != nil {
		err = txn.WrapError(txn.ErrLogFailure, err, "flush edit log group")
		log.Errorf("edit log flush failed on %s: %v", l.path, err)
	}
	for _, ent := range batch {
		ent.done <- err
	}
}

func (l *FileTransactionLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.stopCh)
	<-l.doneCh
	if err := l.file.Close(); err != nil {
		return txn.WrapError(txn.ErrLogFailure, err, "close edit log")
	}
	return nil
}

// ReadLogEdits reads every durable edit of a log segment. A torn tail (a
// partial record group from a crashed writer) is discarded silently: replay
// stops at the last fully durable group and reports clean EOF.
func ReadLogEdits(path string) ([]*TransactionEdit, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, txn.WrapError(txn.ErrLogFailure, err, "open edit log")
	}
	defer file.Close()
	r := bufio.NewReader(file)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, txn.WrapError(txn.ErrLogFailure, err, "read edit log header")
	}
	if magic != logMagic {
		return nil, txn.NewErrorf(txn.ErrLogFailure, "bad edit log magic in %s", path)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, txn.WrapError(txn.ErrLogFailure, err, "read edit log version")
	}
	switch version {
	case LogVersion1:
		return readEditsV1(r, path), nil
	case LogVersionCurrent:
		return readEditsV2(r, path), nil
	}
	return nil, txn.NewErrorf(txn.ErrLogFailure, "unknown edit log version %d in %s", version, path)
}

// readEditsV1 reads bare records and truncates at the first problem.
func readEditsV1(r *bufio.Reader, path string) []*TransactionEdit {
	var edits []*TransactionEdit
	for {
		record, ok := readRecord(r)
		if !ok {
			return edits
		}
		edit, err := decodeRecord(record, LogVersion1)
		if err != nil {
			log.Warnf("truncating v1 edit log %s at record %d: %v", path, len(edits), err)
			return edits
		}
		edits = append(edits, edit)
	}
}

// readEditsV2 reads commit-marker groups. A group whose marker promises more
// records than the file delivers is dropped whole.
func readEditsV2(r *bufio.Reader, path string) []*TransactionEdit {
	var edits []*TransactionEdit
	for {
		tag, err := readUint32(r)
		if err != nil {
			// EOF on a group boundary is the expected end of the log.
			return edits
		}
		if tag != commitMarkerTag {
			log.Warnf("edit log %s: expected commit marker, found 0x%08x; stopping replay", path, tag)
			return edits
		}
		count, err := readUint32(r)
		if err != nil {
			return edits
		}
		group := make([]*TransactionEdit, 0, count)
		for i := uint32(0); i < count; i++ {
			record, ok := readRecord(r)
			if !ok {
				log.Warnf("edit log %s: torn tail, discarding partial group of %d/%d records", path, i, count)
				return edits
			}
			edit, err := decodeRecord(record, LogVersionCurrent)
			if err != nil {
				log.Warnf("edit log %s: undecodable record in tail group, discarding group: %v", path, err)
				return edits
			}
			group = append(group, edit)
		}
		edits = append(edits, group...)
	}
}

// readRecord reads one length-prefixed record, reporting ok=false on EOF or
// a short read.
func readRecord(r *bufio.Reader) ([]byte, bool) {
	n, err := readUint32(r)
	if err != nil {
		return nil, false
	}
	if n == 0 || n > maxDecodedLen {
		return nil, false
	}
	record := make([]byte, n)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, false
	}
	return record, true
}

func decodeRecord(record []byte, version byte) (*TransactionEdit, error) {
	if len(record) < 8 {
		return nil, txn.NewError(txn.ErrLogFailure, "record shorter than sequence number")
	}
	_ = binary.BigEndian.Uint64(record[:8]) // seq, informational
	return decodeEdit(bytes.NewReader(record[8:]), version)
}

// NopTransactionLog drops all edits; used when the manager runs without
// durable storage.
type NopTransactionLog struct{}

func (NopTransactionLog) Enqueue(*TransactionEdit) <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (NopTransactionLog) Append(*TransactionEdit) error { return nil }

func (NopTransactionLog) Timestamp() int64 { return 0 }

func (NopTransactionLog) Close() error { return nil }
