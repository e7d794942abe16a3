package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tinytxn/tinytxn/log"
	"github.com/tinytxn/tinytxn/tx/txn"
)

const (
	snapshotPrefix = "snapshot."
	tmpSuffix      = ".tmp"
	logPrefix      = "txlog."
)

// StateStorage coordinates snapshot files and edit log segments under one
// durable location.
type StateStorage interface {
	// WriteSnapshot persists the snapshot durably and atomically.
	WriteSnapshot(snapshot *TransactionSnapshot) error
	// GetLatestSnapshot returns the newest readable snapshot, or nil if
	// none exists.
	GetLatestSnapshot() (*TransactionSnapshot, error)
	// GetLatestVisibilityState decodes only the visibility prefix of the
	// newest snapshot. Intended for read-only followers.
	GetLatestVisibilityState() (*TransactionVisibilityState, error)
	// SnapshotTimestamps lists existing snapshots, newest first.
	SnapshotTimestamps() ([]int64, error)
	// CreateLog opens a fresh edit log segment at the given logical time.
	CreateLog(timestamp int64) (TransactionLog, error)
	// LogTimestamps lists existing segments, ascending.
	LogTimestamps() ([]int64, error)
	// ReadLogEdits reads all durable edits of the segment at timestamp.
	ReadLogEdits(timestamp int64) ([]*TransactionEdit, error)
	// DeleteLogsBefore removes segments strictly older than timestamp.
	DeleteLogsBefore(timestamp int64) error
	// DeleteOldSnapshots keeps the newest retain snapshots and removes the
	// rest.
	DeleteOldSnapshots(retain int) error
	Location() string
	Close() error
}

// FileStateStorage is the file-backed StateStorage: snapshot.<ts> files
// written via a .tmp rename, and txlog.<ts> segments, all in one directory.
type FileStateStorage struct {
	dir           string
	provider      *CodecProvider
	flushInterval time.Duration
	flushBatch    int
}

// NewFileStateStorage creates the directory if needed.
func NewFileStateStorage(dir string, provider *CodecProvider, flushInterval time.Duration, flushBatch int) (*FileStateStorage, error) {
	if dir == "" {
		return nil, txn.NewError(txn.ErrInvalidArgument, "snapshot dir must be configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, txn.WrapError(txn.ErrSnapshotFailure, err, "create snapshot dir")
	}
	if provider == nil {
		provider = DefaultCodecProvider()
	}
	return &FileStateStorage{
		dir:           dir,
		provider:      provider,
		flushInterval: flushInterval,
		flushBatch:    flushBatch,
	}, nil
}

func (s *FileStateStorage) Location() string {
	return s.dir
}

func (s *FileStateStorage) snapshotPath(timestamp int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d", snapshotPrefix, timestamp))
}

func (s *FileStateStorage) logPath(timestamp int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d", logPrefix, timestamp))
}

func (s *FileStateStorage) WriteSnapshot(snapshot *TransactionSnapshot) error {
	final := s.snapshotPath(snapshot.Timestamp)
	tmp := final + tmpSuffix
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return txn.WrapError(txn.ErrSnapshotFailure, err, "create snapshot temp file")
	}
	if err := s.provider.Encode(file, snapshot); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return txn.WrapError(txn.ErrSnapshotFailure, err, "sync snapshot")
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return txn.WrapError(txn.ErrSnapshotFailure, err, "close snapshot")
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return txn.WrapError(txn.ErrSnapshotFailure, err, "rename snapshot into place")
	}
	log.Debugf("wrote snapshot %s", final)
	return nil
}

// SnapshotTimestamps returns existing snapshot times, descending.
func (s *FileStateStorage) SnapshotTimestamps() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, txn.WrapError(txn.ErrSnapshotFailure, err, "list snapshot dir")
	}
	var stamps []int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		ts, err := strconv.ParseInt(name[len(snapshotPrefix):], 10, 64)
		if err != nil {
			log.Warnf("ignoring unparseable snapshot file %s", name)
			continue
		}
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })
	return stamps, nil
}

func (s *FileStateStorage) GetLatestSnapshot() (*TransactionSnapshot, error) {
	stamps, err := s.SnapshotTimestamps()
	if err != nil {
		return nil, err
	}
	for _, ts := range stamps {
		file, err := os.Open(s.snapshotPath(ts))
		if err != nil {
			log.Warnf("cannot open snapshot %d: %v", ts, err)
			continue
		}
		snapshot, err := s.provider.Decode(file)
		file.Close()
		if err != nil {
			log.Warnf("cannot decode snapshot %d, trying older one: %v", ts, err)
			continue
		}
		return snapshot, nil
	}
	return nil, nil
}

func (s *FileStateStorage) GetLatestVisibilityState() (*TransactionVisibilityState, error) {
	stamps, err := s.SnapshotTimestamps()
	if err != nil {
		return nil, err
	}
	for _, ts := range stamps {
		file, err := os.Open(s.snapshotPath(ts))
		if err != nil {
			continue
		}
		state, err := s.provider.DecodeVisibility(file)
		file.Close()
		if err != nil {
			log.Warnf("cannot decode visibility state of snapshot %d: %v", ts, err)
			continue
		}
		return state, nil
	}
	return nil, nil
}

func (s *FileStateStorage) CreateLog(timestamp int64) (TransactionLog, error) {
	return NewFileTransactionLog(s.logPath(timestamp), timestamp, s.flushInterval, s.flushBatch)
}

func (s *FileStateStorage) LogTimestamps() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, txn.WrapError(txn.ErrLogFailure, err, "list snapshot dir")
	}
	var stamps []int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) {
			continue
		}
		ts, err := strconv.ParseInt(name[len(logPrefix):], 10, 64)
		if err != nil {
			log.Warnf("ignoring unparseable edit log file %s", name)
			continue
		}
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return stamps, nil
}

func (s *FileStateStorage) ReadLogEdits(timestamp int64) ([]*TransactionEdit, error) {
	return ReadLogEdits(s.logPath(timestamp))
}

func (s *FileStateStorage) DeleteLogsBefore(timestamp int64) error {
	stamps, err := s.LogTimestamps()
	if err != nil {
		return err
	}
	for _, ts := range stamps {
		if ts >= timestamp {
			continue
		}
		if err := os.Remove(s.logPath(ts)); err != nil {
			return txn.WrapError(txn.ErrLogFailure, err, "delete old edit log")
		}
		log.Debugf("deleted old edit log %s", s.logPath(ts))
	}
	return nil
}

func (s *FileStateStorage) DeleteOldSnapshots(retain int) error {
	if retain < 1 {
		return txn.NewError(txn.ErrInvalidArgument, "must retain at least one snapshot")
	}
	stamps, err := s.SnapshotTimestamps()
	if err != nil {
		return err
	}
	for i, ts := range stamps {
		if i < retain {
			continue
		}
		if err := os.Remove(s.snapshotPath(ts)); err != nil {
			return txn.WrapError(txn.ErrSnapshotFailure, err, "delete old snapshot")
		}
		log.Debugf("deleted old snapshot %s", s.snapshotPath(ts))
	}
	return nil
}

func (s *FileStateStorage) Close() error { return nil }

// NopStateStorage keeps nothing; the manager then runs purely in memory.
type NopStateStorage struct{}

func (NopStateStorage) WriteSnapshot(*TransactionSnapshot) error { return nil }

func (NopStateStorage) GetLatestSnapshot() (*TransactionSnapshot, error) { return nil, nil }

func (NopStateStorage) GetLatestVisibilityState() (*TransactionVisibilityState, error) {
	return nil, nil
}

func (NopStateStorage) SnapshotTimestamps() ([]int64, error) { return nil, nil }

func (NopStateStorage) CreateLog(int64) (TransactionLog, error) { return NopTransactionLog{}, nil }

func (NopStateStorage) LogTimestamps() ([]int64, error) { return nil, nil }

func (NopStateStorage) ReadLogEdits(int64) ([]*TransactionEdit, error) { return nil, nil }

func (NopStateStorage) DeleteLogsBefore(int64) error { return nil }

func (NopStateStorage) DeleteOldSnapshots(int) error { return nil }

func (NopStateStorage) Location() string { return "in-memory" }

func (NopStateStorage) Close() error { return nil }
