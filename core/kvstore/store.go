// Package kvstore is the embedded single-file key/value store: a paged disk
// file, an LRU-K buffer pool on top of it and an extendible hash index that
// uses the pool as its only storage.
package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/pagekv/core/indexing/exthash"
	"github.com/sushant-115/pagekv/core/storage_engine/common"
	bufferpool "github.com/sushant-115/pagekv/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagekv/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagekv/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Options configures a Store.
type Options struct {
	// PoolSize is the number of buffer pool slots.
	PoolSize int
	// Logger receives store events. Nil disables logging.
	Logger *zap.Logger
	// Meter records buffer pool metrics. Nil disables metrics.
	Meter metric.Meter
}

// DefaultOptions returns the options used by the CLI when nothing is configured.
func DefaultOptions() Options {
	return Options{PoolSize: bufferpool.DefaultPoolSize}
}

// Stats describes the store at a point in time.
type Stats struct {
	bufferpool.Stats
	NextPageID  pagemanager.PageID
	FreePageIDs int
	RootPageID  pagemanager.PageID
	GlobalDepth uint32
}

// Store is safe for concurrent use; every operation runs under one lock,
// which is also the exclusive section bucket splits need.
type Store struct {
	mu        sync.Mutex
	path      string
	sessionID string
	disk      *flushmanager.DiskManager
	bpm       *bufferpool.BufferPoolManager
	index     *exthash.Map
	logger    *zap.Logger
	closed    bool
	fatalErr  error
}

// Open opens the store at path, creating it if needed.
func Open(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.New().String()
	logger = logger.With(zap.String("store", path), zap.String("session", sessionID))

	var metrics *internaltelemetry.BufferPoolMetrics
	if opts.Meter != nil {
		m, err := internaltelemetry.NewBufferPoolMetrics(opts.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to register buffer pool metrics: %w", err)
		}
		metrics = m
	}

	disk, err := flushmanager.OpenDiskManager(path, logger)
	if err != nil {
		return nil, err
	}
	bpm := bufferpool.NewBufferPoolManager(opts.PoolSize, disk, logger, metrics)
	s := &Store{
		path:      path,
		sessionID: sessionID,
		disk:      disk,
		bpm:       bpm,
		index:     exthash.NewMap(bpm, disk.RootPageID(), logger),
		logger:    logger,
	}
	logger.Info("store opened", zap.Uint32("root_page_id", uint32(disk.RootPageID())))
	return s, nil
}

// SessionID identifies this open of the store in logs.
func (s *Store) SessionID() string { return s.sessionID }

// Get returns the value for key. A missing key yields ok == false, err == nil.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, false, err
	}
	value, ok, err = s.index.Get(key)
	return value, ok, s.noteErrLocked(err)
}

// Insert stores value under key. ErrBufferPoolFull means every slot is
// pinned and the call may be retried; fatal errors (see
// flushmanager.IsFatal) poison the store.
func (s *Store) Insert(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	return s.noteErrLocked(s.index.Insert(key, value))
}

// Len returns the number of stored keys.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return 0, err
	}
	n, err := s.index.Len()
	return n, s.noteErrLocked(err)
}

// Stats returns pool, allocator and index statistics.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return Stats{}, err
	}
	depth, err := s.index.GlobalDepth()
	if err != nil {
		return Stats{}, s.noteErrLocked(err)
	}
	return Stats{
		Stats:       s.bpm.Stats(),
		NextPageID:  s.disk.NextPageID(),
		FreePageIDs: len(s.disk.FreePageIDs()),
		RootPageID:  s.index.RootPageID(),
		GlobalDepth: depth,
	}, nil
}

// Checkpoint writes all dirty pages and the allocator metadata to disk.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	return s.noteErrLocked(s.checkpointLocked())
}

func (s *Store) checkpointLocked() error {
	if err := s.bpm.FlushAllPages(); err != nil {
		return err
	}
	s.disk.SetRootPageID(s.index.RootPageID())
	return s.disk.Checkpoint()
}

// Backup checkpoints the store and copies its file to dst, throttled to
// bytesPerSec (0 for unlimited). It returns the SHA-256 of the copy. A dst
// naming the store's own file is rejected with common.ErrSameFile.
func (s *Store) Backup(ctx context.Context, dst string, bytesPerSec int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	same, err := common.SameFile(s.path, dst)
	if err != nil {
		return nil, fmt.Errorf("backup to %s: %w", dst, err)
	}
	if same {
		return nil, fmt.Errorf("backup to %s: %w", dst, common.ErrSameFile)
	}
	if err := s.checkpointLocked(); err != nil {
		return nil, s.noteErrLocked(err)
	}
	sum, err := common.CopyThrottled(ctx, s.path, dst, bytesPerSec)
	if err != nil {
		s.logger.Error("backup failed", zap.String("dst", dst), zap.Error(err))
		return nil, fmt.Errorf("backup to %s: %w", dst, err)
	}
	s.logger.Info("backup complete", zap.String("dst", dst), zap.Binary("sha256", sum))
	return sum, nil
}

// Close flushes every dirty page, persists the allocator metadata and the
// index root, and closes the file. After a fatal error nothing is written:
// the file keeps the state of the last successful Checkpoint or Close.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var flushErr error
	if s.fatalErr == nil {
		flushErr = s.bpm.FlushAllPages()
	}
	if s.fatalErr != nil || flushErr != nil {
		closeErr := s.bpm.Abandon()
		if flushErr != nil && closeErr != nil {
			return fmt.Errorf("error flushing pages: %v; and error closing file: %w", flushErr, closeErr)
		}
		if flushErr != nil {
			return flushErr
		}
		if closeErr != nil {
			return closeErr
		}
		s.logger.Warn("store closed without persisting state", zap.NamedError("cause", s.fatalErr))
		return nil
	}

	s.disk.SetRootPageID(s.index.RootPageID())
	if err := s.bpm.Close(); err != nil {
		return err
	}
	s.logger.Info("store closed")
	return nil
}

func (s *Store) usableLocked() error {
	if s.closed {
		return flushmanager.ErrClosed
	}
	return s.fatalErr
}

// noteErrLocked remembers fatal errors so later calls fail fast.
func (s *Store) noteErrLocked(err error) error {
	if err != nil && flushmanager.IsFatal(err) {
		s.fatalErr = err
		s.logger.Error("fatal storage error, store unusable", zap.Error(err))
	}
	return err
}
