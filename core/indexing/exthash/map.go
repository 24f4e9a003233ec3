// Package exthash implements an on-disk extendible hash map whose only
// storage interface is the buffer pool.
package exthash

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	bufferpool "github.com/sushant-115/pagekv/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagekv/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// HashFunc hashes a key. Only its low-order bits are consumed.
type HashFunc func(key []byte) uint64

// Map is an extendible hash map. The directory page is created lazily on
// the first insert; rootPageID stays InvalidPageID until then.
//
// Map holds pins only for the duration of a call and is not safe for
// concurrent use.
type Map struct {
	bpm        *bufferpool.BufferPoolManager
	rootPageID pagemanager.PageID
	hash       HashFunc
	logger     *zap.Logger
}

// NewMap opens the map whose directory lives at rootPageID
// (InvalidPageID for a new, empty map).
func NewMap(bpm *bufferpool.BufferPoolManager, rootPageID pagemanager.PageID, logger *zap.Logger) *Map {
	return NewMapWithHash(bpm, rootPageID, xxhash.Sum64, logger)
}

// NewMapWithHash is NewMap with a caller supplied hash function. The same
// function must be used every time the map is reopened.
func NewMapWithHash(bpm *bufferpool.BufferPoolManager, rootPageID pagemanager.PageID, hash HashFunc, logger *zap.Logger) *Map {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Map{bpm: bpm, rootPageID: rootPageID, hash: hash, logger: logger}
}

// RootPageID returns the directory page id, InvalidPageID while empty.
func (m *Map) RootPageID() pagemanager.PageID { return m.rootPageID }

// Get returns a copy of the value stored for key. A missing key is reported
// with ok == false and a nil error.
func (m *Map) Get(key []byte) (value []byte, ok bool, err error) {
	if m.rootPageID == pagemanager.InvalidPageID {
		return nil, false, nil
	}
	dirPin, err := m.bpm.FetchPage(m.rootPageID)
	if err != nil {
		return nil, false, err
	}
	defer dirPin.Release()
	dir := directoryPage(dirPin.Data())
	if err := dir.check(); err != nil {
		return nil, false, err
	}

	bucketID := dir.bucket(dir.indexOf(m.hash(key)))
	if bucketID == pagemanager.InvalidPageID {
		return nil, false, nil
	}
	bucketPin, err := m.bpm.FetchPage(bucketID)
	if err != nil {
		return nil, false, err
	}
	defer bucketPin.Release()
	bucket := bucketPage(bucketPin.Data())
	if err := bucket.check(); err != nil {
		return nil, false, err
	}

	v, _, _, found := bucket.find(key)
	if !found {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Insert stores value under key, replacing any previous value. Full buckets
// are split, doubling the directory when the bucket is as deep as the
// directory, until the record fits.
func (m *Map) Insert(key, value []byte) error {
	size := recordSize(key, value)
	if size > BucketCapacity {
		return fmt.Errorf("%w: record of %d bytes, bucket holds %d", flushmanager.ErrEntryTooLarge, size, BucketCapacity)
	}

	prevRoot := m.rootPageID
	dirPin, err := m.bpm.FetchOrCreate(&m.rootPageID)
	if err != nil {
		return err
	}
	defer dirPin.Release()
	dir := directoryPage(dirPin.Data())
	if m.rootPageID != prevRoot {
		dir.init()
		dirPin.MarkDirty()
		m.logger.Debug("created hash directory", zap.Uint32("page_id", uint32(m.rootPageID)))
	} else if err := dir.check(); err != nil {
		return err
	}

	h := m.hash(key)
	for {
		idx := dir.indexOf(h)
		bucketID := dir.bucket(idx)
		created := bucketID == pagemanager.InvalidPageID
		bucketPin, err := m.bpm.FetchOrCreate(&bucketID)
		if err != nil {
			return err
		}
		bucket := bucketPage(bucketPin.Data())
		if created {
			bucket.init(dir.globalDepth())
			bucketPin.MarkDirty()
			dir.setBucket(idx, bucketID)
			dirPin.MarkDirty()
		} else if err := bucket.check(); err != nil {
			bucketPin.Release()
			return err
		}

		_, off, oldSize, exists := bucket.find(key)
		if !exists {
			oldSize = 0
		}
		if size <= bucket.free()+oldSize {
			if exists {
				bucket.remove(off, oldSize)
			}
			bucket.put(key, value)
			bucketPin.MarkDirty()
			bucketPin.Release()
			return nil
		}

		if err := m.split(dir, dirPin, bucketPin); err != nil {
			return err
		}
	}
}

// split replaces the bucket behind oldPin with two buckets one bit deeper and
// repoints the directory at them. It always consumes oldPin.
func (m *Map) split(dir directoryPage, dirPin, oldPin *bufferpool.Pin) error {
	old := bucketPage(oldPin.Data())
	localDepth := old.localDepth()
	if localDepth == dir.globalDepth() {
		if err := dir.grow(); err != nil {
			oldPin.Release()
			return err
		}
		dirPin.MarkDirty()
		m.logger.Debug("doubled hash directory", zap.Uint32("global_depth", dir.globalDepth()))
	}

	pin0, err := m.bpm.NewPage()
	if err != nil {
		oldPin.Release()
		return err
	}
	pin1, err := m.bpm.NewPage()
	if err != nil {
		_ = m.bpm.DeletePage(pin0)
		oldPin.Release()
		return err
	}
	bucket0, bucket1 := bucketPage(pin0.Data()), bucketPage(pin1.Data())
	bucket0.init(localDepth + 1)
	bucket1.init(localDepth + 1)

	highBit := uint64(1) << localDepth
	old.each(func(k, v []byte, _, _ int) bool {
		if m.hash(k)&highBit != 0 {
			bucket1.put(k, v)
		} else {
			bucket0.put(k, v)
		}
		return true
	})

	oldID := oldPin.PageID()
	for i := 0; i < dir.size(); i++ {
		if dir.bucket(i) != oldID {
			continue
		}
		if uint64(i)&highBit != 0 {
			dir.setBucket(i, pin1.PageID())
		} else {
			dir.setBucket(i, pin0.PageID())
		}
	}
	dirPin.MarkDirty()
	pin0.MarkDirty()
	pin1.MarkDirty()
	m.logger.Debug("split bucket",
		zap.Uint32("old_page_id", uint32(oldID)),
		zap.Uint32("page_id_0", uint32(pin0.PageID())),
		zap.Uint32("page_id_1", uint32(pin1.PageID())),
		zap.Uint32("local_depth", localDepth+1),
		zap.Int("entries_0", bucket0.count()),
		zap.Int("entries_1", bucket1.count()))
	pin0.Release()
	pin1.Release()

	if err := m.bpm.DeletePage(oldPin); err != nil {
		if errors.Is(err, flushmanager.ErrPagePinned) {
			// Someone else still reads the old bucket; its id leaks.
			m.logger.Warn("old bucket still pinned after split", zap.Uint32("page_id", uint32(oldID)))
			return nil
		}
		return err
	}
	return nil
}

// GlobalDepth returns the directory's global depth (0 for an empty map).
func (m *Map) GlobalDepth() (uint32, error) {
	if m.rootPageID == pagemanager.InvalidPageID {
		return 0, nil
	}
	dirPin, err := m.bpm.FetchPage(m.rootPageID)
	if err != nil {
		return 0, err
	}
	defer dirPin.Release()
	dir := directoryPage(dirPin.Data())
	if err := dir.check(); err != nil {
		return 0, err
	}
	return dir.globalDepth(), nil
}

// Len counts the entries by visiting every distinct bucket once.
func (m *Map) Len() (int, error) {
	if m.rootPageID == pagemanager.InvalidPageID {
		return 0, nil
	}
	dirPin, err := m.bpm.FetchPage(m.rootPageID)
	if err != nil {
		return 0, err
	}
	defer dirPin.Release()
	dir := directoryPage(dirPin.Data())
	if err := dir.check(); err != nil {
		return 0, err
	}

	seen := make(map[pagemanager.PageID]struct{})
	total := 0
	for i := 0; i < dir.size(); i++ {
		id := dir.bucket(i)
		if id == pagemanager.InvalidPageID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		n, err := m.bucketCount(id)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (m *Map) bucketCount(id pagemanager.PageID) (int, error) {
	pin, err := m.bpm.FetchPage(id)
	if err != nil {
		return 0, err
	}
	defer pin.Release()
	bucket := bucketPage(pin.Data())
	if err := bucket.check(); err != nil {
		return 0, err
	}
	return bucket.count(), nil
}
