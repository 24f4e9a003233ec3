package flushmanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

const (
	DBMagic   uint32 = 0x504B5631 // "PKV1"
	DBVersion uint32 = 1

	freeListHeaderSize = 8
	// FreeListCapacity is how many reclaimed ids fit on the free-list page.
	FreeListCapacity = (pagemanager.PageSize - freeListHeaderSize) / 4
)

// metaHeader is the layout of page 0. All fields are fixed size so
// binary.Read/Write produce the same bytes on every platform.
type metaHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	NextID   pagemanager.PageID // highest id handed out so far
	RootID   pagemanager.PageID // directory page of the hash index
}

// freeListHeader precedes the id array on page 1.
type freeListHeader struct {
	Count    uint32
	Reserved uint32
}

// DiskManager owns the backing file. It splits the file into fixed-size
// pages, performs raw positional I/O and keeps the allocator state (next id
// plus a LIFO stack of freed ids) persisted on pages 0 and 1. It does no
// caching: every ReadPage/WritePage is a physical I/O.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	logger   *zap.Logger

	mu      sync.Mutex
	meta    metaHeader
	freeIDs []pagemanager.PageID
	freeSet map[pagemanager.PageID]struct{}
}

// OpenDiskManager opens or creates the file at filePath and loads the
// allocator metadata, initializing it when the file is new. Any failure here
// is fatal (ErrIO or ErrCorruptMetadata).
func OpenDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		pageSize: pagemanager.PageSize,
		logger:   logger,
		freeSet:  make(map[pagemanager.PageID]struct{}),
	}
	if err := dm.loadMetadata(); err != nil {
		_ = file.Close()
		return nil, err
	}
	logger.Info("disk manager opened",
		zap.String("path", filePath),
		zap.Uint32("next_id", uint32(dm.meta.NextID)),
		zap.Int("free_ids", len(dm.freeIDs)))
	return dm, nil
}

func (dm *DiskManager) loadMetadata() error {
	buf := make([]byte, dm.pageSize)
	if err := dm.readRaw(pagemanager.MetaPageID, buf); err != nil {
		return err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &dm.meta); err != nil {
		return fmt.Errorf("%w: decoding header: %v", ErrCorruptMetadata, err)
	}

	if dm.meta == (metaHeader{}) {
		// Fresh file: ids 0 and 1 are taken by the allocator pages.
		dm.meta = metaHeader{
			Magic:    DBMagic,
			Version:  DBVersion,
			PageSize: uint32(dm.pageSize),
			NextID:   pagemanager.FreeListPageID,
			RootID:   pagemanager.InvalidPageID,
		}
		return nil
	}
	if dm.meta.Magic != DBMagic {
		return fmt.Errorf("%w: magic 0x%x, expected 0x%x", ErrCorruptMetadata, dm.meta.Magic, DBMagic)
	}
	if dm.meta.PageSize != uint32(dm.pageSize) {
		return fmt.Errorf("%w: file page size %d does not match %d", ErrCorruptMetadata, dm.meta.PageSize, dm.pageSize)
	}
	if dm.meta.NextID < pagemanager.FreeListPageID {
		return fmt.Errorf("%w: next id %d below reserved range", ErrCorruptMetadata, dm.meta.NextID)
	}

	if err := dm.readRaw(pagemanager.FreeListPageID, buf); err != nil {
		return err
	}
	r := bytes.NewReader(buf)
	var hdr freeListHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: decoding free list: %v", ErrCorruptMetadata, err)
	}
	if hdr.Count > FreeListCapacity {
		return fmt.Errorf("%w: free list count %d exceeds capacity %d", ErrCorruptMetadata, hdr.Count, FreeListCapacity)
	}
	ids := make([]pagemanager.PageID, hdr.Count)
	if err := binary.Read(r, binary.LittleEndian, ids); err != nil {
		return fmt.Errorf("%w: decoding free ids: %v", ErrCorruptMetadata, err)
	}
	for _, id := range ids {
		if id.IsReserved() || id > dm.meta.NextID {
			return fmt.Errorf("%w: free id %d out of range", ErrCorruptMetadata, id)
		}
		if _, dup := dm.freeSet[id]; dup {
			return fmt.Errorf("%w: free id %d listed twice", ErrCorruptMetadata, id)
		}
		dm.freeSet[id] = struct{}{}
	}
	dm.freeIDs = ids
	return nil
}

// AllocatePage pops the most recently freed id, or hands out a new one.
func (dm *DiskManager) AllocatePage() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if n := len(dm.freeIDs); n > 0 {
		id := dm.freeIDs[n-1]
		dm.freeIDs = dm.freeIDs[:n-1]
		delete(dm.freeSet, id)
		dm.logger.Debug("reusing freed page", zap.Uint32("page_id", uint32(id)))
		return id
	}
	dm.meta.NextID++
	return dm.meta.NextID
}

// DeallocatePage pushes id onto the free list. The caller guarantees the page
// is neither pinned nor cached. Once the free-list page is full further ids
// are leaked.
func (dm *DiskManager) DeallocatePage(id pagemanager.PageID) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if id.IsReserved() || id > dm.meta.NextID {
		panic(fmt.Sprintf("flushmanager: free of page %d outside allocated range (next %d)", id, dm.meta.NextID))
	}
	if _, dup := dm.freeSet[id]; dup {
		panic(fmt.Sprintf("flushmanager: double free of page %d", id))
	}
	if len(dm.freeIDs) >= FreeListCapacity {
		// TODO: chain overflow free-list pages instead of leaking.
		dm.logger.Warn("free list full, leaking page id", zap.Uint32("page_id", uint32(id)))
		return
	}
	dm.freeIDs = append(dm.freeIDs, id)
	dm.freeSet[id] = struct{}{}
}

// ReadPage reads page id into pageData. A page that was allocated but never
// written reads back as zeros.
func (dm *DiskManager) ReadPage(id pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if _, freed := dm.freeSet[id]; freed {
		dm.logger.Error("read of freed page", zap.Uint32("page_id", uint32(id)))
		return fmt.Errorf("%w: read of page %d", ErrFreedPageAccess, id)
	}
	return dm.readRaw(id, pageData)
}

// WritePage writes pageData to the location of page id.
func (dm *DiskManager) WritePage(id pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if _, freed := dm.freeSet[id]; freed {
		dm.logger.Error("write of freed page", zap.Uint32("page_id", uint32(id)))
		return fmt.Errorf("%w: write of page %d", ErrFreedPageAccess, id)
	}
	return dm.writeRaw(id, pageData)
}

func (dm *DiskManager) readRaw(id pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page buffer size %d != page size %d", ErrIO, len(pageData), dm.pageSize)
	}
	offset := int64(id) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(pageData, offset)
	switch {
	case n == dm.pageSize:
		return nil
	case n == 0 && errors.Is(err, io.EOF):
		clear(pageData)
		return nil
	case n > 0:
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, id, dm.pageSize, n)
	default:
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, id, offset, err)
	}
}

func (dm *DiskManager) writeRaw(id pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page buffer size %d != page size %d", ErrIO, len(pageData), dm.pageSize)
	}
	offset := int64(id) * int64(dm.pageSize)
	n, err := dm.file.WriteAt(pageData, offset)
	if err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, id, offset, err)
	}
	if n != dm.pageSize {
		return fmt.Errorf("%w: short write for page %d, expected %d, got %d", ErrIO, id, dm.pageSize, n)
	}
	return nil
}

// RootPageID returns the persisted root pointer of the index stored here.
func (dm *DiskManager) RootPageID() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.meta.RootID
}

// SetRootPageID records the index root; it is persisted by Close or Checkpoint.
func (dm *DiskManager) SetRootPageID(id pagemanager.PageID) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.meta.RootID = id
}

// NextPageID returns the highest id allocated so far.
func (dm *DiskManager) NextPageID() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.meta.NextID
}

// FreePageIDs returns a copy of the free list, bottom of the stack first.
func (dm *DiskManager) FreePageIDs() []pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return append([]pagemanager.PageID(nil), dm.freeIDs...)
}

// Checkpoint writes the metadata and free-list pages and syncs the file.
func (dm *DiskManager) Checkpoint() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.writeMetadata(); err != nil {
		return err
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) writeMetadata() error {
	buf := bytes.NewBuffer(make([]byte, 0, dm.pageSize))
	if err := binary.Write(buf, binary.LittleEndian, &dm.meta); err != nil {
		return fmt.Errorf("%w: encoding header: %v", ErrIO, err)
	}
	page := make([]byte, dm.pageSize)
	copy(page, buf.Bytes())
	if err := dm.writeRaw(pagemanager.MetaPageID, page); err != nil {
		return err
	}

	buf.Reset()
	hdr := freeListHeader{Count: uint32(len(dm.freeIDs))}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: encoding free list: %v", ErrIO, err)
	}
	if err := binary.Write(buf, binary.LittleEndian, dm.freeIDs); err != nil {
		return fmt.Errorf("%w: encoding free ids: %v", ErrIO, err)
	}
	clear(page)
	copy(page, buf.Bytes())
	return dm.writeRaw(pagemanager.FreeListPageID, page)
}

// Abandon closes the file handle without writing the allocator pages, so
// the file keeps the metadata of the last Checkpoint or Close. It is used
// after a fatal error, when the in-memory allocator state may reference
// pages that never reached disk.
func (dm *DiskManager) Abandon() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	err := dm.file.Close()
	dm.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, err)
	}
	dm.logger.Warn("disk manager abandoned, allocator metadata not persisted", zap.String("path", dm.filePath))
	return nil
}

// Close persists the allocator pages and closes the file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.writeMetadata(); err != nil {
		return err
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync on close: %v", ErrIO, err)
	}
	if err := dm.file.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = nil
	dm.logger.Info("disk manager closed",
		zap.String("path", dm.filePath),
		zap.Uint32("next_id", uint32(dm.meta.NextID)))
	return nil
}
