package bufferpool

import (
	"context"
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/pagekv/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagekv/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultPoolSize is the number of slots a pool gets when none is configured.
const DefaultPoolSize = 256

// PageStore is the paged storage a BufferPoolManager caches.
// *flushmanager.DiskManager implements it.
type PageStore interface {
	AllocatePage() pagemanager.PageID
	DeallocatePage(pagemanager.PageID)
	ReadPage(pagemanager.PageID, []byte) error
	WritePage(pagemanager.PageID, []byte) error
	// Close persists allocator state and closes the store; Abandon closes it
	// leaving the persisted state of the last checkpoint untouched.
	Close() error
	Abandon() error
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	PoolSize      int
	ResidentPages int
	PinnedPages   int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Flushes       uint64
}

// BufferPoolManager manages a fixed set of in-memory slots on top of a
// PageStore. A page id is resident in at most one slot, and a slot is only
// reused once its pin count is zero; victims are chosen by an LRU-K replacer.
type BufferPoolManager struct {
	store    PageStore
	replacer *LRUKReplacer
	poolSize int
	logger   *zap.Logger
	metrics  *internaltelemetry.BufferPoolMetrics

	mu        sync.Mutex
	pages     []*pagemanager.Page                       // slot frames
	pageTable map[pagemanager.PageID]pagemanager.SlotID // resident page -> slot
	freeSlots []pagemanager.SlotID
	closed    bool
	stats     Stats
}

// NewBufferPoolManager creates a pool of poolSize slots over store.
// logger and metrics may be nil.
func NewBufferPoolManager(poolSize int, store PageStore, logger *zap.Logger, metrics *internaltelemetry.BufferPoolMetrics) *BufferPoolManager {
	if store == nil {
		panic("bufferpool: store cannot be nil")
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		store:     store,
		replacer:  NewLRUKReplacer(DefaultK),
		poolSize:  poolSize,
		logger:    logger,
		metrics:   metrics,
		pages:     make([]*pagemanager.Page, poolSize),
		pageTable: make(map[pagemanager.PageID]pagemanager.SlotID, poolSize),
		freeSlots: make([]pagemanager.SlotID, 0, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, pagemanager.PageSize)
		bpm.freeSlots = append(bpm.freeSlots, pagemanager.SlotID(i))
	}
	bpm.stats.PoolSize = poolSize
	logger.Debug("buffer pool initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", pagemanager.PageSize))
	return bpm
}

// NewPage allocates a fresh page id and pins it in a zeroed slot. The page
// starts dirty so its zeroed content reaches disk even if it is never
// modified. When no slot is available the id goes back to the free list and
// ErrBufferPoolFull is returned.
func (bpm *BufferPoolManager) NewPage() (*Pin, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil, flushmanager.ErrClosed
	}

	pageID := bpm.store.AllocatePage()
	slot, page, err := bpm.acquireSlotInternal()
	if err != nil {
		bpm.store.DeallocatePage(pageID)
		bpm.logger.Debug("no slot for new page, id returned to free list",
			zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return nil, fmt.Errorf("new page %d: %w", pageID, err)
	}
	bpm.installInternal(slot, page, pageID, true)
	bpm.logger.Debug("new page", zap.Uint32("page_id", uint32(pageID)), zap.Int("slot", int(slot)))
	return bpm.newPinInternal(slot, page), nil
}

// FetchPage pins page pageID, reading it from the store when it is not
// resident.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*Pin, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil, flushmanager.ErrClosed
	}
	if pageID.IsReserved() {
		return nil, fmt.Errorf("%w: fetch of page %d", flushmanager.ErrInvalidPageID, pageID)
	}
	ctx := context.Background()

	if slot, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[slot]
		if page.GetPinCount() == 0 {
			bpm.metrics.RecordPinTransition(ctx, 1)
		}
		page.Pin()
		bpm.replacer.SetEvictable(slot, false)
		bpm.replacer.RecordAccess(slot)
		bpm.stats.Hits++
		bpm.metrics.RecordHit(ctx)
		return bpm.newPinInternal(slot, page), nil
	}

	bpm.stats.Misses++
	bpm.metrics.RecordMiss(ctx)
	slot, page, err := bpm.acquireSlotInternal()
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", pageID, err)
	}
	if err := bpm.store.ReadPage(pageID, page.GetData()); err != nil {
		// The slot holds nothing now; hand it back untracked.
		page.Reset()
		bpm.replacer.Remove(slot)
		bpm.freeSlots = append(bpm.freeSlots, slot)
		bpm.logger.Error("failed to read page", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return nil, fmt.Errorf("fetch page %d: %w", pageID, err)
	}
	bpm.installInternal(slot, page, pageID, false)
	bpm.logger.Debug("page loaded", zap.Uint32("page_id", uint32(pageID)), zap.Int("slot", int(slot)))
	return bpm.newPinInternal(slot, page), nil
}

// FetchOrCreate serves lazily initialized page pointers. If *pageID is
// InvalidPageID a new page is allocated and its id stored back through the
// pointer; otherwise it behaves like FetchPage.
func (bpm *BufferPoolManager) FetchOrCreate(pageID *pagemanager.PageID) (*Pin, error) {
	if *pageID != pagemanager.InvalidPageID {
		return bpm.FetchPage(*pageID)
	}
	pin, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	*pageID = pin.PageID()
	return pin, nil
}

// acquireSlotInternal finds a slot for a page about to become resident:
// a free slot first, otherwise an LRU-K victim whose dirty content is written
// back. The returned frame is reset and unpinned.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) acquireSlotInternal() (pagemanager.SlotID, *pagemanager.Page, error) {
	if n := len(bpm.freeSlots); n > 0 {
		slot := bpm.freeSlots[n-1]
		bpm.freeSlots = bpm.freeSlots[:n-1]
		return slot, bpm.pages[slot], nil
	}

	slot, ok := bpm.replacer.Evict()
	if !ok {
		return 0, nil, flushmanager.ErrBufferPoolFull
	}
	victim := bpm.pages[slot]
	if victim.GetPinCount() != 0 {
		panic(fmt.Sprintf("bufferpool: replacer chose slot %d with pin count %d", slot, victim.GetPinCount()))
	}

	oldID := victim.GetPageID()
	if victim.IsDirty() {
		if err := bpm.store.WritePage(oldID, victim.GetData()); err != nil {
			// The victim stays resident and evictable.
			return 0, nil, fmt.Errorf("flush dirty victim page %d: %w", oldID, err)
		}
		bpm.stats.Flushes++
		bpm.metrics.RecordFlush(context.Background())
	}
	delete(bpm.pageTable, oldID)
	victim.Reset()
	bpm.stats.Evictions++
	bpm.metrics.RecordEviction(context.Background())
	bpm.logger.Debug("evicted page", zap.Uint32("page_id", uint32(oldID)), zap.Int("slot", int(slot)))
	return slot, victim, nil
}

// installInternal makes pageID resident in slot with one pin.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) installInternal(slot pagemanager.SlotID, page *pagemanager.Page, pageID pagemanager.PageID, dirty bool) {
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(dirty)
	bpm.replacer.Register(slot)
	bpm.replacer.RecordAccess(slot)
	bpm.pageTable[pageID] = slot
	bpm.metrics.RecordPinTransition(context.Background(), 1)
}

func (bpm *BufferPoolManager) newPinInternal(slot pagemanager.SlotID, page *pagemanager.Page) *Pin {
	return &Pin{bpm: bpm, page: page, slot: slot, pageID: page.GetPageID()}
}

// UnpinPage releases pin. A write made through the pin (MarkDirty) is folded
// into the slot's dirty flag, and the slot becomes evictable once its pin
// count reaches zero.
func (bpm *BufferPoolManager) UnpinPage(pin *Pin) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.unpinInternal(pin)
}

func (bpm *BufferPoolManager) unpinInternal(pin *Pin) {
	if pin.released {
		panic(fmt.Sprintf("bufferpool: pin on page %d released twice", pin.pageID))
	}
	pin.released = true
	if bpm.closed {
		return
	}
	page := pin.page
	if pin.dirty {
		page.SetDirty(true)
	}
	page.Unpin()
	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(pin.slot, true)
		bpm.metrics.RecordPinTransition(context.Background(), -1)
	}
}

// FlushPage writes the pinned page to the store unconditionally and clears
// its dirty flag.
func (bpm *BufferPoolManager) FlushPage(pin *Pin) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if pin.released {
		panic("bufferpool: flush through released pin")
	}
	if bpm.closed {
		return flushmanager.ErrClosed
	}
	if err := bpm.store.WritePage(pin.pageID, pin.page.GetData()); err != nil {
		bpm.logger.Error("failed to flush page", zap.Uint32("page_id", uint32(pin.pageID)), zap.Error(err))
		return err
	}
	pin.page.SetDirty(false)
	pin.dirty = false
	bpm.stats.Flushes++
	bpm.metrics.RecordFlush(context.Background())
	return nil
}

// FlushAllPages writes every dirty resident page to the store.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return flushmanager.ErrClosed
	}
	flushed := 0
	for pageID, slot := range bpm.pageTable {
		page := bpm.pages[slot]
		if !page.IsDirty() {
			continue
		}
		if err := bpm.store.WritePage(pageID, page.GetData()); err != nil {
			bpm.logger.Error("failed to flush page", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
			return err
		}
		page.SetDirty(false)
		flushed++
		bpm.stats.Flushes++
		bpm.metrics.RecordFlush(context.Background())
	}
	bpm.logger.Debug("flushed all dirty pages", zap.Int("count", flushed))
	return nil
}

// DeletePage consumes pin and reclaims its page: the slot returns to the free
// pool without a write-back and the id goes to the store's free list. If
// other pins still reference the page, pin is released normally and
// ErrPagePinned is returned.
func (bpm *BufferPoolManager) DeletePage(pin *Pin) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if !pin.released && pin.page.GetPinCount() > 1 {
		bpm.unpinInternal(pin)
		return fmt.Errorf("delete page %d: %w", pin.pageID, flushmanager.ErrPagePinned)
	}
	bpm.unpinInternal(pin)
	if bpm.closed {
		return flushmanager.ErrClosed
	}

	page := pin.page
	delete(bpm.pageTable, pin.pageID)
	bpm.replacer.Remove(pin.slot)
	page.Reset()
	bpm.freeSlots = append(bpm.freeSlots, pin.slot)
	bpm.store.DeallocatePage(pin.pageID)
	bpm.logger.Debug("deleted page", zap.Uint32("page_id", uint32(pin.pageID)), zap.Int("slot", int(pin.slot)))
	return nil
}

// Stats returns a snapshot of pool counters.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := bpm.stats
	s.ResidentPages = len(bpm.pageTable)
	for _, slot := range bpm.pageTable {
		if bpm.pages[slot].GetPinCount() > 0 {
			s.PinnedPages++
		}
	}
	return s
}

// PinCount returns the pin count of pageID and whether it is resident.
func (bpm *BufferPoolManager) PinCount(pageID pagemanager.PageID) (uint32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	slot, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.pages[slot].GetPinCount(), true
}

// Close closes the store, persisting its allocator metadata, and drops all
// in-memory state. Dirty pages that were not flushed or evicted are lost;
// call FlushAllPages first to keep them.
func (bpm *BufferPoolManager) Close() error {
	return bpm.shutdown(bpm.store.Close)
}

// Abandon drops all in-memory state and closes the store without persisting
// allocator metadata. It is the way out after a fatal error, when cached
// pages and allocator state can no longer be trusted to match the file.
func (bpm *BufferPoolManager) Abandon() error {
	return bpm.shutdown(bpm.store.Abandon)
}

func (bpm *BufferPoolManager) shutdown(closeStore func() error) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil
	}
	bpm.closed = true
	err := closeStore()
	bpm.pages = nil
	bpm.pageTable = nil
	bpm.freeSlots = nil
	bpm.replacer = NewLRUKReplacer(DefaultK)
	return err
}
