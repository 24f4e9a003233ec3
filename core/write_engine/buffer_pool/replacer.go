package bufferpool

import (
	"fmt"

	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
)

// DefaultK is the number of backward references LRU-K looks at.
const DefaultK = 2

type lrukEntry struct {
	evictable bool
	// history holds up to k+1 access timestamps, oldest first.
	history []uint64
}

func (e *lrukEntry) newest() uint64 {
	if len(e.history) == 0 {
		return 0
	}
	return e.history[len(e.history)-1]
}

// LRUKReplacer picks eviction victims among unpinned buffer slots.
//
// Slots whose history is full (k+1 samples) are ranked by backward
// K-distance, newest minus oldest timestamp, and the largest distance is
// evicted. Only when no evictable slot has a full history does it fall back
// to plain LRU: the evictable slot with the smallest most-recent timestamp.
//
// LRUKReplacer is not safe for concurrent use; BufferPoolManager serializes
// all calls under its own lock.
type LRUKReplacer struct {
	k            int
	timestamp    uint64
	entries      map[pagemanager.SlotID]*lrukEntry
	numEvictable int
}

// NewLRUKReplacer creates a replacer keeping k+1 timestamps per slot.
func NewLRUKReplacer(k int) *LRUKReplacer {
	if k < 1 {
		panic(fmt.Sprintf("bufferpool: LRU-K needs k >= 1, got %d", k))
	}
	return &LRUKReplacer{
		k:       k,
		entries: make(map[pagemanager.SlotID]*lrukEntry),
	}
}

// Register starts tracking slot as non-evictable with an empty history.
// Re-registering a tracked slot is only legal while it is evictable, i.e.
// after it has been chosen as a victim.
func (r *LRUKReplacer) Register(slot pagemanager.SlotID) {
	if e, ok := r.entries[slot]; ok {
		if !e.evictable {
			panic(fmt.Sprintf("bufferpool: register of pinned slot %d", slot))
		}
		e.evictable = false
		e.history = e.history[:0]
		r.numEvictable--
		return
	}
	r.entries[slot] = &lrukEntry{history: make([]uint64, 0, r.k+1)}
}

// RecordAccess appends the next logical timestamp to the slot's history,
// dropping the oldest sample once k+1 are held.
func (r *LRUKReplacer) RecordAccess(slot pagemanager.SlotID) {
	e := r.mustEntry(slot)
	r.timestamp++
	if len(e.history) == r.k+1 {
		copy(e.history, e.history[1:])
		e.history = e.history[:r.k]
	}
	e.history = append(e.history, r.timestamp)
}

// SetEvictable flips the slot's evictable flag.
func (r *LRUKReplacer) SetEvictable(slot pagemanager.SlotID, evictable bool) {
	e := r.mustEntry(slot)
	if e.evictable == evictable {
		return
	}
	e.evictable = evictable
	if evictable {
		r.numEvictable++
	} else {
		r.numEvictable--
	}
}

// Evict selects a victim slot. It returns false when no slot is evictable.
// The victim stays tracked (and evictable) until the caller registers it
// again for the page that replaces it.
func (r *LRUKReplacer) Evict() (pagemanager.SlotID, bool) {
	var (
		fullSlot     pagemanager.SlotID
		fullDistance uint64
		fullOldest   uint64
		haveFull     bool

		coldSlot   pagemanager.SlotID
		coldNewest uint64
		haveCold   bool
	)

	for slot, e := range r.entries {
		if !e.evictable {
			continue
		}
		if len(e.history) == r.k+1 {
			oldest := e.history[0]
			distance := e.history[r.k] - oldest
			if !haveFull || distance > fullDistance ||
				(distance == fullDistance && oldest < fullOldest) {
				fullSlot, fullDistance, fullOldest, haveFull = slot, distance, oldest, true
			}
			continue
		}
		newest := e.newest()
		if !haveCold || newest < coldNewest {
			coldSlot, coldNewest, haveCold = slot, newest, true
		}
	}

	switch {
	case haveFull:
		return fullSlot, true
	case haveCold:
		return coldSlot, true
	default:
		return 0, false
	}
}

// Remove stops tracking slot. Used when a slot goes back to the free pool
// without being reused.
func (r *LRUKReplacer) Remove(slot pagemanager.SlotID) {
	e, ok := r.entries[slot]
	if !ok {
		return
	}
	if e.evictable {
		r.numEvictable--
	}
	delete(r.entries, slot)
}

// Size returns the number of evictable slots.
func (r *LRUKReplacer) Size() int { return r.numEvictable }

// IsEvictable reports the slot's flag and whether the slot is tracked at all.
func (r *LRUKReplacer) IsEvictable(slot pagemanager.SlotID) (evictable, tracked bool) {
	e, ok := r.entries[slot]
	if !ok {
		return false, false
	}
	return e.evictable, true
}

func (r *LRUKReplacer) mustEntry(slot pagemanager.SlotID) *lrukEntry {
	e, ok := r.entries[slot]
	if !ok {
		panic(fmt.Sprintf("bufferpool: slot %d is not tracked by the replacer", slot))
	}
	return e
}
