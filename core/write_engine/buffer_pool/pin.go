package bufferpool

import (
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
)

// Pin is the capability to use one resident page. While a Pin is held the
// page's slot is never evicted or reused, so Data stays valid. Every Pin
// must be handed back exactly once, through Release or
// BufferPoolManager.DeletePage; callers normally `defer pin.Release()`.
type Pin struct {
	bpm      *BufferPoolManager
	page     *pagemanager.Page
	slot     pagemanager.SlotID
	pageID   pagemanager.PageID
	dirty    bool
	released bool
}

// PageID returns the id of the pinned page.
func (p *Pin) PageID() pagemanager.PageID { return p.pageID }

// Data returns the page buffer. The slice must not be retained after the
// pin is released.
func (p *Pin) Data() []byte {
	if p.released {
		panic("bufferpool: use of released pin")
	}
	return p.page.GetData()
}

// MarkDirty records that the caller modified Data; the page is written back
// before its slot is reused.
func (p *Pin) MarkDirty() { p.dirty = true }

// Release unpins the page. Releasing an already released pin panics.
func (p *Pin) Release() { p.bpm.UnpinPage(p) }
