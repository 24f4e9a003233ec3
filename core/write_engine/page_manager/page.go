package pagemanager

// --- Page Management ---

// PageSize is the fixed size of every on-disk page, metadata pages included.
const PageSize = 4096

const (
	// InvalidPageID marks an unset page pointer. It is also the id of the
	// allocator metadata page, which is never handed out to clients.
	InvalidPageID PageID = 0
	// MetaPageID holds the allocator metadata (next id, root id).
	MetaPageID PageID = 0
	// FreeListPageID holds the stack of reclaimed page ids.
	FreeListPageID PageID = 1
	// FirstClientPageID is the first id alloc can return on a fresh store.
	FirstClientPageID PageID = 2
)

// PageID represents a unique identifier for a page on disk.
type PageID uint32

// IsReserved reports whether the id belongs to the allocator itself.
func (id PageID) IsReserved() bool {
	return id == MetaPageID || id == FreeListPageID
}

// SlotID indexes a frame in the buffer pool.
type SlotID int

// Page is one buffer pool frame: a page-sized buffer plus the bookkeeping
// for whichever page currently lives in it.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
}

// NewPage creates a new Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset returns the frame to the unassigned state with zeroed content.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }
func (p *Page) Pin()                { p.pinCount++ }

// Unpin drops one reference. Unpinning a frame with no pins means some
// caller released a page twice, so it panics instead of clamping at zero.
func (p *Page) Unpin() {
	if p.pinCount == 0 {
		panic("pagemanager: unpin of page with zero pin count")
	}
	p.pinCount--
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
