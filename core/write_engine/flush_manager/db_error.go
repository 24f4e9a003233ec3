package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Fatal: the store cannot continue after any of these.
	ErrIO              = errors.New("i/o error")
	ErrFreedPageAccess = errors.New("access to freed page")
	ErrCorruptMetadata = errors.New("allocator metadata is corrupt")

	// Recoverable resource errors.
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned     = errors.New("page is pinned and cannot be deleted")
	ErrInvalidPageID  = errors.New("invalid or reserved page id")

	// Index errors.
	ErrCorruptPage   = errors.New("page has unexpected type tag")
	ErrEntryTooLarge = errors.New("entry too large to fit in an empty bucket")
	ErrDirectoryFull = errors.New("hash directory cannot grow beyond one page")

	ErrClosed = errors.New("store is closed")
)

// IsFatal reports whether err belongs to the unrecoverable class: the
// caller must stop using the store and should terminate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) ||
		errors.Is(err, ErrFreedPageAccess) ||
		errors.Is(err, ErrCorruptMetadata)
}
