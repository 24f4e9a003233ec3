package exthash

import (
	"bytes"
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/pagekv/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
)

// Page type tags stored in the first four bytes of every index page.
const (
	directoryTag uint32 = 0x44495230 // "DIR0"
	bucketTag    uint32 = 0x424B5430 // "BKT0"
)

const (
	directoryHeaderSize = 8  // tag, global depth
	bucketHeaderSize    = 16 // tag, local depth, entry count, used bytes
	recordHeaderSize    = 8  // key length, value length

	maxDirectoryEntries = (pagemanager.PageSize - directoryHeaderSize) / 4
	// BucketCapacity is the number of bytes available for records in a bucket.
	BucketCapacity = pagemanager.PageSize - bucketHeaderSize
)

// MaxGlobalDepth is the deepest directory that still fits on one page:
// 2^9 ids fit in maxDirectoryEntries, 2^10 do not.
const MaxGlobalDepth uint32 = 9

var le = binary.LittleEndian

// recordSize is the encoded size of one key/value record.
func recordSize(key, value []byte) int {
	return recordHeaderSize + len(key) + len(value)
}

// directoryPage is a view over a pinned directory page:
//
//	[tag u32][global depth u32][bucket page id u32 x 2^depth]
type directoryPage []byte

func (d directoryPage) init() {
	clear(d)
	le.PutUint32(d[0:], directoryTag)
	le.PutUint32(d[4:], 0)
}

func (d directoryPage) check() error {
	if tag := le.Uint32(d[0:]); tag != directoryTag {
		return fmt.Errorf("%w: directory tag 0x%x", flushmanager.ErrCorruptPage, tag)
	}
	if depth := d.globalDepth(); depth > MaxGlobalDepth {
		return fmt.Errorf("%w: global depth %d exceeds %d", flushmanager.ErrCorruptPage, depth, MaxGlobalDepth)
	}
	return nil
}

func (d directoryPage) globalDepth() uint32 { return le.Uint32(d[4:]) }
func (d directoryPage) size() int           { return 1 << d.globalDepth() }

func (d directoryPage) indexOf(hash uint64) int {
	return int(hash & (uint64(d.size()) - 1))
}

func (d directoryPage) bucket(i int) pagemanager.PageID {
	return pagemanager.PageID(le.Uint32(d[directoryHeaderSize+4*i:]))
}

func (d directoryPage) setBucket(i int, id pagemanager.PageID) {
	le.PutUint32(d[directoryHeaderSize+4*i:], uint32(id))
}

// grow doubles the directory. The new upper half points at the same buckets
// as the lower half.
func (d directoryPage) grow() error {
	depth := d.globalDepth()
	if depth >= MaxGlobalDepth {
		return fmt.Errorf("%w: global depth %d", flushmanager.ErrDirectoryFull, depth)
	}
	n := d.size()
	lower := d[directoryHeaderSize : directoryHeaderSize+4*n]
	copy(d[directoryHeaderSize+4*n:directoryHeaderSize+8*n], lower)
	le.PutUint32(d[4:], depth+1)
	return nil
}

// bucketPage is a view over a pinned bucket page:
//
//	[tag u32][local depth u32][count u32][used u32] records...
//
// with each record encoded as [key len u32][value len u32][key][value].
type bucketPage []byte

func (b bucketPage) init(localDepth uint32) {
	clear(b)
	le.PutUint32(b[0:], bucketTag)
	le.PutUint32(b[4:], localDepth)
}

func (b bucketPage) check() error {
	if tag := le.Uint32(b[0:]); tag != bucketTag {
		return fmt.Errorf("%w: bucket tag 0x%x", flushmanager.ErrCorruptPage, tag)
	}
	if b.used() > BucketCapacity {
		return fmt.Errorf("%w: bucket uses %d of %d bytes", flushmanager.ErrCorruptPage, b.used(), BucketCapacity)
	}
	if depth := b.localDepth(); depth > MaxGlobalDepth {
		return fmt.Errorf("%w: local depth %d exceeds %d", flushmanager.ErrCorruptPage, depth, MaxGlobalDepth)
	}
	// The records must tile the used area exactly.
	off, used := 0, b.used()
	for i := 0; i < b.count(); i++ {
		if used-off < recordHeaderSize {
			return fmt.Errorf("%w: record %d header overruns %d used bytes", flushmanager.ErrCorruptPage, i, used)
		}
		size := recordHeaderSize + int(b.recordLen(off)) + int(b.recordLen(off+4))
		if size > used-off {
			return fmt.Errorf("%w: record %d overruns %d used bytes", flushmanager.ErrCorruptPage, i, used)
		}
		off += size
	}
	if off != used {
		return fmt.Errorf("%w: %d records cover %d of %d used bytes", flushmanager.ErrCorruptPage, b.count(), off, used)
	}
	return nil
}

// recordLen reads a length field at offset off of the record area.
func (b bucketPage) recordLen(off int) uint32 {
	return le.Uint32(b[bucketHeaderSize+off:])
}

func (b bucketPage) localDepth() uint32 { return le.Uint32(b[4:]) }
func (b bucketPage) count() int         { return int(le.Uint32(b[8:])) }
func (b bucketPage) used() int          { return int(le.Uint32(b[12:])) }
func (b bucketPage) free() int          { return BucketCapacity - b.used() }

func (b bucketPage) setCounts(count, used int) {
	le.PutUint32(b[8:], uint32(count))
	le.PutUint32(b[12:], uint32(used))
}

// put appends a record. Callers check free space first; overflowing the
// page here means the used-bytes accounting is broken.
func (b bucketPage) put(key, value []byte) {
	size := recordSize(key, value)
	used := b.used()
	if used+size > BucketCapacity {
		panic(fmt.Sprintf("exthash: bucket overflow: used %d + record %d > %d", used, size, BucketCapacity))
	}
	off := bucketHeaderSize + used
	le.PutUint32(b[off:], uint32(len(key)))
	le.PutUint32(b[off+4:], uint32(len(value)))
	off += recordHeaderSize
	off += copy(b[off:], key)
	copy(b[off:], value)
	b.setCounts(b.count()+1, used+size)
}

// each calls fn for every record in insertion order until fn returns false.
// offset is the record's position relative to the start of the record area.
// It stops early at framing that overruns the used area; check reports such
// pages as corrupt.
func (b bucketPage) each(fn func(key, value []byte, offset, size int) bool) {
	data := b[bucketHeaderSize : bucketHeaderSize+b.used()]
	off := 0
	for i := 0; i < b.count(); i++ {
		if len(data)-off < recordHeaderSize {
			return
		}
		klen := int(le.Uint32(data[off:]))
		vlen := int(le.Uint32(data[off+4:]))
		size := recordHeaderSize + klen + vlen
		if size > len(data)-off {
			return
		}
		start := off + recordHeaderSize
		key := data[start : start+klen]
		value := data[start+klen : start+klen+vlen]
		if !fn(key, value, off, size) {
			return
		}
		off += size
	}
}

// find locates key and returns its value, record offset and record size.
func (b bucketPage) find(key []byte) (value []byte, offset, size int, ok bool) {
	b.each(func(k, v []byte, off, sz int) bool {
		if len(k) == len(key) && bytes.Equal(k, key) {
			value, offset, size, ok = v, off, sz, true
			return false
		}
		return true
	})
	return value, offset, size, ok
}

// remove deletes the record at offset and compacts the records after it.
func (b bucketPage) remove(offset, size int) {
	used := b.used()
	area := b[bucketHeaderSize : bucketHeaderSize+used]
	copy(area[offset:], area[offset+size:])
	clear(area[used-size:])
	b.setCounts(b.count()-1, used-size)
}
