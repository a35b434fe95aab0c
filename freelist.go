package shelfdb

import (
	"encoding/binary"
	"sort"
)

// freelist tracks page ids that are free for allocation now, plus page ids
// released by a writer but not yet free because some reader transaction
// might still dereference them.
type freelist struct {
	ids     []pgid            // sorted ascending; free for immediate reuse
	pending map[txid][]pgid   // released by txid, not yet free
	cache   map[pgid]bool     // ids ∪ every pending pgid, for quick membership checks
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid][]pgid),
		cache:   make(map[pgid]bool),
	}
}

// count is the number of pages tracked, free or pending.
func (f *freelist) count() int {
	n := len(f.ids)
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// allocate reserves n contiguous pages from the free set and returns the
// first pgid, or 0 if no run of n contiguous free pages exists. Tie-break:
// the lowest-address run of exactly n pages if one exists, else the
// lowest-address run of at least n pages.
func (f *freelist) allocate(n int) pgid {
	if n == 0 || len(f.ids) == 0 {
		return 0
	}
	bestRunStart := -1
	i := 0
	for i < len(f.ids) {
		start := i
		j := i + 1
		for j < len(f.ids) && f.ids[j] == f.ids[j-1]+1 {
			j++
		}
		runLen := j - start
		if runLen == n {
			bestRunStart = start
			break
		}
		if runLen > n && bestRunStart == -1 {
			bestRunStart = start
		}
		i = j
	}
	if bestRunStart == -1 {
		return 0
	}
	result := f.ids[bestRunStart]
	f.ids = append(f.ids[:bestRunStart], f.ids[bestRunStart+n:]...)
	for k := 0; k < n; k++ {
		delete(f.cache, result+pgid(k))
	}
	return result
}

// free appends the contiguous range [pg, pg+overflow] to the pending set
// for the releasing transaction.
func (f *freelist) free(id txid, pg pgid, overflow uint32) {
	for i := uint32(0); i <= overflow; i++ {
		p := pg + pgid(i)
		f.pending[id] = append(f.pending[id], p)
		f.cache[p] = true
	}
}

// release moves every pending page released by a txid strictly less than
// oldestReader into the free set, since no live reader can still see it.
func (f *freelist) release(oldestReader txid) {
	for tid, ids := range f.pending {
		if tid >= oldestReader {
			continue
		}
		f.ids = append(f.ids, ids...)
		delete(f.pending, tid)
	}
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
}

// rollback discards the pages a transaction released, so they are no
// longer tracked as pending. Pages the transaction allocated from the free
// set are not returned to it.
func (f *freelist) rollback(id txid) {
	for _, p := range f.pending[id] {
		delete(f.cache, p)
	}
	delete(f.pending, id)
}

// all returns every tracked pgid (free ∪ pending), sorted ascending, for
// persistence. A freelist is durable across process restarts: on reopen
// there are no live readers, so every previously-pending page is simply
// free again (see load).
func (f *freelist) all() []pgid {
	out := make([]pgid, 0, f.count())
	out = append(out, f.ids...)
	for _, ids := range f.pending {
		out = append(out, ids...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// size returns the number of pages the freelist will occupy once
// serialized, so the writer can preallocate space for it before it knows
// the freelist's own pgid.
func (f *freelist) size(pageSize int) int {
	n := f.count()
	payload := n * 8
	if n >= 0xFFFF {
		payload += 8
	}
	total := pageHeaderSize + payload
	pages := (total + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}
	return pages
}

// write serializes the current free ∪ pending set into buf, which must be
// at least size(pageSize)*pageSize bytes.
func (f *freelist) write(buf []byte, id pgid, pageSize int) {
	ids := f.all()
	n := len(ids)
	pages := f.size(pageSize)
	overflow := uint32(pages - 1)
	count := n
	if count >= 0xFFFF {
		count = 0xFFFF
	}
	writePageHeader(buf, page{id: id, flags: freelistPageFlag, count: uint16(count), overflow: overflow})
	pos := pageHeaderSize
	if n >= 0xFFFF {
		binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(n))
		pos += 8
	}
	for _, pg := range ids {
		binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(pg))
		pos += 8
	}
}

// read replaces the free set with the contents of a serialized freelist
// page. Pending state is not part of the on-disk format: every page
// recorded here is immediately reusable because no reader can outlive the
// process that wrote it.
func (f *freelist) read(buf []byte) error {
	hdr := readPageHeader(buf)
	if hdr.flags&freelistPageFlag == 0 {
		return ErrCorrupt
	}
	pos := pageHeaderSize
	count := int(hdr.count)
	if count == 0xFFFF {
		if pos+8 > len(buf) {
			return ErrCorrupt
		}
		count = int(binary.LittleEndian.Uint64(buf[pos : pos+8]))
		pos += 8
	}
	ids := make([]pgid, 0, count)
	for i := 0; i < count; i++ {
		if pos+8 > len(buf) {
			return ErrCorrupt
		}
		ids = append(ids, pgid(binary.LittleEndian.Uint64(buf[pos:pos+8])))
		pos += 8
	}
	f.ids = ids
	f.pending = make(map[txid][]pgid)
	f.cache = make(map[pgid]bool, len(ids))
	for _, id := range ids {
		f.cache[id] = true
	}
	return nil
}

func (f *freelist) freed(p pgid) bool {
	return f.cache[p]
}
