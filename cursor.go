package shelfdb

import "bytes"

// MaxKeySize and MaxValueSize bound what Bucket.Put will accept.
const (
	MaxKeySize   = 32 * 1024
	MaxValueSize = (1 << 31) - 2
)

// pageRef is a read-only view over one page's raw bytes, used when a
// cursor descends through pages that have not been materialized into
// nodes (the common case for a read-only transaction).
type pageRef struct {
	buf    []byte
	header page
}

func newPageRef(buf []byte) *pageRef {
	return &pageRef{buf: buf, header: readPageHeader(buf)}
}

func (pr *pageRef) count() int {
	return int(pr.header.count)
}

func (pr *pageRef) isLeaf() bool {
	return pr.header.flags&leafPageFlag != 0
}

func (pr *pageRef) leafKV(i int) (key, value []byte, flags uint32) {
	e := readLeafElement(pr.buf, i)
	start := pageHeaderSize + i*leafPageElementSize + int(e.pos)
	key = pr.buf[start : start+int(e.ksize)]
	value = pr.buf[start+int(e.ksize) : start+int(e.ksize)+int(e.vsize)]
	return key, value, e.flags
}

func (pr *pageRef) branchEntry(i int) (key []byte, id pgid) {
	e := readBranchElement(pr.buf, i)
	start := pageHeaderSize + i*branchPageElementSize + int(e.pos)
	return pr.buf[start : start+int(e.ksize)], e.pgid
}

// elemRef is one stack frame of a Cursor: either a raw page (read path) or
// a materialized node (write path after mutation), at a given element
// index.
type elemRef struct {
	page  *pageRef
	node  *node
	index int
}

func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return r.page.isLeaf()
}

func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return r.page.count()
}

// Cursor iterates over the key/value pairs (and sub-bucket markers) of one
// bucket's subtree in key order.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// First positions the cursor at the first key in the bucket and returns it.
func (c *Cursor) First() (key, value []byte) {
	c.stack = c.stack[:0]
	pid, _ := c.bucket.rootRef()
	ref := c.pageNode(pid)
	c.stack = append(c.stack, elemRef{page: ref.page, node: ref.node, index: 0})
	c.goDownAllTheWay(true)
	if len(c.stack) == 0 || c.stack[len(c.stack)-1].count() == 0 {
		return nil, nil
	}
	k, v, flags := c.keyValue()
	if flags&bucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Last positions the cursor at the last key in the bucket and returns it.
func (c *Cursor) Last() (key, value []byte) {
	c.stack = c.stack[:0]
	pid, _ := c.bucket.rootRef()
	ref := c.pageNode(pid)
	idx := ref.count() - 1
	if idx < 0 {
		idx = 0
	}
	c.stack = append(c.stack, elemRef{page: ref.page, node: ref.node, index: idx})
	c.goDownAllTheWay(false)
	if len(c.stack) == 0 || c.stack[len(c.stack)-1].count() == 0 {
		return nil, nil
	}
	k, v, flags := c.keyValue()
	if flags&bucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Next advances the cursor by one key and returns it.
func (c *Cursor) Next() (key, value []byte) {
	k, v, flags := c.next()
	if flags&bucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves the cursor back by one key and returns it.
func (c *Cursor) Prev() (key, value []byte) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			c.stack = c.stack[:i+1]
			c.goDownAllTheWay(false)
			if c.stack[len(c.stack)-1].count() == 0 {
				return c.Prev()
			}
			k, v, flags := c.keyValue()
			if flags&bucketLeafFlag != 0 {
				return k, nil
			}
			return k, v
		}
	}
	c.stack = c.stack[:0]
	return nil, nil
}

// Seek positions the cursor at the first key >= seek and returns it. If
// there is no such key it returns (nil, nil).
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	k, v, flags := c.seek(seek)
	if k == nil {
		return nil, nil
	}
	if flags&bucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the key/value pair the cursor currently sits on. Valid
// only at a leaf element in a writable transaction; the cursor's position
// after Delete is unspecified.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	}
	if !c.bucket.tx.writable {
		return ErrTxNotWritable
	}
	key, _, flags := c.keyValue()
	if flags&bucketLeafFlag != 0 {
		return ErrBucketNameConflict
	}
	c.node().del(key)
	return nil
}

func (c *Cursor) seek(seek []byte) (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(seek, c.bucket.rootPgid())
	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	ref := &c.stack[len(c.stack)-1]
	if ref.index >= ref.count() {
		k, v, f := c.next()
		return k, v, f
	}
	return c.keyValue()
}

func (c *Cursor) next() (key, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}
		if i == -1 {
			return nil, nil, 0
		}
		c.stack = c.stack[:i+1]
		c.goDownAllTheWay(true)
		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}
		return c.keyValue()
	}
}

// search descends from pid, choosing at each branch the child whose key is
// the greatest <= target (or the leftmost child if target precedes every
// key), pushing a frame at each level.
func (c *Cursor) search(key []byte, pid pgid) {
	ref := c.bucket.pageNode(pid)
	elem := elemRef{page: ref.page, node: ref.node}
	c.stack = append(c.stack, elem)

	if elem.isLeaf() {
		c.searchLeaf(key)
		return
	}
	if elem.node != nil {
		c.searchBranchNode(key)
		return
	}
	c.searchBranchPage(key)
}

func (c *Cursor) searchLeaf(key []byte) {
	top := &c.stack[len(c.stack)-1]
	n := top.count()
	if top.node != nil {
		idx := sortSearchInodes(top.node.inodes, key)
		top.index = idx
		return
	}
	idx := 0
	for ; idx < n; idx++ {
		k, _, _ := top.page.leafKV(idx)
		if bytes.Compare(k, key) >= 0 {
			break
		}
	}
	top.index = idx
}

func (c *Cursor) searchBranchNode(key []byte) {
	top := &c.stack[len(c.stack)-1]
	idx := sortSearchInodes(top.node.inodes, key)
	if idx > 0 && (idx >= len(top.node.inodes) || bytes.Compare(top.node.inodes[idx].key, key) != 0) {
		idx--
	}
	top.index = idx
	child := top.node.inodes[idx].pgid
	c.search(key, child)
}

func (c *Cursor) searchBranchPage(key []byte) {
	top := &c.stack[len(c.stack)-1]
	n := top.page.count()
	idx := 0
	for ; idx < n; idx++ {
		k, _ := top.page.branchEntry(idx)
		if bytes.Compare(k, key) > 0 {
			break
		}
	}
	if idx > 0 {
		idx--
	}
	top.index = idx
	_, child := top.page.branchEntry(idx)
	c.search(key, child)
}

func sortSearchInodes(items inodes, key []byte) int {
	lo, hi := 0, len(items)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(items[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// goDownAllTheWay descends from the current top-of-stack frame to a leaf,
// always taking the leftmost (first=true) or rightmost child.
func (c *Cursor) goDownAllTheWay(first bool) {
	for {
		top := &c.stack[len(c.stack)-1]
		if top.isLeaf() {
			return
		}
		var childPgid pgid
		idx := top.index
		if top.node != nil {
			if idx >= len(top.node.inodes) {
				return
			}
			childPgid = top.node.inodes[idx].pgid
		} else {
			if idx >= top.page.count() {
				return
			}
			_, childPgid = top.page.branchEntry(idx)
		}
		ref := c.bucket.pageNode(childPgid)
		startIdx := 0
		if !first {
			startIdx = ref.count() - 1
			if startIdx < 0 {
				startIdx = 0
			}
		}
		c.stack = append(c.stack, elemRef{page: ref.page, node: ref.node, index: startIdx})
	}
}

func (ref *pageNodeRef) count() int {
	if ref.node != nil {
		return len(ref.node.inodes)
	}
	return ref.page.count()
}

type pageNodeRef struct {
	page *pageRef
	node *node
}

func (c *Cursor) pageNode(pid pgid) pageNodeRef {
	return c.bucket.pageNode(pid)
}

func (c *Cursor) node() *node {
	top := &c.stack[len(c.stack)-1]
	if top.node != nil && top.node.isLeaf {
		return top.node
	}
	n := c.bucket.node(c.stack[0].resolveID(), nil)
	for _, elem := range c.stack[:len(c.stack)-1] {
		if n.isLeaf {
			panic("shelfdb: cursor stack corrupt")
		}
		n = n.childAt(elem.index)
	}
	if !n.isLeaf {
		panic("shelfdb: cursor did not reach a leaf")
	}
	return n
}

func (r *elemRef) resolveID() pgid {
	if r.node != nil {
		return r.node.pgid
	}
	return r.page.header.id
}

func (c *Cursor) keyValue() (key, value []byte, flags uint32) {
	top := &c.stack[len(c.stack)-1]
	if top.count() == 0 || top.index >= top.count() {
		return nil, nil, 0
	}
	if top.node != nil {
		item := top.node.inodes[top.index]
		return item.key, item.value, item.flags
	}
	return top.page.leafKV(top.index)
}
