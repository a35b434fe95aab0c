package shelfdb

import "bytes"

// maxInlineBucketSize is the threshold below which a sub-bucket is stored
// inline in its parent's leaf value instead of as its own page tree. Spec
// section 4.5 resolves the open question of the exact fraction as one
// quarter of the page size.
func maxInlineBucketSize(pageSize int) int {
	return pageSize / 4
}

// Bucket is a named, independently balanced B+tree. The top-level
// namespace of a transaction is itself a Bucket (Tx.root); buckets may
// nest arbitrarily by storing a child Bucket's header as the value of a
// leaf element flagged bucketLeafFlag.
type Bucket struct {
	bucketHeader
	tx          *Tx
	buckets     map[string]*Bucket // sub-buckets touched this transaction
	rootNode    *node              // materialized root node, nil until first write
	nodes       map[pgid]*node     // pgid -> materialized node, this bucket's subtree only
	fillPercent float64
	inlinePage  []byte // non-nil if root == 0: the one leaf page image stored inline
}

// DefaultFillPercent sets when spill splits a node: once the node's size
// reaches pageSize*(1+DefaultFillPercent).
const DefaultFillPercent = 0.5

func newBucket(tx *Tx) Bucket {
	b := Bucket{tx: tx, fillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// openBucket decodes a bucketHeader (and, if the bucket is inline, its
// leaf page image) from a parent leaf's value bytes.
func (tx *Tx) openBucket(value []byte) *Bucket {
	child := newBucket(tx)
	child.bucketHeader = readBucketHeader(value)
	if child.root == 0 {
		child.inlinePage = value[bucketHeaderSize:]
	}
	return &child
}

// write serializes the bucket header, and if still inline its page image,
// into a leaf value suitable for storage in the parent bucket.
func (b *Bucket) write() []byte {
	if b.root != 0 {
		buf := make([]byte, bucketHeaderSize)
		writeBucketHeader(buf, b.bucketHeader)
		return buf
	}
	if b.rootNode == nil {
		buf := make([]byte, bucketHeaderSize+pageHeaderSize)
		writeBucketHeader(buf, b.bucketHeader)
		writePageHeader(buf[bucketHeaderSize:], page{flags: leafPageFlag})
		return buf
	}
	n := b.rootNode
	buf := make([]byte, bucketHeaderSize+n.size())
	writeBucketHeader(buf, b.bucketHeader)
	n.write(buf[bucketHeaderSize:])
	return buf
}

// inlineable reports whether b's current contents are small enough, and
// simple enough (no nested sub-buckets of its own), to store inline in the
// parent rather than as a standalone page tree.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}
	size := pageHeaderSize
	for _, item := range n.inodes {
		if item.flags&bucketLeafFlag != 0 {
			return false
		}
		size += leafPageElementSize + len(item.key) + len(item.value)
	}
	return size <= maxInlineBucketSize(b.tx.db.pageSize)
}

// rootPgid returns the pgid of the bucket's current root: the materialized
// node's pgid if dirty, else the on-disk root.
func (b *Bucket) rootPgid() pgid {
	if b.rootNode != nil {
		return b.rootNode.pgid
	}
	return b.root
}

// rootRef returns (pgid, node) describing the bucket's root, honoring an
// inline page if present.
func (b *Bucket) rootRef() (pgid, *node) {
	return b.rootPgid(), b.rootNode
}

// pageNode resolves pid to either a cached/materialized node (if one
// exists and we're in a writable transaction) or a raw page reference.
func (b *Bucket) pageNode(pid pgid) pageNodeRef {
	if b.root == 0 && pid == 0 {
		if n := b.rootNode; n != nil {
			return pageNodeRef{node: n}
		}
		return pageNodeRef{page: newPageRef(b.inlinePage)}
	}
	if b.nodes != nil {
		if n, ok := b.nodes[pid]; ok {
			return pageNodeRef{node: n}
		}
	}
	buf, err := b.tx.page(pid)
	if err != nil {
		panic(err)
	}
	return pageNodeRef{page: newPageRef(buf)}
}

// node materializes (or returns the cached materialization of) the node
// at pid, with the given parent.
func (b *Bucket) node(pid pgid, parent *node) *node {
	if b.nodes == nil {
		b.nodes = make(map[pgid]*node)
	}
	if n, ok := b.nodes[pid]; ok {
		return n
	}
	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}
	var buf []byte
	if b.root == 0 && pid == 0 && b.inlinePage != nil {
		buf = b.inlinePage
	} else {
		var err error
		buf, err = b.tx.page(pid)
		if err != nil {
			panic(err)
		}
	}
	n.read(buf)
	b.nodes[pid] = n
	return n
}

// Cursor returns a new cursor positioned before the first key of b.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.CursorCount++
	return &Cursor{bucket: b}
}

// Get returns the value for key, or nil if it does not exist or is itself
// a bucket.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil
	}
	if flags&bucketLeafFlag != 0 {
		return nil
	}
	return v
}

// Put inserts or replaces the value for key. Returns an error if the
// transaction is not writable, the key conflicts with a sub-bucket, or
// the key/value size exceeds the configured limits.
func (b *Bucket) Put(key, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if uint64(len(value)) > MaxValueSize {
		return ErrValueTooLarge
	}
	c := b.Cursor()
	k, _, flags := c.seek(key)
	if bytes.Equal(k, key) && flags&bucketLeafFlag != 0 {
		return ErrBucketNameConflict
	}
	c.node().put(key, key, value, 0, 0)
	return nil
}

// Delete removes key. Returns ErrNotFound if key does not exist.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	c := b.Cursor()
	k, _, flags := c.seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return ErrNotFound
	}
	if flags&bucketLeafFlag != 0 {
		return ErrBucketNameConflict
	}
	c.node().del(key)
	return nil
}

// Bucket returns the nested bucket named name, or nil if it does not
// exist.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child
		}
	}
	k, v, flags := b.Cursor().seek(name)
	if k == nil || !bytes.Equal(k, name) || flags&bucketLeafFlag == 0 {
		return nil
	}
	child := b.tx.openBucket(v)
	if b.buckets != nil {
		child.fillPercent = b.fillPercent
		b.buckets[string(name)] = child
	}
	return child
}

// CreateBucket creates a new nested bucket named name. Returns
// ErrBucketExists if one already exists, ErrBucketNameConflict if name is
// already in use as a regular key.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	}
	if !b.tx.writable {
		return nil, ErrTxNotWritable
	}
	if len(name) == 0 {
		return nil, ErrKeyRequired
	}
	c := b.Cursor()
	k, _, flags := c.seek(name)
	if bytes.Equal(k, name) {
		if flags&bucketLeafFlag != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrBucketNameConflict
	}
	child := newBucket(b.tx)
	child.fillPercent = b.fillPercent
	value := child.write()
	child.inlinePage = value[bucketHeaderSize:]
	c.node().put(name, name, value, 0, bucketLeafFlag)
	b.buckets[string(name)] = &child
	return &child, nil
}

// CreateBucketIfNotExists is CreateBucket without the exists error.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == ErrBucketExists {
		return b.Bucket(name), nil
	}
	return child, err
}

// DeleteBucket removes the nested bucket named name and every key within
// it.
func (b *Bucket) DeleteBucket(name []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	c := b.Cursor()
	k, v, flags := c.seek(name)
	if !bytes.Equal(k, name) {
		return ErrBucketNotFound
	}
	if flags&bucketLeafFlag == 0 {
		return ErrBucketNameConflict
	}
	child := b.tx.openBucket(v)
	child.buckets = make(map[string]*Bucket)
	child.nodes = make(map[pgid]*node)
	if err := child.ForEachBucket(func(k []byte, nested *Bucket) error {
		return child.DeleteBucket(k)
	}); err != nil {
		return err
	}
	child.freeAll()
	delete(b.buckets, string(name))
	c.node().del(name)
	return nil
}

// ForEachBucket walks every nested bucket directly under b.
func (b *Bucket) ForEachBucket(fn func(k []byte, nested *Bucket) error) error {
	return b.ForEach(func(k, v []byte) error {
		if v != nil {
			return nil
		}
		return fn(k, b.Bucket(k))
	})
}

// ForEach calls fn for every key in b in key order. For nested buckets v
// is nil; callers that need the bucket should call b.Bucket(k).
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence returns a monotonically increasing integer for the bucket.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	}
	if !b.tx.writable {
		return 0, ErrTxNotWritable
	}
	b.sequence++
	return b.sequence, nil
}

// SetSequence sets the bucket's sequence counter directly.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	b.sequence = v
	return nil
}

// Sequence returns the bucket's current sequence counter.
func (b *Bucket) Sequence() uint64 {
	return b.sequence
}

// freeAll releases every page reachable from b's root, recursively through
// any nested buckets, back to the transaction's freelist. Used by
// DeleteBucket.
func (b *Bucket) freeAll() {
	b.walkFree(b.rootPgid())
}

// walkFree mirrors a cursor descent rather than reading raw pages
// directly, so it sees in-memory deletions already applied to
// materialized nodes instead of stale on-disk copies.
func (b *Bucket) walkFree(pid pgid) {
	if pid == 0 && b.root == 0 {
		return // inline: nothing to free, its page lives in the parent leaf
	}
	ref := b.pageNode(pid)
	if ref.node != nil {
		n := ref.node
		if n.isLeaf {
			for _, item := range n.inodes {
				if item.flags&bucketLeafFlag != 0 {
					nested := b.tx.openBucket(item.value)
					nested.walkFree(nested.rootPgid())
				}
			}
		} else {
			for _, item := range n.inodes {
				b.walkFree(item.pgid)
			}
		}
	} else {
		pr := ref.page
		if pr.isLeaf() {
			for i := 0; i < pr.count(); i++ {
				_, v, flags := pr.leafKV(i)
				if flags&bucketLeafFlag != 0 {
					nested := b.tx.openBucket(v)
					nested.walkFree(nested.rootPgid())
				}
			}
		} else {
			for i := 0; i < pr.count(); i++ {
				_, child := pr.branchEntry(i)
				b.walkFree(child)
			}
		}
	}
	if ref.node == nil || ref.node.pgid != 0 {
		b.tx.freePage(pid)
	}
}

// spill writes every dirty node in b's subtree (and recursively, every
// touched sub-bucket's subtree) to the transaction's dirty page set,
// updating b.root to the new root pgid. Inline-eligible buckets are
// rewritten as inline values instead.
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, bucketHeaderSize)
			writeBucketHeader(value, child.bucketHeader)
		}
		if child.rootNode == nil && child.inlinePage == nil {
			continue
		}
		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal(k, []byte(name)) {
			continue
		}
		if flags&bucketLeafFlag == 0 {
			return ErrBucketNameConflict
		}
		c.node().put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}
	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()
	if b.rootNode.pgid >= b.tx.meta.pgid {
		panic("shelfdb: pgid overflow during spill")
	}
	b.root = b.rootNode.pgid
	return nil
}

// free releases the pages a now-inline (or now-discarded) bucket used to
// occupy, without recursing into nested buckets (the caller handles that
// when it actually deletes the bucket).
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}
	b.tx.freePage(b.root)
	b.root = 0
	if b.rootNode != nil {
		b.rootNode.pgid = 0
	}
}

// rebalance asks every materialized node in b's subtree, and in every
// touched sub-bucket, to merge with a sibling if it has fallen under its
// minimum fill.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}
