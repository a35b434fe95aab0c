package shelfdb

import (
	"bytes"
	"sort"
)

// inode is one entry of a node: a (key, child-pgid) pair on a branch node,
// or a (key, value) pair (optionally flagged as a sub-bucket header) on a
// leaf node.
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode

// node is the in-memory, mutable image of a page that a write transaction
// is about to change. Nodes are materialized lazily from pages and spill
// back to freshly allocated pages at commit.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte
	pgid       pgid
	parent     *node
	children   nodes
	inodes     inodes
}

type nodes []*node

func (s nodes) Len() int           { return len(s) }
func (s nodes) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s nodes) Less(i, j int) bool { return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) < 0 }

func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size is the byte footprint this node would occupy if spilled now.
func (n *node) size() int {
	sz := pageHeaderSize
	elemSize := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elemSize + len(item.key) + len(item.value)
	}
	return sz
}

// sizeLessThan avoids summing the whole node when the caller only needs to
// know whether it's under a threshold.
func (n *node) sizeLessThan(v int) bool {
	sz := pageHeaderSize
	elemSize := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elemSize + len(item.key) + len(item.value)
		if sz >= v {
			return false
		}
	}
	return true
}

func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

func (n *node) pageType() uint16 {
	if n.isLeaf {
		return leafPageFlag
	}
	return branchPageFlag
}

func (n *node) childAt(index int) *node {
	if n.isLeaf {
		panic("shelfdb: invalid childAt call on a leaf node")
	}
	return n.bucket.node(n.inodes[index].pgid, n)
}

func (n *node) childIndex(child *node) int {
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
	return idx
}

func (n *node) numChildren() int {
	return len(n.inodes)
}

func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	idx := n.parent.childIndex(n)
	if idx >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(idx + 1)
}

func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	idx := n.parent.childIndex(n)
	if idx == 0 {
		return nil
	}
	return n.parent.childAt(idx - 1)
}

// put inserts or updates the inode for a key. oldKey identifies the inode
// to move when a key is being renamed as part of rebalancing; usually
// oldKey == newKey.
func (n *node) put(oldKey, newKey, value []byte, pid pgid, flags uint32) {
	if pid >= n.bucket.tx.meta.pgid {
		panic("shelfdb: pgid above high-water mark")
	} else if len(oldKey) <= 0 {
		panic("shelfdb: put: zero-length old key")
	} else if len(newKey) <= 0 {
		panic("shelfdb: put: zero-length new key")
	}

	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) != -1
	})

	exact := idx < len(n.inodes) && bytes.Equal(n.inodes[idx].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[idx+1:], n.inodes[idx:])
	}

	item := &n.inodes[idx]
	item.flags = flags
	item.key = cloneBytes(newKey)
	item.value = cloneBytes(value)
	item.pgid = pid
}

// del marks the inode for key removed.
func (n *node) del(key []byte) {
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})
	if idx >= len(n.inodes) || !bytes.Equal(n.inodes[idx].key, key) {
		return
	}
	n.inodes = append(n.inodes[:idx], n.inodes[idx+1:]...)
	n.unbalanced = true
}

// read decodes a page's elements into this node's inodes.
func (n *node) read(buf []byte) {
	p := readPageHeader(buf)
	n.pgid = p.id
	n.isLeaf = p.flags&leafPageFlag != 0
	n.inodes = make(inodes, int(p.count))
	for i := 0; i < int(p.count); i++ {
		item := &n.inodes[i]
		if n.isLeaf {
			e := readLeafElement(buf, i)
			item.flags = e.flags
			start := pageHeaderSize + i*leafPageElementSize + int(e.pos)
			item.key = buf[start : start+int(e.ksize)]
			item.value = buf[start+int(e.ksize) : start+int(e.ksize)+int(e.vsize)]
		} else {
			e := readBranchElement(buf, i)
			item.pgid = e.pgid
			start := pageHeaderSize + i*branchPageElementSize + int(e.pos)
			item.key = buf[start : start+int(e.ksize)]
		}
	}
	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write encodes this node's elements into buf, a buffer of exactly
// n.size() bytes (rounded up to a page multiple by the caller).
func (n *node) write(buf []byte) {
	flags := n.pageType()
	p := page{id: n.pgid, flags: flags, count: uint16(len(n.inodes))}
	writePageHeader(buf, p)

	elemSize := n.pageElementSize()
	pos := pageHeaderSize + elemSize*len(n.inodes)
	for i, item := range n.inodes {
		if n.isLeaf {
			writeLeafElement(buf, i, leafPageElement{
				flags: item.flags,
				pos:   uint32(pos - (pageHeaderSize + i*elemSize)),
				ksize: uint32(len(item.key)),
				vsize: uint32(len(item.value)),
			})
			copy(buf[pos:], item.key)
			pos += len(item.key)
			copy(buf[pos:], item.value)
			pos += len(item.value)
		} else {
			writeBranchElement(buf, i, branchPageElement{
				pos:   uint32(pos - (pageHeaderSize + i*elemSize)),
				ksize: uint32(len(item.key)),
				pgid:  item.pgid,
			})
			copy(buf[pos:], item.key)
			pos += len(item.key)
		}
	}
}

// split breaks n into however many nodes are needed to keep each under the
// configured fill threshold: choose the smallest prefix whose size is at
// least minFillThreshold and whose suffix still fits, cut there, repeat on
// the suffix.
func (n *node) split(pageSize int) []*node {
	fillPercent := n.bucket.fillPercent
	if fillPercent <= 0 {
		fillPercent = defaultFillPercent
	}
	if fillPercent < minFillPercent {
		fillPercent = minFillPercent
	} else if fillPercent > maxFillPercent {
		fillPercent = maxFillPercent
	}
	threshold := int(float64(pageSize) * (1 + fillPercent))

	var out []*node
	cur := n
	for {
		if cur.size() < threshold || len(cur.inodes) <= cur.minKeys()*2 {
			out = append(out, cur)
			break
		}
		a, b := cur.splitAt(pageSize)
		out = append(out, a)
		cur = b
	}
	return out
}

const minFillThresholdPercent = 0.10

// splitAt cuts cur into a left part whose size first crosses
// minFillThreshold and a right remainder, returning both.
func (cur *node) splitAt(pageSize int) (*node, *node) {
	minThreshold := int(float64(pageSize) * minFillThresholdPercent)
	elemSize := cur.pageElementSize()
	sz := pageHeaderSize
	splitIndex := len(cur.inodes) - 1
	for i, item := range cur.inodes {
		sz += elemSize + len(item.key) + len(item.value)
		if i >= cur.minKeys() && sz >= minThreshold {
			splitIndex = i
			break
		}
	}

	next := &node{
		bucket: cur.bucket,
		isLeaf: cur.isLeaf,
	}
	next.inodes = cur.inodes[splitIndex+1:]
	cur.inodes = cur.inodes[:splitIndex+1]

	if cur.parent != nil {
		cur.parent.children = append(cur.parent.children, next)
	}
	return cur, next
}

const minFillPercent = 0.1
const maxFillPercent = 1.0
const defaultFillPercent = 0.5

// spill writes every dirty descendant of n to freshly allocated pages,
// splitting nodes that exceed the fill threshold, depth-first post-order.
func (n *node) spill() error {
	tx := n.bucket.tx
	if n.spilled {
		return nil
	}

	sort.Sort(n.children)
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}
	n.children = nil

	nodesToSpill := n.split(tx.db.pageSize)
	if len(nodesToSpill) > 1 && n.parent == nil {
		n.parent = &node{bucket: n.bucket}
	}
	for _, item := range nodesToSpill {
		item.parent = n.parent
		if item.pgid > 0 {
			tx.freePage(item.pgid)
			item.pgid = 0
		}

		pages := (item.size() + tx.db.pageSize - 1) / tx.db.pageSize
		if pages < 1 {
			pages = 1
		}
		pid, err := tx.allocate(pages)
		if err != nil {
			return err
		}

		item.pgid = pid
		buf := make([]byte, pages*tx.db.pageSize)
		item.write(buf)
		tx.pages[pid] = buf
		item.spilled = true

		if item.parent != nil {
			var key []byte
			if len(item.inodes) > 0 {
				key = item.inodes[0].key
			} else {
				key = item.key
			}
			oldKey := item.key
			if oldKey == nil {
				oldKey = key
			}
			item.parent.put(oldKey, key, nil, item.pgid, 0)
			item.key = key
		}
	}

	if n.parent != nil && n.parent.pgid == 0 {
		return n.parent.spill()
	}
	return nil
}

// rebalance merges or collapses a node marked unbalanced. Called bottom-up
// over every node touched by a delete.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false

	if len(n.inodes) == 0 && n.parent != nil {
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
		n.parent.rebalance()
		return
	}

	if n.parent == nil {
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children
			for _, grandchild := range n.inodes {
				if cached, ok := n.bucket.nodes[grandchild.pgid]; ok {
					cached.parent = n
				}
			}
			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	if n.numChildren() == 0 {
		return
	}

	threshold := int(float64(n.bucket.tx.db.pageSize) * minFillThresholdPercent)
	if !n.sizeLessThan(threshold) && len(n.inodes) > n.minKeys() {
		return
	}

	var target *node
	useNextSibling := n.parent.childIndex(n) == 0
	if useNextSibling {
		target = n.nextSibling()
	} else {
		target = n.prevSibling()
	}
	if target == nil {
		return
	}

	if useNextSibling {
		if !n.isLeaf {
			for _, item := range target.inodes {
				if child, ok := n.bucket.nodes[item.pgid]; ok {
					child.parent.removeChild(child)
					child.parent = n
					n.bucket.nodes[item.pgid] = child
				}
			}
		}
		n.inodes = append(n.inodes, target.inodes...)
		n.parent.del(target.key)
		n.parent.removeChild(target)
		delete(n.bucket.nodes, target.pgid)
		target.free()
	} else {
		if !n.isLeaf {
			for _, item := range n.inodes {
				if child, ok := n.bucket.nodes[item.pgid]; ok {
					child.parent.removeChild(child)
					child.parent = target
					n.bucket.nodes[item.pgid] = child
				}
			}
		}
		target.inodes = append(target.inodes, n.inodes...)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	}
	n.parent.rebalance()
}

func (n *node) removeChild(target *node) {
	for i, child := range n.children {
		if child == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

func (n *node) free() {
	if n.pgid != 0 {
		n.bucket.tx.freePage(n.pgid)
		n.pgid = 0
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
