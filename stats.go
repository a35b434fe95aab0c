package shelfdb

// DBStats holds counters describing the lifetime activity of a Database.
type DBStats struct {
	TxCount     int // read transactions started plus write transactions committed
	OpenTxCount int // number of currently open read transactions
	FreePages   int // pages tracked by the freelist, free or pending
	FreeAlloc   int // bytes the freelist itself occupies on disk
}

// BucketStats holds counters describing a single bucket's shape. It is
// computed on demand by Bucket.Stats, which walks the bucket's subtree.
type BucketStats struct {
	KeyN        int // number of keys/value pairs, including nested bucket headers
	BucketN     int // number of nested buckets, recursive
	LeafPages   int
	BranchPages int
	Depth       int
}

// Stats walks b's subtree and returns a snapshot of its shape. It is
// read-only and safe to call from any open transaction.
func (b *Bucket) Stats() BucketStats {
	var s BucketStats
	b.statsWalk(b.rootPgid(), 1, &s)
	return s
}

func (b *Bucket) statsWalk(pid pgid, depth int, s *BucketStats) {
	if depth > s.Depth {
		s.Depth = depth
	}
	ref := b.pageNode(pid)
	if ref.node != nil {
		n := ref.node
		if n.isLeaf {
			s.LeafPages++
		} else {
			s.BranchPages++
		}
		for _, item := range n.inodes {
			if !n.isLeaf {
				b.statsWalk(item.pgid, depth+1, s)
				continue
			}
			s.KeyN++
			if item.flags&bucketLeafFlag != 0 {
				s.BucketN++
				nested := b.tx.openBucket(item.value)
				b.statsWalk2(nested, depth+1, s)
			}
		}
		return
	}
	pr := ref.page
	if pr.isLeaf() {
		s.LeafPages++
		for i := 0; i < pr.count(); i++ {
			_, v, flags := pr.leafKV(i)
			s.KeyN++
			if flags&bucketLeafFlag != 0 {
				s.BucketN++
				nested := b.tx.openBucket(v)
				b.statsWalk2(nested, depth+1, s)
			}
		}
	} else {
		s.BranchPages++
		for i := 0; i < pr.count(); i++ {
			_, child := pr.branchEntry(i)
			b.statsWalk(child, depth+1, s)
		}
	}
}

func (b *Bucket) statsWalk2(nested *Bucket, depth int, s *BucketStats) {
	nested.statsWalk(nested.rootPgid(), depth, s)
}

// Info describes a database file's static layout.
type Info struct {
	Path     string
	PageSize int
	ReadOnly bool
}

// Info returns a snapshot of db's static configuration.
func (db *DB) Info() *Info {
	return &Info{Path: db.path, PageSize: db.pageSize, ReadOnly: db.readOnly}
}
