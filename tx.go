package shelfdb

import (
	"context"
	"sort"
)

// TxStats holds counters describing the work a transaction has done.
type TxStats struct {
	PageCount   int
	PageAlloc   int
	CursorCount int
	NodeCount   int
	NodeDeref   int
	Rebalance   int
	Spill       int
	Write       int
}

type txStats = TxStats

// Tx represents a read-only or read-write transaction against a Database.
// A Tx holds a consistent snapshot of the database as of the moment it
// began: a read-write Tx additionally buffers every page it dirties until
// Commit.
type Tx struct {
	writable       bool
	db             *DB
	meta           meta
	root           Bucket
	pages          map[pgid][]byte
	stats          txStats
	commitHandlers []func()
}

func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.meta = db.meta()
	tx.root = newBucket(tx)
	tx.root.bucketHeader = tx.meta.root
	if tx.writable {
		tx.pages = make(map[pgid][]byte)
		tx.meta.txid++
	}
}

// DB returns the database this transaction belongs to.
func (tx *Tx) DB() *DB { return tx.db }

// Writable reports whether the transaction can mutate the database.
func (tx *Tx) Writable() bool { return tx.writable }

// ID returns the transaction's txid.
func (tx *Tx) ID() uint64 { return uint64(tx.meta.txid) }

// Size returns the size in bytes of the snapshot the transaction sees.
func (tx *Tx) Size() int64 { return int64(tx.meta.pgid) * int64(tx.db.pageSize) }

// Stats returns a copy of the transaction's activity counters.
func (tx *Tx) Stats() TxStats { return tx.stats }

// OnCommit registers fn to run after Commit succeeds. Handlers run in
// registration order with the writer lock already released.
func (tx *Tx) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

// Bucket returns the top-level bucket named name, or nil.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates name if absent and returns it either way.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket removes the top-level bucket named name.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach walks every top-level bucket.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEachBucket(fn)
}

// Cursor returns a cursor over the root-level namespace: the top-level
// buckets, in key order.
func (tx *Tx) Cursor() *Cursor {
	return tx.root.Cursor()
}

// page returns the bytes of page pid: the transaction's own dirty copy if
// it has one, else a slice into the database's current mmap.
func (tx *Tx) page(pid pgid) ([]byte, error) {
	if tx.pages != nil {
		if buf, ok := tx.pages[pid]; ok {
			return buf, nil
		}
	}
	return tx.db.pageAt(pid)
}

// allocate reserves count contiguous pages, extending the database's
// high-water mark if the freelist has no suitable run.
func (tx *Tx) allocate(count int) (pgid, error) {
	pid := tx.db.freelist.allocate(count)
	if pid != 0 {
		buf := make([]byte, count*tx.db.pageSize)
		tx.pages[pid] = buf
		tx.stats.PageAlloc += count
		return pid, nil
	}
	pid = tx.meta.pgid
	if err := tx.db.grow(int(pid+pgid(count)) * tx.db.pageSize); err != nil {
		return 0, err
	}
	tx.meta.pgid += pgid(count)
	buf := make([]byte, count*tx.db.pageSize)
	tx.pages[pid] = buf
	tx.stats.PageAlloc += count
	return pid, nil
}

// freePage releases pid to the transaction's txid in the freelist's
// pending set; it becomes reusable once no open read transaction can
// still see the version of the database that referenced it.
func (tx *Tx) freePage(pid pgid) {
	if tx.pages != nil {
		delete(tx.pages, pid)
	}
	tx.db.freelist.free(tx.meta.txid, pid, 0)
}

// Commit rebalances touched nodes, spills dirty nodes to fresh pages,
// persists the freelist, fsyncs the data pages, then flips the inactive
// meta slot and fsyncs it.
func (tx *Tx) Commit() error {
	return tx.commit(context.Background())
}

// CommitWithContext is Commit but aborts with ErrCancelled if ctx is
// cancelled before the point of no return (the final meta write).
func (tx *Tx) CommitWithContext(ctx context.Context) error {
	return tx.commit(ctx)
}

func (tx *Tx) commit(ctx context.Context) error {
	if tx.db == nil {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxNotWritable
	}

	tx.root.rebalance()
	tx.stats.Rebalance++

	select {
	case <-ctx.Done():
		tx.rollback()
		return ErrCancelled
	default:
	}

	if err := tx.root.spill(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.Spill++
	tx.meta.root = tx.root.bucketHeader

	if tx.meta.freelist != 0 {
		tx.freePage(tx.meta.freelist)
	}
	tx.db.freelist.release(tx.db.oldestReaderTxid())
	flPages := tx.db.freelist.size(tx.db.pageSize)
	flPid, err := tx.allocate(flPages)
	if err != nil {
		tx.rollback()
		return err
	}
	buf := tx.pages[flPid]
	tx.db.freelist.write(buf, flPid, tx.db.pageSize)
	tx.meta.freelist = flPid

	pids := make([]pgid, 0, len(tx.pages))
	for pid := range tx.pages {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, pid := range pids {
		if err := tx.db.writePage(pid, tx.pages[pid]); err != nil {
			tx.db.poison(err)
			tx.rollback()
			return err
		}
	}
	if err := tx.db.syncData(); err != nil {
		tx.db.poison(err)
		tx.rollback()
		return err
	}
	tx.stats.Write += len(pids)

	select {
	case <-ctx.Done():
		tx.rollback()
		return ErrCancelled
	default:
	}

	if err := tx.db.writeMetaPage(tx.meta); err != nil {
		tx.db.poison(err)
		tx.rollback()
		return err
	}

	tx.db.commitWriter(tx)

	for _, fn := range tx.commitHandlers {
		fn()
	}
	tx.db = nil
	return nil
}

// Rollback discards every change made in a writable transaction, or
// simply releases a read-only transaction's snapshot.
func (tx *Tx) Rollback() error {
	if tx.db == nil {
		return ErrTxClosed
	}
	tx.rollback()
	return nil
}

func (tx *Tx) rollback() {
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
		tx.db.releaseWriter()
	} else {
		tx.db.removeReader(tx)
	}
	tx.db = nil
}
