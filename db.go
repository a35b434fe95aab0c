package shelfdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"
)

// defaultPageSize is used when Options.PageSize is zero; it is taken from
// the host's page size.
var defaultPageSize = osPageSize()

const magicAlign = 1 << 30 // 1 GiB: growth doubles below this, then steps by it

// Options configures Open.
type Options struct {
	// Timeout bounds how long Open waits to acquire the file lock. Zero
	// means wait forever.
	Timeout time.Duration

	// ReadOnly opens the database without acquiring the writer lock;
	// Update and Begin(true) return ErrDatabaseReadOnly.
	ReadOnly bool

	// NoSync skips fsync after writing data pages and the meta page.
	// Crash safety is not guaranteed with NoSync set; it exists for
	// bulk-load workloads that can rebuild from another source of truth.
	NoSync bool

	// InitialMmapSize preallocates the memory map to this many bytes so
	// concurrent readers don't block on a remap while a writer grows the
	// file under normal operation.
	InitialMmapSize int

	// PageSize overrides the OS page size used for new databases. Has no
	// effect when opening an existing file, whose page size is read from
	// its meta page.
	PageSize int
}

// DefaultOptions is used when Open is called with a nil *Options.
var DefaultOptions = &Options{Timeout: 0}

// DB is a single-file, transactional, embedded key/value store. A DB
// allows any number of concurrent read-only transactions but at most one
// writable transaction at a time.
type DB struct {
	path     string
	file     *os.File
	pageSize int
	readOnly bool
	noSync   bool

	opened bool
	closed bool
	fatal  error

	data    mmap.MMap
	datasz  int
	mmaplk  sync.RWMutex

	metalk  sync.Mutex
	meta0   meta
	meta1   meta

	freelist *freelist

	rwlock sync.Mutex // held by the single active writer

	readerlk sync.Mutex
	readers  map[*Tx]txid

	stats DBStats
}

// Open opens (creating if necessary) the database file at path.
func Open(path string, mode os.FileMode, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions
	}
	db := &DB{
		path:     path,
		readOnly: opts.ReadOnly,
		noSync:   opts.NoSync,
		readers:  make(map[*Tx]txid),
	}

	flag := os.O_RDWR
	if db.readOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, mode)
	if err != nil {
		return nil, fmt.Errorf("shelfdb: open %s: %w", path, err)
	}
	db.file = f

	if err := flock(db.file, !db.readOnly, opts.Timeout); err != nil {
		_ = f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = db.close()
		return nil, err
	}
	if info.Size() == 0 {
		pageSize := opts.PageSize
		if pageSize == 0 {
			pageSize = defaultPageSize
		}
		if err := db.init(pageSize); err != nil {
			_ = db.close()
			return nil, err
		}
	}

	minsz := opts.InitialMmapSize
	if int(info.Size()) > minsz {
		minsz = int(info.Size())
	}
	if err := db.mmap(minsz); err != nil {
		_ = db.close()
		return nil, err
	}

	if err := db.loadFreelist(); err != nil {
		_ = db.close()
		return nil, err
	}

	db.opened = true
	return db, nil
}

// init lays out a brand-new file: two meta pages, an empty freelist page,
// and an empty root leaf page.
func (db *DB) init(pageSize int) error {
	db.pageSize = pageSize
	buf := make([]byte, 4*pageSize)

	for i, id := range []pgid{metaPage0, metaPage1} {
		m := meta{
			magic:    magicNumber,
			version:  dataFormatVersion,
			pageSize: uint32(pageSize),
			root:     bucketHeader{root: 2},
			freelist: 3,
			pgid:     4,
			txid:     txid(i),
		}
		writeMeta(buf[pgid(i)*pgid(pageSize):], id, m)
	}

	writePageHeader(buf[3*pageSize:], page{id: 3, flags: freelistPageFlag})

	writePageHeader(buf[2*pageSize:], page{id: 2, flags: leafPageFlag, count: 0})

	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return db.file.Sync()
}

func (db *DB) close() error {
	if db.data != nil {
		_ = db.data.Unmap()
		db.data = nil
	}
	if db.file != nil {
		_ = funlock(db.file)
		err := db.file.Close()
		db.file = nil
		return err
	}
	return nil
}

// Close releases the file lock, unmaps the file and closes it. Close waits
// for an open writable transaction to finish; it does not wait for
// read-only transactions.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	db.metalk.Lock()
	defer db.metalk.Unlock()
	db.mmaplk.Lock()
	defer db.mmaplk.Unlock()
	db.closed = true
	return db.close()
}

// Path returns the path passed to Open.
func (db *DB) Path() string { return db.path }

// IsReadOnly reports whether the database was opened with Options.ReadOnly.
func (db *DB) IsReadOnly() bool { return db.readOnly }

// Stats returns a snapshot of lifetime activity counters.
func (db *DB) Stats() DBStats {
	db.metalk.Lock()
	defer db.metalk.Unlock()
	s := db.stats
	s.OpenTxCount = len(db.readers)
	s.FreePages = db.freelist.count()
	if buf, err := db.pageAt(db.currentMeta().freelist); err == nil {
		s.FreeAlloc = len(buf)
	}
	return s
}

func (db *DB) mmap(minsz int) error {
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	size := int(info.Size())
	if size < minsz {
		size = minsz
	}
	size = db.mmapSize(size)

	db.mmaplk.Lock()
	defer db.mmaplk.Unlock()
	if db.data != nil {
		_ = db.data.Unmap()
	}
	flag := mmap.RDONLY
	data, err := mmap.MapRegion(db.file, size, flag, 0, 0)
	if err != nil {
		return err
	}
	db.data = data
	db.datasz = size

	m0, err0 := readMeta(data[0:])
	if db.pageSize == 0 && err0 == nil {
		db.pageSize = int(m0.pageSize)
	}
	m1, err1 := readMeta(data[db.pageSizeOrDefault():])
	if err0 != nil && err1 != nil {
		return err0
	}
	if err0 == nil {
		db.meta0 = m0
	}
	if err1 == nil {
		db.meta1 = m1
		if db.pageSize == 0 {
			db.pageSize = int(m1.pageSize)
		}
	}
	return nil
}

func (db *DB) pageSizeOrDefault() int {
	if db.pageSize == 0 {
		return defaultPageSize
	}
	return db.pageSize
}

// mmapSize rounds size up to the database's growth policy: double until
// 1 GiB, then grow by 1 GiB increments, always page-aligned.
func (db *DB) mmapSize(size int) int {
	target := 32 * 1024
	for target < size {
		if target < magicAlign {
			target *= 2
		} else {
			target += magicAlign
		}
	}
	pageSize := db.pageSizeOrDefault()
	if rem := target % pageSize; rem != 0 {
		target += pageSize - rem
	}
	return target
}

// grow ensures the file (and mmap) is at least sz bytes, remapping if
// necessary.
func (db *DB) grow(sz int) error {
	if sz <= db.datasz {
		return nil
	}
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	if int(info.Size()) < sz {
		newSize := db.mmapSize(sz)
		if err := db.file.Truncate(int64(newSize)); err != nil {
			return err
		}
	}
	return db.mmap(sz)
}

func (db *DB) loadFreelist() error {
	m := db.currentMeta()
	buf, err := db.pageAt(m.freelist)
	if err != nil {
		return err
	}
	db.freelist = newFreelist()
	return db.freelist.read(buf)
}

// currentMeta returns whichever of the two meta slots has the higher txid
// and a valid checksum.
func (db *DB) currentMeta() meta {
	if db.meta1.checksum != 0 && db.meta1.txid > db.meta0.txid && db.meta1.validate() == nil {
		return db.meta1
	}
	return db.meta0
}

func (db *DB) meta() meta {
	db.metalk.Lock()
	defer db.metalk.Unlock()
	return db.currentMeta()
}

func (db *DB) pageAt(pid pgid) ([]byte, error) {
	db.mmaplk.RLock()
	defer db.mmaplk.RUnlock()
	start := int(pid) * db.pageSize
	if start+pageHeaderSize > len(db.data) {
		return nil, ErrCorrupt
	}
	hdr := readPageHeader(db.data[start:])
	n := 1 + int(hdr.overflow)
	end := start + n*db.pageSize
	if end > len(db.data) {
		return nil, ErrCorrupt
	}
	return db.data[start:end], nil
}

func (db *DB) writePage(pid pgid, buf []byte) error {
	_, err := db.file.WriteAt(buf, int64(pid)*int64(db.pageSize))
	return err
}

func (db *DB) syncData() error {
	if db.noSync {
		return nil
	}
	return fdatasync(db.file)
}

func (db *DB) writeMetaPage(m meta) error {
	target := metaPage0
	if m.txid%2 != 0 {
		target = metaPage1
	}
	buf := make([]byte, db.pageSize)
	writeMeta(buf, target, m)
	m.checksum = m.sum()
	if _, err := db.file.WriteAt(buf, int64(target)*int64(db.pageSize)); err != nil {
		return err
	}
	if !db.noSync {
		if err := fdatasync(db.file); err != nil {
			return err
		}
	}
	db.metalk.Lock()
	if target == metaPage0 {
		db.meta0 = m
	} else {
		db.meta1 = m
	}
	db.metalk.Unlock()
	return db.remapIfGrown(m)
}

func (db *DB) remapIfGrown(m meta) error {
	needed := int(m.pgid) * db.pageSize
	if needed <= db.datasz {
		return nil
	}
	return db.mmap(needed)
}

func (db *DB) poison(err error) {
	db.metalk.Lock()
	db.fatal = err
	db.metalk.Unlock()
}

func (db *DB) commitWriter(tx *Tx) {
	db.stats.TxCount++
	db.rwlock.Unlock()
}

func (db *DB) releaseWriter() {
	db.rwlock.Unlock()
}

func (db *DB) addReader(tx *Tx) {
	db.readerlk.Lock()
	db.readers[tx] = tx.meta.txid
	db.readerlk.Unlock()
}

func (db *DB) removeReader(tx *Tx) {
	db.readerlk.Lock()
	delete(db.readers, tx)
	db.readerlk.Unlock()
}

func (db *DB) oldestReaderTxid() txid {
	db.readerlk.Lock()
	defer db.readerlk.Unlock()
	oldest := db.currentMeta().txid + 1
	for _, tid := range db.readers {
		if tid < oldest {
			oldest = tid
		}
	}
	return oldest
}

// Begin starts a new transaction. Only one writable transaction may be
// open at a time; Begin(true) blocks until any other writer commits or
// rolls back.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if !db.opened {
		return nil, ErrDatabaseNotOpen
	}
	if writable {
		if db.readOnly {
			return nil, ErrDatabaseReadOnly
		}
		db.rwlock.Lock()
		if db.fatal != nil || db.closed {
			db.rwlock.Unlock()
			return nil, ErrDatabaseClosed
		}
		tx := &Tx{writable: true}
		tx.init(db)
		return tx, nil
	}
	db.metalk.Lock()
	if db.fatal != nil || db.closed {
		db.metalk.Unlock()
		return nil, ErrDatabaseClosed
	}
	db.stats.TxCount++
	db.metalk.Unlock()
	tx := &Tx{writable: false}
	tx.init(db)
	db.addReader(tx)
	return tx, nil
}

// Update runs fn inside a writable transaction, committing if fn returns
// nil and rolling back otherwise.
func (db *DB) Update(fn func(*Tx) error) error {
	return db.UpdateWithContext(context.Background(), fn)
}

// UpdateWithContext is Update but aborts the transaction with
// ErrCancelled if ctx is cancelled before commit reaches the point of no
// return.
func (db *DB) UpdateWithContext(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.CommitWithContext(ctx)
}

// View runs fn inside a read-only transaction and always releases it
// afterward.
func (db *DB) View(fn func(*Tx) error) error {
	return db.ViewWithContext(context.Background(), fn)
}

// ViewWithContext is View but returns ErrCancelled, without calling fn, if
// ctx is already cancelled when the transaction has begun.
func (db *DB) ViewWithContext(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
	}
	return fn(tx)
}

// Sync flushes any OS-buffered writes to disk. Update already does this
// per-commit unless Options.NoSync was set.
func (db *DB) Sync() error {
	return fdatasync(db.file)
}
