package shelfdb

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// pgid identifies a page by its offset from the start of the file, measured
// in pages: byte offset = pgid * pageSize.
type pgid uint64

// txid is a monotonically increasing transaction id. Commits total order by
// txid.
type txid uint64

const pageHeaderSize = 16

// Page flags. Values follow the reference bbolt layout so a hex dump of a
// shelfdb file reads the same way to anyone who has debugged a bolt file.
const (
	branchPageFlag   = 0x01
	leafPageFlag     = 0x02
	metaPageFlag     = 0x04
	freelistPageFlag = 0x10
)

// bucketLeafFlag marks a leaf element whose value is a nested bucket header
// rather than a user value.
const bucketLeafFlag = 0x01

const magicNumber = 0xED0CDAED
const dataFormatVersion = 2

// metaPage0 and metaPage1 are the two alternating pages that carry meta.
const (
	metaPage0 pgid = 0
	metaPage1 pgid = 1
)

// page is the decoded 16-byte header shared by every page type. The
// variable-length payload that follows it is interpreted according to
// flags and is handled by the branch/leaf/meta/freelist codecs below.
type page struct {
	id       pgid
	flags    uint16
	count    uint16
	overflow uint32
}

func (p page) typ() string {
	switch {
	case p.flags&branchPageFlag != 0:
		return "branch"
	case p.flags&leafPageFlag != 0:
		return "leaf"
	case p.flags&metaPageFlag != 0:
		return "meta"
	case p.flags&freelistPageFlag != 0:
		return "freelist"
	default:
		return fmt.Sprintf("unknown<%02x>", p.flags)
	}
}

func readPageHeader(buf []byte) page {
	return page{
		id:       pgid(binary.LittleEndian.Uint64(buf[0:8])),
		flags:    binary.LittleEndian.Uint16(buf[8:10]),
		count:    binary.LittleEndian.Uint16(buf[10:12]),
		overflow: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

func writePageHeader(buf []byte, p page) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.id))
	binary.LittleEndian.PutUint16(buf[8:10], p.flags)
	binary.LittleEndian.PutUint16(buf[10:12], p.count)
	binary.LittleEndian.PutUint32(buf[12:16], p.overflow)
}

// branchPageElementSize is the fixed record size for one branch entry:
// pos:u32, ksize:u32, pgid:u64.
const branchPageElementSize = 16

// leafPageElementSize is the fixed record size for one leaf entry:
// flags:u32, pos:u32, ksize:u32, vsize:u32.
const leafPageElementSize = 16

type branchPageElement struct {
	pos   uint32
	ksize uint32
	pgid  pgid
}

type leafPageElement struct {
	flags uint32
	pos   uint32
	ksize uint32
	vsize uint32
}

func readBranchElement(buf []byte, index int) branchPageElement {
	off := pageHeaderSize + index*branchPageElementSize
	return branchPageElement{
		pos:   binary.LittleEndian.Uint32(buf[off : off+4]),
		ksize: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		pgid:  pgid(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
	}
}

func writeBranchElement(buf []byte, index int, e branchPageElement) {
	off := pageHeaderSize + index*branchPageElementSize
	binary.LittleEndian.PutUint32(buf[off:off+4], e.pos)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], e.ksize)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(e.pgid))
}

func readLeafElement(buf []byte, index int) leafPageElement {
	off := pageHeaderSize + index*leafPageElementSize
	return leafPageElement{
		flags: binary.LittleEndian.Uint32(buf[off : off+4]),
		pos:   binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		ksize: binary.LittleEndian.Uint32(buf[off+8 : off+12]),
		vsize: binary.LittleEndian.Uint32(buf[off+12 : off+16]),
	}
}

func writeLeafElement(buf []byte, index int, e leafPageElement) {
	off := pageHeaderSize + index*leafPageElementSize
	binary.LittleEndian.PutUint32(buf[off:off+4], e.flags)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], e.pos)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], e.ksize)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], e.vsize)
}

// bucketHeader is the 16-byte (root pgid, sequence) pair stored inside the
// meta page for the root bucket, and inside a parent leaf's value for a
// nested bucket.
type bucketHeader struct {
	root     pgid
	sequence uint64
}

const bucketHeaderSize = 16

func readBucketHeader(buf []byte) bucketHeader {
	return bucketHeader{
		root:     pgid(binary.LittleEndian.Uint64(buf[0:8])),
		sequence: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

func writeBucketHeader(buf []byte, h bucketHeader) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.root))
	binary.LittleEndian.PutUint64(buf[8:16], h.sequence)
}

// meta is the 64-byte body that sits at offset pageHeaderSize within pages
// 0 and 1, which alternate as the active meta slot: the active one is
// whichever validates and carries the higher txid. checksum covers bytes
// [0,56) of this body (i.e. file bytes [16,72) of the meta page).
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucketHeader
	freelist pgid
	pgid     pgid
	txid     txid
	checksum uint64
}

const metaBodySize = 64
const metaChecksumOffset = 56

func (m meta) validate() error {
	if m.magic != magicNumber {
		return ErrInvalid
	}
	if m.version != dataFormatVersion {
		return ErrVersionMismatch
	}
	if m.checksum != 0 && m.checksum != m.sum() {
		return ErrChecksum
	}
	return nil
}

// sum computes FNV-1a-64 over the encoded meta body preceding the checksum
// field.
func (m meta) sum() uint64 {
	buf := make([]byte, metaChecksumOffset)
	encodeMetaBody(buf, m)
	h := fnv.New64a()
	h.Write(buf)
	return h.Sum64()
}

// encodeMetaBody writes as much of the meta body as fits in buf, in field
// order. Called both for the full 64-byte body and for the 56-byte prefix
// used by the checksum.
func encodeMetaBody(buf []byte, m meta) {
	var full [metaBodySize]byte
	binary.LittleEndian.PutUint32(full[0:4], m.magic)
	binary.LittleEndian.PutUint32(full[4:8], m.version)
	binary.LittleEndian.PutUint32(full[8:12], m.pageSize)
	binary.LittleEndian.PutUint32(full[12:16], m.flags)
	writeBucketHeader(full[16:32], m.root)
	binary.LittleEndian.PutUint64(full[32:40], uint64(m.freelist))
	binary.LittleEndian.PutUint64(full[40:48], uint64(m.pgid))
	binary.LittleEndian.PutUint64(full[48:56], uint64(m.txid))
	binary.LittleEndian.PutUint64(full[56:64], m.checksum)
	copy(buf, full[:len(buf)])
}

// writeMeta encodes m into page, a pageSize-length buffer for page id.
func writeMeta(page []byte, id pgid, m meta) {
	writePageHeader(page, pageHeader(id, metaPageFlag, 0, 0))
	m.checksum = m.sum()
	encodeMetaBody(page[pageHeaderSize:pageHeaderSize+metaBodySize], m)
}

func pageHeader(id pgid, flags uint16, count uint16, overflow uint32) page {
	return page{id: id, flags: flags, count: count, overflow: overflow}
}

// readMeta decodes and validates magic, then version, then checksum, in
// that order: each check only means something once the one before it has
// passed.
func readMeta(buf []byte) (meta, error) {
	if len(buf) < pageHeaderSize+metaBodySize {
		return meta{}, ErrCorrupt
	}
	body := buf[pageHeaderSize : pageHeaderSize+metaBodySize]
	m := meta{
		magic:    binary.LittleEndian.Uint32(body[0:4]),
		version:  binary.LittleEndian.Uint32(body[4:8]),
		pageSize: binary.LittleEndian.Uint32(body[8:12]),
		flags:    binary.LittleEndian.Uint32(body[12:16]),
		root:     readBucketHeader(body[16:32]),
		freelist: pgid(binary.LittleEndian.Uint64(body[32:40])),
		pgid:     pgid(binary.LittleEndian.Uint64(body[40:48])),
		txid:     txid(binary.LittleEndian.Uint64(body[48:56])),
		checksum: binary.LittleEndian.Uint64(body[56:64]),
	}
	if m.magic != magicNumber {
		return meta{}, ErrInvalid
	}
	if m.version != dataFormatVersion {
		return meta{}, ErrVersionMismatch
	}
	if m.checksum != m.sum() {
		return meta{}, ErrChecksum
	}
	return m, nil
}
