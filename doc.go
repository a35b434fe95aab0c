// Package shelfdb is an embedded, single-file, transactional key/value
// store. A process opens one database file and reads and writes through
// transactions; data is organized into named, recursively nestable buckets
// holding lexicographically ordered byte keys mapped to byte values.
//
// Durability comes from a shadow-paging scheme on a memory-mapped file with
// two alternating meta pages: a write transaction never mutates a page that
// a reader might still be looking at, and a commit only becomes visible
// once the inactive meta page has been fsynced with a new, higher
// transaction id.
//
// A single writer transaction runs at a time; any number of read
// transactions run concurrently with it and with each other, each pinned
// to the meta snapshot in effect when it began.
package shelfdb
