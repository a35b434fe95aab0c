//go:build linux

package shelfdb

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes f's data, and only the metadata needed to retrieve it,
// to stable storage. Linux exposes fdatasync as a distinct, cheaper
// syscall from fsync.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
