//go:build !windows && !linux

package shelfdb

import "os"

// fdatasync falls back to a full fsync on platforms whose unix package
// does not expose a distinct fdatasync syscall (darwin, the BSDs).
func fdatasync(f *os.File) error {
	return f.Sync()
}
