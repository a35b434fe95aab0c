//go:build windows

package shelfdb

import (
	"os"
	"time"
)

// flock and funlock are no-ops on Windows in this build: Windows denies a
// second process exclusive access to an already-open file by default, so
// cross-process mutual exclusion falls out of the OS rather than an
// explicit lock call. This does not protect against two goroutines in the
// same process opening the file twice; callers should not do that.
func flock(f *os.File, exclusive bool, timeout time.Duration) error {
	return nil
}

func funlock(f *os.File) error {
	return nil
}

func fdatasync(f *os.File) error {
	return f.Sync()
}

func osPageSize() int {
	return os.Getpagesize()
}
