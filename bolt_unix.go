//go:build !windows

package shelfdb

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flock takes an advisory lock on f: exclusive for a writable database,
// shared for a read-only one. timeout <= 0 waits indefinitely.
func flock(f *os.File, exclusive bool, timeout time.Duration) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK {
			return err
		}
		if timeout > 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// osPageSize reports the host's memory page size, used as the default
// database page size for newly created files.
func osPageSize() int {
	return unix.Getpagesize()
}
