package db

import (
	"fmt"
	"os"
	"syscall"

	"hammersbald/pkg/dberr"
)

// acquireLock takes an exclusive advisory lock on the store's lock file. The
// lock dies with the process, so a crashed owner never blocks the next open;
// a live one makes it fail with ErrLocked.
func acquireLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	if err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("%s: %w", path, dberr.ErrLocked)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	file.Truncate(0)
	fmt.Fprintf(file, "%d\n", os.Getpid())
	return file, nil
}

// releaseLock drops the advisory lock by closing its file.
func releaseLock(file *os.File) {
	file.Close()
}
