//go:build unix

package sdbm

import (
	"io/fs"
	"sync"

	"golang.org/x/sys/unix"
)

// umaskMu serializes the read and restore of the process umask between opens.
// It does not protect against other code in the process calling umask.
var umaskMu sync.Mutex

// currentUmask reads the process umask without changing it.
// There is no read-only umask call, so it is set to 0 and immediately restored.
func currentUmask() fs.FileMode {
	umaskMu.Lock()
	defer umaskMu.Unlock()
	old := unix.Umask(0)
	unix.Umask(old)
	return fs.FileMode(old)
}
