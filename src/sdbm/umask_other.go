//go:build !unix

package sdbm

import "io/fs"

// currentUmask returns 0 on platforms without a process umask.
func currentUmask() fs.FileMode {
	return 0
}
