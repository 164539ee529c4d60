//go:build !linux

package walog

import "os"

// fdatasync falls back to a full sync on platforms without a cheaper
// data-only flush.
func fdatasync(f *os.File) error {
	return f.Sync()
}
