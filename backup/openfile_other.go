//go:build !linux

package backup

import "os"

// openForReadPlatform is a plain open on platforms without O_NOATIME.
func openForReadPlatform(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY, 0)
}
