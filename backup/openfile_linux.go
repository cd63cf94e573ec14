//go:build linux

package backup

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openForReadPlatform tries O_NOATIME first; some filesystems and
// permission combinations reject it with EPERM, in which case we retry
// without the flag rather than fail the whole read (mirrors
// _open_file's try/except in the source).
func openForReadPlatform(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOATIME, 0)
	if err != nil && errors.Is(err, os.ErrPermission) {
		return os.OpenFile(path, os.O_RDONLY, 0)
	}
	return f, err
}
