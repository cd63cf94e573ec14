// Package backup implements the backup engine: it walks the set of
// dirty FSEntry rows in dependency order, serializes each into one or
// more objects, and admits them through a Sink.
package backup

import (
	"os"
)

// openForRead opens path for reading. Platform-specific variants prefer
// O_NOATIME so a backup run doesn't perturb every file's access time;
// see openfile_linux.go.
func openForRead(path string) (*os.File, error) {
	return openForReadPlatform(path)
}
