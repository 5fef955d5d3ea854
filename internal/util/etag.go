package util

import (
	"fmt"
	"os"
)

// ETag composes the weak validator for a file from its size and
// modification time, both in lowercase hex. The millisecond truncation of
// the modification time is deliberate: it keeps the tag stable across
// filesystems that report different sub-second precision for the same
// file.
func ETag(fi os.FileInfo) string {
	return fmt.Sprintf("W/\"%x-%x\"", fi.Size(), fi.ModTime().UnixMilli())
}
