//go:build unix

package fsaccess

import (
	"fmt"
	"os"
	"syscall"
)

// fsIDFromInfo derives a 64-bit identity from a file's device and inode
// numbers. Folding the device into the high bits keeps identities from
// colliding across distinct mounts reporting the same inode number.
func fsIDFromInfo(info os.FileInfo) (uint64, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("fsaccess: unsupported stat_t for %s", info.Name())
	}
	return uint64(st.Dev)<<40 ^ uint64(st.Ino), nil
}

// fsFingerprintFromInfo identifies the mount a path lives on by device
// number alone.
func fsFingerprintFromInfo(info os.FileInfo) (uint64, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("fsaccess: unsupported stat_t for %s", info.Name())
	}
	return uint64(st.Dev), nil
}
