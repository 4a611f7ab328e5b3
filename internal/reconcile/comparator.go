package reconcile

import "strings"

// Compare orders two leaf names under the sync's filesystem-specific name
// comparator: case-insensitive on case-preserving filesystems (the common
// case — NTFS, APFS in its default mode), case-sensitive elsewhere (most
// Linux filesystems). It returns <0, 0, >0 like strings.Compare.
func Compare(a, b string, caseSensitive bool) int {
	if caseSensitive {
		return strings.Compare(a, b)
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// Equal reports whether a and b collide under the comparator.
func Equal(a, b string, caseSensitive bool) bool {
	return Compare(a, b, caseSensitive) == 0
}
