// Package pathops implements separator-agnostic path composition and the
// reverse-component match scoring used by the fs-id assignment algorithm to
// break ties between candidate (cached path, live path) pairs.
package pathops

import "strings"

// ContainingPathOf reports whether a is a path prefix of b on component
// boundaries, returning the byte index in b where the remainder begins.
func ContainingPathOf(a, b string, sep byte) (int, bool) {
	if a == "" {
		return 0, true
	}
	if !strings.HasPrefix(b, a) {
		return 0, false
	}
	if len(b) == len(a) {
		return len(a), true
	}
	// a must end on a component boundary within b: either a already ends
	// in sep, or the next byte of b is sep.
	if a[len(a)-1] == sep {
		return len(a), true
	}
	if b[len(a)] == sep {
		return len(a) + 1, true
	}
	return 0, false
}

// NextComponent advances cursor across the next separator-delimited
// component of path and returns it. Idempotent once cursor reaches the end.
func NextComponent(path string, sep byte, cursor *int) (string, bool) {
	if *cursor >= len(path) {
		return "", false
	}
	start := *cursor
	for *cursor < len(path) && path[*cursor] != sep {
		*cursor++
	}
	component := path[start:*cursor]
	if *cursor < len(path) {
		*cursor++ // skip the separator
	}
	return component, true
}

// AppendWithSeparator joins base and leaf with sep, avoiding a doubled
// separator when base already ends in one. When absoluteOK is false, a
// leaf that itself looks like an absolute path (starts with sep) is
// rejected.
func AppendWithSeparator(base, leaf string, sep byte, absoluteOK bool) (string, bool) {
	if leaf != "" && leaf[0] == sep && !absoluteOK {
		return "", false
	}
	if base == "" {
		return leaf, true
	}
	if base[len(base)-1] == sep {
		return base + leaf, true
	}
	return base + string(sep) + leaf, true
}

// ReverseMatchScore walks a and b from the tail, counting matched bytes and
// subtracting one point for every separator crossed, stopping at the first
// byte mismatch. It is the sole tiebreaker FsIdAssigner uses when several
// filesystem entries share a fingerprint with several cached nodes: it is
// strictly positive only when the leaf names actually match, symmetric in
// its arguments, and a full match of both paths scores the number of
// non-separator bytes minus the number of separators.
func ReverseMatchScore(a, b string, sep byte) int {
	if a == "" || b == "" {
		return 0
	}

	score := 0
	leafMatched := false
	i, j := len(a)-1, len(b)-1

	for i >= 0 && j >= 0 {
		ca, cb := a[i], b[j]
		if ca != cb {
			break
		}
		if ca == sep {
			leafMatched = true
			score--
		} else {
			score++
		}
		i--
		j--
	}

	// Both paths fully consumed in lockstep without a mismatch: a full
	// match, which always implies the leaves matched.
	if i < 0 && j < 0 {
		leafMatched = true
	}

	// The walk stopped mid-leaf (no separator crossed yet) with bytes
	// still remaining on at least one side that aren't a separator:
	// the leaves never fully agreed.
	if !leafMatched {
		return 0
	}
	if score <= 0 {
		return 0
	}
	return score
}

// LeafName returns the final separator-delimited component of path.
func LeafName(path string, sep byte) string {
	idx := strings.LastIndexByte(path, sep)
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
