package pathops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainingPathOf(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		wantIdx int
		wantOK  bool
	}{
		{"empty prefix", "", "a/b", 0, true},
		{"exact match", "a/b", "a/b", 3, true},
		{"component prefix", "a/b", "a/b/c", 4, true},
		{"prefix ends in sep", "a/b/", "a/b/c", 4, true},
		{"mid-component", "a/b", "a/bc", 0, false},
		{"not a prefix", "x", "a/b", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := ContainingPathOf(tt.a, tt.b, '/')
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantIdx, idx)
			}
		})
	}
}

func TestNextComponentWalksAndIsIdempotentAtEnd(t *testing.T) {
	cursor := 0
	var got []string
	for {
		c, ok := NextComponent("a/bb/c", '/', &cursor)
		if !ok {
			break
		}
		got = append(got, c)
	}
	assert.Equal(t, []string{"a", "bb", "c"}, got)

	// Exhausted cursor stays exhausted.
	_, ok := NextComponent("a/bb/c", '/', &cursor)
	assert.False(t, ok)
	_, ok = NextComponent("a/bb/c", '/', &cursor)
	assert.False(t, ok)
}

func TestAppendWithSeparator(t *testing.T) {
	got, ok := AppendWithSeparator("a", "b", '/', false)
	assert.True(t, ok)
	assert.Equal(t, "a/b", got)

	got, ok = AppendWithSeparator("a/", "b", '/', false)
	assert.True(t, ok)
	assert.Equal(t, "a/b", got)

	got, ok = AppendWithSeparator("", "b", '/', false)
	assert.True(t, ok)
	assert.Equal(t, "b", got)

	_, ok = AppendWithSeparator("a", "/abs", '/', false)
	assert.False(t, ok, "absolute leaf rejected when absoluteOK is false")

	got, ok = AppendWithSeparator("a", "/abs", '/', true)
	assert.True(t, ok)
	assert.Equal(t, "a//abs", got)
}

func TestReverseMatchScoreSymmetry(t *testing.T) {
	paths := []string{"", "x", "a/x", "b/x", "a/b/x", "deep/a/b/x", "a/y"}
	for _, a := range paths {
		for _, b := range paths {
			assert.Equal(t, ReverseMatchScore(a, b, '/'), ReverseMatchScore(b, a, '/'),
				"score(%q,%q) must be symmetric", a, b)
		}
	}
}

func TestReverseMatchScoreLeafGate(t *testing.T) {
	// Leaf mismatch scores zero even with a long shared tail directory.
	assert.Zero(t, ReverseMatchScore("a/b/notes", "a/b/trash", '/'))

	// Same leaf, different folders: positive (leaf bytes outweigh the
	// crossed separator).
	assert.Positive(t, ReverseMatchScore("a/file", "b/file", '/'))

	// A deeper shared suffix scores higher.
	shallow := ReverseMatchScore("p/file", "q/file", '/')
	deep := ReverseMatchScore("p/dir/file", "q/dir/file", '/')
	assert.Greater(t, deep, shallow)

	// Full identical match: 5 non-separator bytes minus 1 crossed separator.
	assert.Equal(t, 4, ReverseMatchScore("a/file", "a/file", '/'))

	// Empty path scores zero.
	assert.Zero(t, ReverseMatchScore("", "a/file", '/'))
}

func TestLeafName(t *testing.T) {
	assert.Equal(t, "x", LeafName("a/b/x", '/'))
	assert.Equal(t, "x", LeafName("x", '/'))
	assert.Equal(t, "", LeafName("a/", '/'))
}
