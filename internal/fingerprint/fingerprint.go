// Package fingerprint computes content fingerprints used by the
// reconciler to decide content equality and by the fs-id assignment
// algorithm to recover identity across a restart.
package fingerprint

import (
	"bufio"
	"hash/crc32"
	"io"
	"os"
)

// sparseSampleSize and sparseSampleCount bound how much of a large file
// the full fingerprint reads: a handful of fixed-size samples spread
// across the file, not the whole content.
const (
	sparseSampleSize  = 64 * 1024
	sparseSampleCount = 8
)

// Light is the size+mtime identity used only by the post-restart fs-id
// assignment algorithm. It must be identical for a byte-identical file on
// either side of a restart, and its hash-combine must be commutative so a
// folder's aggregate does not depend on child enumeration order.
type Light struct {
	Size  int64
	Mtime int64 // unix nanoseconds
}

// Full additionally carries a CRC over sparse samples of the file content,
// used to decide content equality during reconciliation.
type Full struct {
	Light
	CRC   uint32
	Valid bool
}

// Combine folds one child's contribution into the aggregate f. Folding
// the same children in any order from the zero value yields the same
// aggregate: sizes add, and each child's mtime is scrambled with a
// multiplicative mix (the MurmurHash3 fmix64 finalizer) before being
// added. Plain XOR of raw mtimes would cancel identical timestamps;
// mixing then adding keeps duplicates reinforcing and makes the fold
// order-independent, so cached and live trees agree no matter how their
// children were enumerated.
func (f Light) Combine(other Light) Light {
	return Light{
		Size:  f.Size + other.Size,
		Mtime: f.Mtime + int64(mix(uint64(other.Mtime))),
	}
}

// Combine folds other into f for full fingerprints.
func (f Full) Combine(other Full) Full {
	valid := f.Valid && other.Valid
	return Full{
		Light: f.Light.Combine(other.Light),
		CRC:   f.CRC ^ other.CRC,
		Valid: valid,
	}
}

func mix(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// LightOf builds a Light fingerprint from raw stat fields.
func LightOf(size int64, mtime int64) Light {
	return Light{Size: size, Mtime: mtime}
}

// FullOfFile computes the Full fingerprint of a regular file on disk:
// size, mtime and a CRC of a handful of fixed-size samples spread across
// the file content, never the full content for large files.
func FullOfFile(path string, size int64, mtime int64) (Full, error) {
	f := Full{Light: LightOf(size, mtime)}

	file, err := os.Open(path)
	if err != nil {
		return Full{}, err
	}
	defer file.Close()

	crc, err := sparseCRC(file, size)
	if err != nil {
		return Full{}, err
	}

	f.CRC = crc
	f.Valid = true
	return f, nil
}

// sparseCRC reads sparseSampleCount samples of sparseSampleSize bytes,
// evenly spaced across the file, and returns their combined CRC32. Small
// files (smaller than one full sample set) are read in full.
func sparseCRC(r io.ReadSeeker, size int64) (uint32, error) {
	if size <= sparseSampleSize*sparseSampleCount {
		h := crc32.NewIEEE()
		if _, err := io.Copy(h, bufio.NewReader(r)); err != nil {
			return 0, err
		}
		return h.Sum32(), nil
	}

	h := crc32.NewIEEE()
	stride := size / sparseSampleCount
	buf := make([]byte, sparseSampleSize)

	for i := 0; i < sparseSampleCount; i++ {
		offset := int64(i) * stride
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return 0, err
		}
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return 0, err
		}
		if _, err := h.Write(buf[:n]); err != nil {
			return 0, err
		}
	}

	return h.Sum32(), nil
}
