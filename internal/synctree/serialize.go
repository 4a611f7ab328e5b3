package synctree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wireVersion = 1

const flagShortNameInDB = 1 << 0

// Serialize encodes n into the bit-exact little-endian row layout the
// Store persists a SyncNode as. parentDBID must be the already-committed
// dbId of n.Parent (0 for the root).
func Serialize(n *Node, parentDBID uint32) []byte {
	var buf bytes.Buffer

	writeU8(&buf, wireVersion)
	writeU8(&buf, uint8(n.Kind))
	writeU32(&buf, parentDBID)
	writeU64(&buf, n.FsID)
	writeU64(&buf, uint64(n.RemoteHandle))
	writeU64(&buf, uint64(n.SyncedRemoteHandle))
	writeU64(&buf, uint64(n.Size))
	writeU64(&buf, uint64(n.Mtime))

	writeU16(&buf, uint16(len(n.LocalName)))
	buf.WriteString(n.LocalName)

	var flags uint8
	shortName := n.ShortName
	if shortName != "" {
		flags |= flagShortNameInDB
	}
	writeU16(&buf, uint16(len(shortName)))
	buf.WriteString(shortName)

	writeU8(&buf, flags)
	writeU32(&buf, n.Fingerprint.CRC)

	return buf.Bytes()
}

// DecodedNode is a flattened view of a deserialized row, before it has
// been re-linked into a tree (ParentDBID must be resolved by the caller
// against already-rehydrated nodes).
type DecodedNode struct {
	Kind         Kind
	ParentDBID   uint32
	FsID         uint64
	RemoteHandle RemoteHandle
	SyncedHandle RemoteHandle
	Size         int64
	Mtime        int64
	LocalName    string
	ShortName    string
	CRC          uint32
}

// Deserialize decodes a row previously produced by Serialize.
func Deserialize(data []byte) (*DecodedNode, error) {
	r := bytes.NewReader(data)

	version, err := readU8(r)
	if err != nil {
		return nil, err
	}
	if version != wireVersion {
		return nil, fmt.Errorf("synctree: unsupported wire version %d", version)
	}

	kind, err := readU8(r)
	if err != nil {
		return nil, err
	}
	parentDBID, err := readU32(r)
	if err != nil {
		return nil, err
	}
	fsID, err := readU64(r)
	if err != nil {
		return nil, err
	}
	remoteHandle, err := readU64(r)
	if err != nil {
		return nil, err
	}
	syncedHandle, err := readU64(r)
	if err != nil {
		return nil, err
	}
	size, err := readU64(r)
	if err != nil {
		return nil, err
	}
	mtime, err := readU64(r)
	if err != nil {
		return nil, err
	}
	localName, err := readString16(r)
	if err != nil {
		return nil, err
	}
	shortName, err := readString16(r)
	if err != nil {
		return nil, err
	}
	if _, err := readU8(r); err != nil { // flags: derivable from len(shortName)
		return nil, err
	}
	crc, err := readU32(r)
	if err != nil {
		return nil, err
	}

	return &DecodedNode{
		Kind:         Kind(kind),
		ParentDBID:   parentDBID,
		FsID:         fsID,
		RemoteHandle: RemoteHandle(remoteHandle),
		SyncedHandle: RemoteHandle(syncedHandle),
		Size:         int64(size),
		Mtime:        int64(mtime),
		LocalName:    localName,
		ShortName:    shortName,
		CRC:          crc,
	}, nil
}

func writeU8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func writeU16(buf *bytes.Buffer, v uint16) { binary.Write(buf, binary.LittleEndian, v) } //nolint:errcheck
func writeU32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.LittleEndian, v) } //nolint:errcheck
func writeU64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.LittleEndian, v) } //nolint:errcheck

func readU8(r *bytes.Reader) (uint8, error) { return r.ReadByte() }
func readU16(r *bytes.Reader) (uint16, error) {
	var v uint16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readString16(r *bytes.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil && n > 0 {
		return "", err
	}
	return string(buf), nil
}
