package synctree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	root := NewRoot()
	n := New(KindFile, root, "report.pdf", "REPORT~1.PDF")
	n.FsID = 12345
	n.RemoteHandle = RemoteHandle(999)
	n.SyncedRemoteHandle = RemoteHandle(999)
	n.Size = 4096
	n.Mtime = 1700000000
	n.Fingerprint.CRC = 0xdeadbeef

	encoded := Serialize(n, 7)
	decoded, err := Deserialize(encoded)
	require.NoError(t, err)

	assert.Equal(t, n.Kind, decoded.Kind)
	assert.Equal(t, uint32(7), decoded.ParentDBID)
	assert.Equal(t, n.FsID, decoded.FsID)
	assert.Equal(t, n.RemoteHandle, decoded.RemoteHandle)
	assert.Equal(t, n.SyncedRemoteHandle, decoded.SyncedHandle)
	assert.Equal(t, n.Size, decoded.Size)
	assert.Equal(t, n.Mtime, decoded.Mtime)
	assert.Equal(t, n.LocalName, decoded.LocalName)
	assert.Equal(t, n.ShortName, decoded.ShortName)
	assert.Equal(t, n.Fingerprint.CRC, decoded.CRC)
}

func TestSerializeRoundTripNoShortName(t *testing.T) {
	root := NewRoot()
	n := New(KindFolder, root, "datasite", "")

	decoded, err := Deserialize(Serialize(n, 0))
	require.NoError(t, err)
	assert.Equal(t, "", decoded.ShortName)
	assert.Equal(t, uint32(0), decoded.ParentDBID)
}
