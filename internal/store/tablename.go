package store

import (
	"encoding/base64"
	"encoding/binary"
)

// encodeTableKey packs a sync's identity triple into the base64 token
// naming its syncstate table: rootFsId and remoteRootHandle as
// little-endian u64s, followed by the raw accountID bytes.
func encodeTableKey(rootFsID, remoteRootHandle uint64, accountID string) string {
	buf := make([]byte, 16+len(accountID))
	binary.LittleEndian.PutUint64(buf[0:8], rootFsID)
	binary.LittleEndian.PutUint64(buf[8:16], remoteRootHandle)
	copy(buf[16:], accountID)
	return base64.RawURLEncoding.EncodeToString(buf)
}
