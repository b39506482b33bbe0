package tree

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"gfsmeta/internal/types"
)

// DirEntry values are just the child file-id, 8 bytes big-endian.
func encodeDirEntryValue(child types.FileID) []byte {
	b := make([]byte, 8)
	putFileID(b, child)
	return b
}

func decodeDirEntryValue(v []byte) types.FileID {
	return fileID(v)
}

// FileAttr values are JSON: attrs are read far less often than chunk info
// is scanned, so the self-describing format is worth the extra bytes.
func encodeFileAttr(a types.FileAttr) ([]byte, error) {
	return json.Marshal(a)
}

func decodeFileAttr(v []byte) (types.FileAttr, error) {
	var a types.FileAttr
	if err := json.Unmarshal(v, &a); err != nil {
		return types.FileAttr{}, fmt.Errorf("tree: decode FileAttr: %w", err)
	}
	return a, nil
}

// ChunkInfo values are a tight 16-byte binary record: chunk-id then version,
// since these are scanned in bulk by getalloc(fileId) and by the checkpoint
// leaf walk.
func encodeChunkInfoValue(chunkID types.ChunkID, version int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(chunkID))
	binary.BigEndian.PutUint64(b[8:16], uint64(version))
	return b
}

func decodeChunkInfoValue(v []byte) (types.ChunkID, int64) {
	return types.ChunkID(binary.BigEndian.Uint64(v[0:8])), int64(binary.BigEndian.Uint64(v[8:16]))
}

// ChunkByID reverse-index values are (fileID, offset, version), 24 bytes
// binary, so a HELLO report's chunk-id can be resolved back to its owning
// file without scanning every ChunkInfo record.
func encodeChunkByIDValue(fileID types.FileID, offset int64, version int64) []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint64(b[0:8], uint64(fileID))
	binary.BigEndian.PutUint64(b[8:16], uint64(offset))
	binary.BigEndian.PutUint64(b[16:24], uint64(version))
	return b
}

func decodeChunkByIDValue(v []byte) (types.FileID, int64, int64) {
	return types.FileID(binary.BigEndian.Uint64(v[0:8])),
		int64(binary.BigEndian.Uint64(v[8:16])),
		int64(binary.BigEndian.Uint64(v[16:24]))
}
