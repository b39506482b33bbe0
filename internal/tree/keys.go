package tree

import (
	"encoding/binary"

	"gfsmeta/internal/types"
)

// Key prefixes for the leaf record kinds sharing one ordered keyspace.
// Integer components are fixed-width big-endian so lexicographic byte order
// matches numeric order and range scans stay prefix-bounded.
const (
	prefixDirEntry  = 'd'
	prefixFileAttr  = 'a'
	prefixChunkInfo = 'c'
	prefixChunkByID = 'v'
)

func putFileID(b []byte, id types.FileID) {
	binary.BigEndian.PutUint64(b, uint64(id))
}

func fileID(b []byte) types.FileID {
	return types.FileID(binary.BigEndian.Uint64(b))
}

// keyDirEntry encodes "d:<parentID:8><name>".
func keyDirEntry(parent types.FileID, name string) []byte {
	key := make([]byte, 1+8+len(name))
	key[0] = prefixDirEntry
	putFileID(key[1:9], parent)
	copy(key[9:], name)
	return key
}

// keyDirEntryPrefix encodes "d:<parentID:8>" for a readdir range scan.
func keyDirEntryPrefix(parent types.FileID) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixDirEntry
	putFileID(key[1:9], parent)
	return key
}

func dirEntryName(key []byte) string {
	return string(key[9:])
}

// keyFileAttr encodes "a:<fileID:8>".
func keyFileAttr(id types.FileID) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixFileAttr
	putFileID(key[1:], id)
	return key
}

// keyChunkInfo encodes "c:<fileID:8><offset:8>".
func keyChunkInfo(id types.FileID, offset int64) []byte {
	key := make([]byte, 1+8+8)
	key[0] = prefixChunkInfo
	putFileID(key[1:9], id)
	binary.BigEndian.PutUint64(key[9:], uint64(offset))
	return key
}

// keyChunkInfoPrefix encodes "c:<fileID:8>" for a getalloc-all range scan.
func keyChunkInfoPrefix(id types.FileID) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixChunkInfo
	putFileID(key[1:9], id)
	return key
}

func chunkInfoOffset(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[9:17]))
}

// keyChunkByID encodes "v:<chunkID:8>", the reverse index a HELLO's
// stale-chunk check and replication-target lookup key off of, since the
// primary ChunkInfo records are keyed by (fileID, offset) rather than
// chunk-id.
func keyChunkByID(id types.ChunkID) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixChunkByID
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}
