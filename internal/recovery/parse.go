package recovery

import (
	"fmt"
	"strconv"

	"gfsmeta/internal/types"
)

func field(rec *types.OplogRecord, key string) (string, error) {
	v, ok := rec.Get(key)
	if !ok {
		return "", fmt.Errorf("recovery: %s missing field %q", rec.Verb, key)
	}
	return v, nil
}

func fieldFileID(rec *types.OplogRecord, key string) (types.FileID, error) {
	v, err := field(rec, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return types.FileID(n), err
}

func fieldChunkID(rec *types.OplogRecord, key string) (types.ChunkID, error) {
	v, err := field(rec, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return types.ChunkID(n), err
}

func fieldInt64(rec *types.OplogRecord, key string) (int64, error) {
	v, err := field(rec, key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func fieldInt(rec *types.OplogRecord, key string) (int, error) {
	n, err := fieldInt64(rec, key)
	return int(n), err
}

func fieldBool(rec *types.OplogRecord, key string) (bool, error) {
	v, err := field(rec, key)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

func parseCreate(rec *types.OplogRecord) (dir types.FileID, name string, id types.FileID, replicas int, err error) {
	if dir, err = fieldFileID(rec, "dir"); err != nil {
		return
	}
	if name, err = field(rec, "name"); err != nil {
		return
	}
	if id, err = fieldFileID(rec, "id"); err != nil {
		return
	}
	replicas, err = fieldInt(rec, "numReplicas")
	return
}

func parseMkdir(rec *types.OplogRecord) (dir types.FileID, name string, id types.FileID, err error) {
	if dir, err = fieldFileID(rec, "dir"); err != nil {
		return
	}
	if name, err = field(rec, "name"); err != nil {
		return
	}
	id, err = fieldFileID(rec, "id")
	return
}

func parseParentName(rec *types.OplogRecord) (dir types.FileID, name string, err error) {
	if dir, err = fieldFileID(rec, "dir"); err != nil {
		return
	}
	name, err = field(rec, "name")
	return
}

func parseRename(rec *types.OplogRecord) (dir types.FileID, oldName, newName string, overwrite bool, err error) {
	if dir, err = fieldFileID(rec, "dir"); err != nil {
		return
	}
	if oldName, err = field(rec, "old"); err != nil {
		return
	}
	if newName, err = field(rec, "new"); err != nil {
		return
	}
	overwrite, err = fieldBool(rec, "overwrite")
	return
}

func parseAllocate(rec *types.OplogRecord) (id types.FileID, offset int64, chunkID types.ChunkID, version int64, err error) {
	if id, err = fieldFileID(rec, "fileId"); err != nil {
		return
	}
	if offset, err = fieldInt64(rec, "offset"); err != nil {
		return
	}
	if chunkID, err = fieldChunkID(rec, "chunkId"); err != nil {
		return
	}
	version, err = fieldInt64(rec, "version")
	return
}

func parseTruncate(rec *types.OplogRecord) (id types.FileID, newLen int64, err error) {
	if id, err = fieldFileID(rec, "fileId"); err != nil {
		return
	}
	newLen, err = fieldInt64(rec, "newLen")
	return
}
