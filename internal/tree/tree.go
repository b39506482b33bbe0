// Package tree implements the metadata tree: a single ordered key-value
// store over DirEntry, FileAttr and ChunkInfo records, backed by badger so
// range scans and the checkpoint leaf walk ride on a real ordered iterator
// instead of a hand-built one.
package tree

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"gfsmeta/internal/common"
	"gfsmeta/internal/types"
)

// Tree owns all DirEntry, FileAttr and ChunkInfo records. Mutating methods
// are driven from the single request-processor goroutine; the badger
// transactions it opens are a storage detail, not a concurrency primitive.
type Tree struct {
	db *badger.DB

	fileIDSeed      int64 // last value handed out by nextFileID
	chunkIDSeed     int64
	chunkVersionInc int64 // never behind the highest chunk version ever granted

	// dirMu serializes lookups/mutations under the same parent id so a
	// rename/create racing a readdir on one directory can't interleave.
	dirMu sync.Map // types.FileID -> *sync.RWMutex
}

// Open opens (or creates) the badger database at dir. Badger's own value
// log is not the durability boundary — the oplog and checkpoint are — so
// SyncWrites stays at badger's default and every mutation here is
// replayable from the oplog after a crash.
func Open(dir string) (*Tree, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("tree: open badger at %s: %w", dir, err)
	}
	return &Tree{db: db}, nil
}

func (t *Tree) Close() error {
	return t.db.Close()
}

// Reset drops every record, returning the store to empty. Recovery calls
// this before loading a checkpoint so the rebuilt tree is exactly
// checkpoint + log tail, with nothing surviving from a previous run that
// never made it into the oplog.
func (t *Tree) Reset() error {
	return t.db.DropAll()
}

// Restore seeds the monotonic counters from a checkpoint header; must be
// called once, before any mutation, during recovery.
func (t *Tree) Restore(fileIDSeed types.FileID, chunkIDSeed types.ChunkID, chunkVersionInc int64) {
	atomic.StoreInt64(&t.fileIDSeed, int64(fileIDSeed))
	atomic.StoreInt64(&t.chunkIDSeed, int64(chunkIDSeed))
	atomic.StoreInt64(&t.chunkVersionInc, chunkVersionInc)
}

// Seeds returns the current counter values for a checkpoint header.
func (t *Tree) Seeds() (types.FileID, types.ChunkID, int64) {
	return types.FileID(atomic.LoadInt64(&t.fileIDSeed)),
		types.ChunkID(atomic.LoadInt64(&t.chunkIDSeed)),
		atomic.LoadInt64(&t.chunkVersionInc)
}

func (t *Tree) nextFileID() types.FileID {
	return types.FileID(atomic.AddInt64(&t.fileIDSeed, 1))
}

func (t *Tree) nextChunkID() types.ChunkID {
	return types.ChunkID(atomic.AddInt64(&t.chunkIDSeed, 1))
}

// BumpChunkVersionInc advances and returns the global chunk-version
// increment counter. Because AssignChunkID and UpdateChunkVersion push the
// counter past any version they persist, the returned value is strictly
// greater than every version previously granted on any chunk.
func (t *Tree) BumpChunkVersionInc() int64 {
	return atomic.AddInt64(&t.chunkVersionInc, 1)
}

func (t *Tree) dirLock(id types.FileID) *sync.RWMutex {
	m, _ := t.dirMu.LoadOrStore(id, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

// Lookup resolves one name within dir.
func (t *Tree) Lookup(dir types.FileID, name string) (types.FileAttr, error) {
	lk := t.dirLock(dir)
	lk.RLock()
	defer lk.RUnlock()

	var child types.FileID
	var attr types.FileAttr
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyDirEntry(dir, name))
		if err == badger.ErrKeyNotFound {
			return types.StatusNotExist.Err()
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		child = decodeDirEntryValue(val)
		attr, err = t.getAttrTxn(txn, child)
		return err
	})
	return attr, err
}

func (t *Tree) getAttrTxn(txn *badger.Txn, id types.FileID) (types.FileAttr, error) {
	item, err := txn.Get(keyFileAttr(id))
	if err == badger.ErrKeyNotFound {
		return types.FileAttr{}, types.StatusNotExist.Err()
	}
	if err != nil {
		return types.FileAttr{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return types.FileAttr{}, err
	}
	return decodeFileAttr(val)
}

// GetAttr fetches a FileAttr record directly by file-id.
func (t *Tree) GetAttr(id types.FileID) (types.FileAttr, error) {
	var attr types.FileAttr
	err := t.db.View(func(txn *badger.Txn) error {
		var err error
		attr, err = t.getAttrTxn(txn, id)
		return err
	})
	return attr, err
}

// LookupPath performs a segmented traversal from root, resolving "." and
// "..". Absolute paths start from the root directory, file-id 2.
func (t *Tree) LookupPath(root types.FileID, path string) (types.FileAttr, error) {
	segments, final := common.PathSegments(path)
	cur := root
	parents := []types.FileID{root}
	for _, seg := range segments[1:] {
		cur, parents = t.stepSegment(cur, parents, seg)
	}
	if final == "" {
		return t.GetAttr(cur)
	}
	cur, _ = t.stepSegment(cur, parents, final)
	return t.GetAttr(cur)
}

func (t *Tree) stepSegment(cur types.FileID, parents []types.FileID, seg string) (types.FileID, []types.FileID) {
	switch seg {
	case "", ".":
		return cur, parents
	case "..":
		if len(parents) > 1 {
			parents = parents[:len(parents)-1]
		}
		return parents[len(parents)-1], parents
	default:
		attr, err := t.Lookup(cur, seg)
		if err != nil {
			return types.FileID(0), parents
		}
		return attr.ID, append(parents, attr.ID)
	}
}

// Create inserts a new file record under dir.
func (t *Tree) Create(dir types.FileID, name string, replicas int) (types.FileID, error) {
	lk := t.dirLock(dir)
	lk.Lock()
	defer lk.Unlock()

	var id types.FileID
	err := t.db.Update(func(txn *badger.Txn) error {
		parent, err := t.getAttrTxn(txn, dir)
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return types.StatusNotDirectory.Err()
		}
		if _, err := txn.Get(keyDirEntry(dir, name)); err == nil {
			return types.StatusAlreadyExists.Err()
		}
		id = t.nextFileID()
		now := time.Now()
		attr := types.FileAttr{ID: id, Kind: types.KindFile, Mtime: now, Ctime: now, Crtime: now, Replication: replicas}
		return t.insertEntryTxn(txn, dir, name, id, attr)
	})
	return id, err
}

// Mkdir inserts a new directory record under dir.
func (t *Tree) Mkdir(dir types.FileID, name string) (types.FileID, error) {
	lk := t.dirLock(dir)
	lk.Lock()
	defer lk.Unlock()

	var id types.FileID
	err := t.db.Update(func(txn *badger.Txn) error {
		parent, err := t.getAttrTxn(txn, dir)
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return types.StatusNotDirectory.Err()
		}
		if _, err := txn.Get(keyDirEntry(dir, name)); err == nil {
			return types.StatusAlreadyExists.Err()
		}
		id = t.nextFileID()
		now := time.Now()
		attr := types.FileAttr{ID: id, Kind: types.KindDirectory, Mtime: now, Ctime: now, Crtime: now}
		return t.insertEntryTxn(txn, dir, name, id, attr)
	})
	return id, err
}

func (t *Tree) insertEntryTxn(txn *badger.Txn, dir types.FileID, name string, id types.FileID, attr types.FileAttr) error {
	encAttr, err := encodeFileAttr(attr)
	if err != nil {
		return err
	}
	if err := txn.Set(keyDirEntry(dir, name), encodeDirEntryValue(id)); err != nil {
		return err
	}
	return txn.Set(keyFileAttr(id), encAttr)
}

// Remove drops a file's DirEntry and FileAttr in one transaction and
// returns its ChunkInfo records for the dumpster. Directories are refused.
func (t *Tree) Remove(dir types.FileID, name string) ([]types.ChunkInfo, error) {
	lk := t.dirLock(dir)
	lk.Lock()
	defer lk.Unlock()

	var dumped []types.ChunkInfo
	err := t.db.Update(func(txn *badger.Txn) error {
		child, attr, err := t.resolveChildTxn(txn, dir, name)
		if err != nil {
			return err
		}
		if attr.IsDir() {
			return types.StatusIsDirectory.Err()
		}
		dumped, err = t.collectChunksTxn(txn, child)
		if err != nil {
			return err
		}
		if err := txn.Delete(keyDirEntry(dir, name)); err != nil {
			return err
		}
		return txn.Delete(keyFileAttr(child))
	})
	return dumped, err
}

// Rmdir removes an empty, non-root directory.
func (t *Tree) Rmdir(dir types.FileID, name string) error {
	lk := t.dirLock(dir)
	lk.Lock()
	defer lk.Unlock()

	return t.db.Update(func(txn *badger.Txn) error {
		child, attr, err := t.resolveChildTxn(txn, dir, name)
		if err != nil {
			return err
		}
		if !attr.IsDir() {
			return types.StatusNotDirectory.Err()
		}
		if child == common.RootFileID {
			return types.StatusInvalidArgument.Err()
		}
		empty, err := t.isEmptyTxn(txn, child)
		if err != nil {
			return err
		}
		if !empty {
			return types.StatusNotEmpty.Err()
		}
		if err := txn.Delete(keyDirEntry(dir, name)); err != nil {
			return err
		}
		return txn.Delete(keyFileAttr(child))
	})
}

func (t *Tree) resolveChildTxn(txn *badger.Txn, dir types.FileID, name string) (types.FileID, types.FileAttr, error) {
	item, err := txn.Get(keyDirEntry(dir, name))
	if err == badger.ErrKeyNotFound {
		return 0, types.FileAttr{}, types.StatusNotExist.Err()
	}
	if err != nil {
		return 0, types.FileAttr{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, types.FileAttr{}, err
	}
	child := decodeDirEntryValue(val)
	attr, err := t.getAttrTxn(txn, child)
	return child, attr, err
}

func (t *Tree) isEmptyTxn(txn *badger.Txn, dir types.FileID) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyDirEntryPrefix(dir)
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	return !it.Valid(), nil
}

// collectChunksTxn deletes every ChunkInfo record of id (and its reverse
// index entries) and returns them so the caller can feed the dumpster.
func (t *Tree) collectChunksTxn(txn *badger.Txn, id types.FileID) ([]types.ChunkInfo, error) {
	var out []types.ChunkInfo
	prefix := keyChunkInfoPrefix(id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		chunkID, version := decodeChunkInfoValue(val)
		out = append(out, types.ChunkInfo{FileID: id, Offset: chunkInfoOffset(key), ChunkID: chunkID, Version: version})
		if err := txn.Delete(key); err != nil {
			return nil, err
		}
		if err := txn.Delete(keyChunkByID(chunkID)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Rename moves `old` to `new` within the same directory. Overwriting an
// existing target is permitted only when both sides are files; the
// overwritten file's ChunkInfo records are returned for the dumpster.
// Cross-directory rename is not supported.
func (t *Tree) Rename(dir types.FileID, old, newName string, overwrite bool) ([]types.ChunkInfo, error) {
	lk := t.dirLock(dir)
	lk.Lock()
	defer lk.Unlock()

	var dumped []types.ChunkInfo
	err := t.db.Update(func(txn *badger.Txn) error {
		child, oldAttr, err := t.resolveChildTxn(txn, dir, old)
		if err != nil {
			return err
		}
		if _, existingAttr, err := t.resolveChildTxn(txn, dir, newName); err == nil {
			if !overwrite {
				return types.StatusAlreadyExists.Err()
			}
			if oldAttr.IsDir() {
				return types.StatusIsDirectory.Err()
			}
			if existingAttr.IsDir() {
				return types.StatusIsDirectory.Err()
			}
			dumped, err = t.collectChunksTxn(txn, existingAttr.ID)
			if err != nil {
				return err
			}
			if err := txn.Delete(keyFileAttr(existingAttr.ID)); err != nil {
				return err
			}
		}
		if err := txn.Delete(keyDirEntry(dir, old)); err != nil {
			return err
		}
		return txn.Set(keyDirEntry(dir, newName), encodeDirEntryValue(child))
	})
	return dumped, err
}

// Readdir lists every DirEntry under dir.
func (t *Tree) Readdir(dir types.FileID) ([]types.DirEntry, error) {
	lk := t.dirLock(dir)
	lk.RLock()
	defer lk.RUnlock()

	var out []types.DirEntry
	err := t.db.View(func(txn *badger.Txn) error {
		attr, err := t.getAttrTxn(txn, dir)
		if err != nil {
			return err
		}
		if !attr.IsDir() {
			return types.StatusNotDirectory.Err()
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyDirEntryPrefix(dir)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, types.DirEntry{Parent: dir, Name: dirEntryName(key), Child: decodeDirEntryValue(val)})
		}
		return nil
	})
	return out, err
}

// GetallocAt is the point-lookup form of getalloc.
func (t *Tree) GetallocAt(id types.FileID, offset int64) (types.ChunkInfo, error) {
	var ci types.ChunkInfo
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChunkInfo(id, offset))
		if err == badger.ErrKeyNotFound {
			return types.StatusNotExist.Err()
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		chunkID, version := decodeChunkInfoValue(val)
		ci = types.ChunkInfo{FileID: id, Offset: offset, ChunkID: chunkID, Version: version}
		return nil
	})
	return ci, err
}

// GetallocAll is the prefix-scan form of getalloc, offset-ordered.
func (t *Tree) GetallocAll(id types.FileID) ([]types.ChunkInfo, error) {
	var out []types.ChunkInfo
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyChunkInfoPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			chunkID, version := decodeChunkInfoValue(val)
			out = append(out, types.ChunkInfo{FileID: id, Offset: chunkInfoOffset(key), ChunkID: chunkID, Version: version})
		}
		return nil
	})
	return out, err
}

// AllocateChunkID reserves a fresh chunk-id for (fileId, offset), or reports
// the existing record if one is already there so the caller can take the
// lease path instead. Offsets must be non-negative chunk-size multiples.
func (t *Tree) AllocateChunkID(id types.FileID, offset int64) (types.ChunkInfo, bool, error) {
	if offset < 0 || offset%common.ChunkSize != 0 {
		return types.ChunkInfo{}, false, types.StatusInvalidArgument.Err()
	}
	if existing, err := t.GetallocAt(id, offset); err == nil {
		return existing, false, types.StatusAlreadyExists.Err()
	}
	chunkID := t.nextChunkID()
	return types.ChunkInfo{FileID: id, Offset: offset, ChunkID: chunkID, Version: 1}, true, nil
}

// AssignChunkID persists a ChunkInfo record once chunk servers have
// confirmed creation, bumps the owning file's chunk-count and mtime, and
// keeps the chunkVersionInc counter ahead of the persisted version.
func (t *Tree) AssignChunkID(ci types.ChunkInfo) error {
	t.bumpChunkVersionIncPast(ci.Version)
	return t.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyChunkInfo(ci.FileID, ci.Offset), encodeChunkInfoValue(ci.ChunkID, ci.Version)); err != nil {
			return err
		}
		if err := txn.Set(keyChunkByID(ci.ChunkID), encodeChunkByIDValue(ci.FileID, ci.Offset, ci.Version)); err != nil {
			return err
		}
		attr, err := t.getAttrTxn(txn, ci.FileID)
		if err != nil {
			return err
		}
		if ci.Offset/common.ChunkSize >= attr.ChunkCount {
			attr.ChunkCount = ci.Offset/common.ChunkSize + 1
		}
		attr.Mtime = time.Now()
		enc, err := encodeFileAttr(attr)
		if err != nil {
			return err
		}
		return txn.Set(keyFileAttr(ci.FileID), enc)
	})
}

// ChunkByID resolves a chunk-id back to its owning (fileID, offset) and
// current version via the reverse index AssignChunkID/UpdateChunkVersion
// maintain, so a chunk-server HELLO report can be checked against tree
// state without a full scan.
func (t *Tree) ChunkByID(id types.ChunkID) (fileID types.FileID, offset int64, version int64, ok bool) {
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChunkByID(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			fileID, offset, version = decodeChunkByIDValue(val)
			return nil
		})
	})
	return fileID, offset, version, err == nil
}

// UpdateChunkVersion rewrites the version field of an existing ChunkInfo
// record, used when a fresh write lease bumps the chunk's version.
func (t *Tree) UpdateChunkVersion(id types.FileID, offset int64, version int64) error {
	t.bumpChunkVersionIncPast(version)
	return t.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChunkInfo(id, offset))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		chunkID, _ := decodeChunkInfoValue(val)
		if err := txn.Set(keyChunkInfo(id, offset), encodeChunkInfoValue(chunkID, version)); err != nil {
			return err
		}
		return txn.Set(keyChunkByID(chunkID), encodeChunkByIDValue(id, offset, version))
	})
}

// needsAllocAt is returned by Truncate when extending past the current last
// chunk requires the processor to run an allocate sub-operation.
type needsAllocAt struct {
	Offset int64
}

func (n needsAllocAt) Error() string { return fmt.Sprintf("tree: needs allocation at offset %d", n.Offset) }

// NeedsAllocAt reports whether err signals a pending allocate and its offset.
func NeedsAllocAt(err error) (int64, bool) {
	n, ok := err.(needsAllocAt)
	return n.Offset, ok
}

// Truncate trims or extends a file's chunk list. Shrinking moves trailing
// ChunkInfo records into the returned dumpster slice; extending reports the
// first unallocated chunk-aligned offset via needsAllocAt, one chunk at a
// time, until the chunk list covers newLen.
func (t *Tree) Truncate(id types.FileID, newLen int64) ([]types.ChunkInfo, error) {
	if newLen < 0 {
		return nil, types.StatusInvalidArgument.Err()
	}
	var dumped []types.ChunkInfo
	err := t.db.Update(func(txn *badger.Txn) error {
		attr, err := t.getAttrTxn(txn, id)
		if err != nil {
			return err
		}
		if attr.IsDir() {
			return types.StatusIsDirectory.Err()
		}
		curLen := attr.ChunkCount * common.ChunkSize
		if newLen > curLen {
			return needsAllocAt{Offset: attr.ChunkCount * common.ChunkSize}
		}
		// Chunks holding any byte below newLen survive; everything past the
		// last kept index is dumped.
		lastKeep := int64(-1)
		if newLen > 0 {
			lastKeep = (newLen - 1) / common.ChunkSize
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyChunkInfoPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			offset := chunkInfoOffset(key)
			if offset/common.ChunkSize <= lastKeep {
				continue
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			chunkID, version := decodeChunkInfoValue(val)
			dumped = append(dumped, types.ChunkInfo{FileID: id, Offset: offset, ChunkID: chunkID, Version: version})
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(keyChunkByID(chunkID)); err != nil {
				return err
			}
		}
		attr.ChunkCount = lastKeep + 1
		attr.Mtime = time.Now()
		enc, err := encodeFileAttr(attr)
		if err != nil {
			return err
		}
		return txn.Set(keyFileAttr(id), enc)
	})
	return dumped, err
}

// LeafIterator walks every record in key order against a consistent badger
// snapshot, calling fn once per record. fn's skip result is ignored; only a
// non-nil error stops the walk.
func (t *Tree) LeafIterator(fn func(key []byte, value []byte) (skip bool, err error)) error {
	return t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if _, err := fn(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutRaw installs a raw key/value pair, used when loading a checkpoint's
// leaf dump during recovery.
func (t *Tree) PutRaw(key, value []byte) error {
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bytes.Clone(key), bytes.Clone(value))
	})
}

// ReplayCreate re-applies a logged create with its original file-id,
// advancing the fileIDSeed counter past id if replay is running ahead of a
// stale checkpoint seed. Replaying an already-applied record is a no-op.
func (t *Tree) ReplayCreate(dir types.FileID, name string, id types.FileID, replicas int) error {
	t.bumpFileIDSeedPast(id)
	return t.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyDirEntry(dir, name)); err == nil {
			return nil
		}
		now := time.Now()
		attr := types.FileAttr{ID: id, Kind: types.KindFile, Mtime: now, Ctime: now, Crtime: now, Replication: replicas}
		return t.insertEntryTxn(txn, dir, name, id, attr)
	})
}

// ReplayMkdir is ReplayCreate's directory counterpart.
func (t *Tree) ReplayMkdir(dir types.FileID, name string, id types.FileID) error {
	t.bumpFileIDSeedPast(id)
	return t.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyDirEntry(dir, name)); err == nil {
			return nil
		}
		now := time.Now()
		attr := types.FileAttr{ID: id, Kind: types.KindDirectory, Mtime: now, Ctime: now, Crtime: now}
		return t.insertEntryTxn(txn, dir, name, id, attr)
	})
}

// ReplayAssign re-applies a logged allocate's final assignChunkId step,
// advancing the chunkIDSeed counter past chunkID. Re-applying the same
// (fileId, offset, chunkID) is a no-op; a version-bump record at the same
// offset overwrites.
func (t *Tree) ReplayAssign(id types.FileID, offset int64, chunkID types.ChunkID, version int64) error {
	t.bumpChunkIDSeedPast(chunkID)
	return t.AssignChunkID(types.ChunkInfo{FileID: id, Offset: offset, ChunkID: chunkID, Version: version})
}

func (t *Tree) bumpFileIDSeedPast(id types.FileID) {
	bumpPast(&t.fileIDSeed, int64(id))
}

func (t *Tree) bumpChunkIDSeedPast(id types.ChunkID) {
	bumpPast(&t.chunkIDSeed, int64(id))
}

func (t *Tree) bumpChunkVersionIncPast(version int64) {
	bumpPast(&t.chunkVersionInc, version)
}

func bumpPast(counter *int64, v int64) {
	for {
		cur := atomic.LoadInt64(counter)
		if cur >= v {
			return
		}
		if atomic.CompareAndSwapInt64(counter, cur, v) {
			return
		}
	}
}

// EnsureRoot creates the permanent root directory (file-id 2) if absent,
// used on first startup with no checkpoint.
func (t *Tree) EnsureRoot() error {
	_, err := t.GetAttr(common.RootFileID)
	if err == nil {
		return nil
	}
	now := time.Now()
	attr := types.FileAttr{ID: common.RootFileID, Kind: types.KindDirectory, Mtime: now, Ctime: now, Crtime: now}
	enc, err := encodeFileAttr(attr)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&t.fileIDSeed, int64(common.RootFileID))
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyFileAttr(common.RootFileID), enc)
	})
}
