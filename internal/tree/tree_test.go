package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gfsmeta/internal/common"
	"gfsmeta/internal/types"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tr, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.EnsureRoot())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestCreateLookupRemoveRoundTrip(t *testing.T) {
	tr := newTestTree(t)

	id, err := tr.Create(common.RootFileID, "a", 1)
	require.NoError(t, err)

	attr, err := tr.Lookup(common.RootFileID, "a")
	require.NoError(t, err)
	require.Equal(t, id, attr.ID)
	require.Equal(t, types.KindFile, attr.Kind)

	_, err = tr.Remove(common.RootFileID, "a")
	require.NoError(t, err)

	_, err = tr.Lookup(common.RootFileID, "a")
	require.ErrorIs(t, err, types.StatusNotExist.Err())
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	tr := newTestTree(t)

	id, err := tr.Mkdir(common.RootFileID, "a")
	require.NoError(t, err)
	require.NoError(t, tr.Rmdir(common.RootFileID, "a"))

	_, err = tr.GetAttr(id)
	require.Error(t, err)
}

// Root has no parent dir entry pointing at it, so it can never be named as
// an rmdir target; the only way to reach the root-protection check is for a
// caller to alias another name to file-id 2, which Rmdir still rejects.
func TestRemoveRootFails(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.PutRaw(keyDirEntry(common.RootFileID, "self"), encodeDirEntryValue(common.RootFileID)))

	err := tr.Rmdir(common.RootFileID, "self")
	require.ErrorIs(t, err, types.StatusInvalidArgument.Err())
}

func TestCreateUnderNonDirectoryParentFails(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "notadir", 1)
	require.NoError(t, err)

	_, err = tr.Create(fileID, "child", 1)
	require.ErrorIs(t, err, types.StatusNotDirectory.Err())
}

func TestReaddirOfFileFails(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)

	_, err = tr.Readdir(fileID)
	require.ErrorIs(t, err, types.StatusNotDirectory.Err())
}

func TestRmdirNonEmptyFails(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Mkdir(common.RootFileID, "a")
	require.NoError(t, err)
	dirID, err := tr.Lookup(common.RootFileID, "a")
	require.NoError(t, err)
	_, err = tr.Create(dirID.ID, "b", 1)
	require.NoError(t, err)

	err = tr.Rmdir(common.RootFileID, "a")
	require.ErrorIs(t, err, types.StatusNotEmpty.Err())
}

func TestAllocateAtChunkAlignedOffsetOnly(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)

	_, _, err = tr.AllocateChunkID(fileID, common.ChunkSize+1)
	require.ErrorIs(t, err, types.StatusInvalidArgument.Err())

	_, _, err = tr.AllocateChunkID(fileID, -common.ChunkSize)
	require.ErrorIs(t, err, types.StatusInvalidArgument.Err())

	_, isFresh, err := tr.AllocateChunkID(fileID, 0)
	require.NoError(t, err)
	require.True(t, isFresh)
}

func TestRenameSameDirectory(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Create(common.RootFileID, "a", 1)
	require.NoError(t, err)

	_, err = tr.Rename(common.RootFileID, "a", "b", false)
	require.NoError(t, err)

	_, err = tr.Lookup(common.RootFileID, "a")
	require.Error(t, err)
	_, err = tr.Lookup(common.RootFileID, "b")
	require.NoError(t, err)
}

func TestChunkVersionNonDecreasing(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)

	ci, isFresh, err := tr.AllocateChunkID(fileID, 0)
	require.NoError(t, err)
	require.True(t, isFresh)
	require.NoError(t, tr.AssignChunkID(types.ChunkInfo{FileID: fileID, Offset: 0, ChunkID: ci.ChunkID, Version: 1}))

	require.NoError(t, tr.UpdateChunkVersion(fileID, 0, 2))
	got, err := tr.GetallocAt(fileID, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
}

func TestTruncateExtendAllocatesChunksInOrder(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)

	ci, _, err := tr.AllocateChunkID(fileID, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AssignChunkID(types.ChunkInfo{FileID: fileID, Offset: 0, ChunkID: ci.ChunkID, Version: 1}))

	_, err = tr.Truncate(fileID, 2*common.ChunkSize)
	offset, needsAlloc := NeedsAllocAt(err)
	require.True(t, needsAlloc)
	require.Equal(t, common.ChunkSize, offset)
}

func assignChunkAt(t *testing.T, tr *Tree, fileID types.FileID, offset int64) types.ChunkID {
	t.Helper()
	ci, isFresh, err := tr.AllocateChunkID(fileID, offset)
	require.NoError(t, err)
	require.True(t, isFresh)
	require.NoError(t, tr.AssignChunkID(types.ChunkInfo{FileID: fileID, Offset: offset, ChunkID: ci.ChunkID, Version: 1}))
	return ci.ChunkID
}

func TestTruncateToExactChunkBoundaryKeepsLastChunk(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)

	first := assignChunkAt(t, tr, fileID, 0)
	second := assignChunkAt(t, tr, fileID, common.ChunkSize)

	dumped, err := tr.Truncate(fileID, common.ChunkSize)
	require.NoError(t, err)
	require.Len(t, dumped, 1)
	require.Equal(t, second, dumped[0].ChunkID)

	chunks, err := tr.GetallocAll(fileID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, first, chunks[0].ChunkID)
}

func TestTruncateToZeroDumpsEverything(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)

	assignChunkAt(t, tr, fileID, 0)
	assignChunkAt(t, tr, fileID, common.ChunkSize)

	dumped, err := tr.Truncate(fileID, 0)
	require.NoError(t, err)
	require.Len(t, dumped, 2)

	chunks, err := tr.GetallocAll(fileID)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestRemoveClearsChunkIDIndex(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)
	chunkID := assignChunkAt(t, tr, fileID, 0)

	_, _, _, ok := tr.ChunkByID(chunkID)
	require.True(t, ok)

	_, err = tr.Remove(common.RootFileID, "f")
	require.NoError(t, err)

	_, _, _, ok = tr.ChunkByID(chunkID)
	require.False(t, ok)
}

func TestRenameOverwriteDumpsTargetChunks(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Create(common.RootFileID, "src", 1)
	require.NoError(t, err)
	dstID, err := tr.Create(common.RootFileID, "dst", 1)
	require.NoError(t, err)
	dstChunk := assignChunkAt(t, tr, dstID, 0)

	_, err = tr.Rename(common.RootFileID, "src", "dst", false)
	require.ErrorIs(t, err, types.StatusAlreadyExists.Err())

	dumped, err := tr.Rename(common.RootFileID, "src", "dst", true)
	require.NoError(t, err)
	require.Len(t, dumped, 1)
	require.Equal(t, dstChunk, dumped[0].ChunkID)

	_, err = tr.Lookup(common.RootFileID, "src")
	require.Error(t, err)
	_, err = tr.Lookup(common.RootFileID, "dst")
	require.NoError(t, err)
}

func TestRenameOverwriteRejectsCrossKind(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Mkdir(common.RootFileID, "d")
	require.NoError(t, err)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)
	fileChunk := assignChunkAt(t, tr, fileID, 0)

	// Directory over existing file: refused, nothing deleted.
	_, err = tr.Rename(common.RootFileID, "d", "f", true)
	require.ErrorIs(t, err, types.StatusIsDirectory.Err())

	attr, err := tr.Lookup(common.RootFileID, "f")
	require.NoError(t, err)
	require.Equal(t, types.KindFile, attr.Kind)
	_, _, _, ok := tr.ChunkByID(fileChunk)
	require.True(t, ok)

	// File over existing directory: likewise refused.
	_, err = tr.Rename(common.RootFileID, "f", "d", true)
	require.ErrorIs(t, err, types.StatusIsDirectory.Err())
	_, err = tr.Lookup(common.RootFileID, "d")
	require.NoError(t, err)
}

func TestResetDropsEveryRecord(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)
	chunkID := assignChunkAt(t, tr, fileID, 0)

	require.NoError(t, tr.Reset())

	_, err = tr.GetAttr(common.RootFileID)
	require.ErrorIs(t, err, types.StatusNotExist.Err())
	_, err = tr.GetAttr(fileID)
	require.ErrorIs(t, err, types.StatusNotExist.Err())
	_, _, _, ok := tr.ChunkByID(chunkID)
	require.False(t, ok)
}

func TestChunkVersionIncStaysAheadOfGrantedVersions(t *testing.T) {
	tr := newTestTree(t)
	fileID, err := tr.Create(common.RootFileID, "f", 1)
	require.NoError(t, err)
	assignChunkAt(t, tr, fileID, 0)

	// The first bump after a version-1 grant must produce something
	// strictly greater than 1.
	require.Greater(t, tr.BumpChunkVersionInc(), int64(1))
}
