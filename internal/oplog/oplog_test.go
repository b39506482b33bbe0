package oplog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gfsmeta/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := &types.OplogRecord{Verb: types.OpCreate}
	rec.Set("dir", "2")
	rec.Set("name", "a")
	rec.Set("id", "3")
	rec.Set("numReplicas", "1")

	line := Encode(rec)
	require.Equal(t, "create/dir/2/name/a/id/3/numReplicas/1\n", line)

	got, err := Decode(line[:len(line)-1])
	require.NoError(t, err)
	require.Equal(t, rec.Verb, got.Verb)
	require.Equal(t, rec.Fields, got.Fields)
}

func TestEncodeEscapesSeparators(t *testing.T) {
	rec := &types.OplogRecord{Verb: types.OpCreate}
	rec.Set("name", `a/b\c`)

	line := Encode(rec)
	got, err := Decode(line[:len(line)-1])
	require.NoError(t, err)
	name, ok := got.Get("name")
	require.True(t, ok)
	require.Equal(t, `a/b\c`, name)
}

func TestDecodeRejectsPartialLine(t *testing.T) {
	// A line truncated mid key/value pair has an even token count.
	_, err := Decode("create/dir/2/name")
	require.Error(t, err)

	_, err = Decode("")
	require.Error(t, err)
}

func TestAppendIsDurableBeforeDoneSignals(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, time.Millisecond)
	require.NoError(t, err)

	rec := &types.OplogRecord{Verb: types.OpMkdir}
	rec.Set("dir", "2")
	rec.Set("name", "d")
	rec.Set("id", "3")
	seq, done := w.Append(rec)
	require.NoError(t, <-done)
	require.Equal(t, int64(1), seq)

	data, err := os.ReadFile(filepath.Join(dir, logFileName(0)))
	require.NoError(t, err)
	require.Equal(t, "mkdir/dir/2/name/d/id/3\n", string(data))
	require.NoError(t, w.Close())
}

func TestRotateStartsNewFileAtBoundarySeq(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 0)
	require.NoError(t, err)

	rec := &types.OplogRecord{Verb: types.OpRmdir}
	rec.Set("dir", "2")
	rec.Set("name", "d")
	_, done := w.Append(rec)
	require.NoError(t, <-done)

	seq, name, err := w.Rotate()
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
	require.Equal(t, logFileName(1), name)

	_, done = w.Append(rec)
	require.NoError(t, <-done)
	require.NoError(t, w.Close())

	names, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{logFileName(0), logFileName(1)}, names)
}
