// Package recovery rebuilds the metadata tree at startup from the latest
// checkpoint plus the tail of the oplog, restoring the
// fileID/chunkID/chunkVersionInc counters before any new mutation is
// accepted. Each replayed mutation calls the same Tree operator the
// original op called.
package recovery

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gfsmeta/internal/checkpoint"
	"gfsmeta/internal/common"
	"gfsmeta/internal/oplog"
	"gfsmeta/internal/tree"
	"gfsmeta/internal/types"
)

// Result reports what recovery restored, so the caller can open the oplog
// writer at the right sequence and start the checkpointer's mutation count
// at zero.
type Result struct {
	LastSeq    int64
	FreshStart bool // true when no checkpoint existed and an initial one must be forced
}

// Run rebuilds t from the latest checkpoint in cpDir (if any) and replays
// every log line after the checkpoint's recorded sequence from logDir.
func Run(t *tree.Tree, cpDir, logDir string) (Result, error) {
	name, err := checkpoint.Latest(cpDir)
	if err != nil {
		return Result{}, fmt.Errorf("recovery: find latest checkpoint: %w", err)
	}

	// Whatever the store holds from the previous run is discarded: a
	// mutation that landed there without its oplog record (a crash between
	// the tree write and the log flush) must not survive into the rebuilt
	// state, or the next checkpoint would bake it in permanently.
	if err := t.Reset(); err != nil {
		return Result{}, fmt.Errorf("recovery: reset tree: %w", err)
	}

	if name == "" {
		if err := t.EnsureRoot(); err != nil {
			return Result{}, fmt.Errorf("recovery: ensure root: %w", err)
		}
		common.LInfo("recovery: no checkpoint found, starting from empty tree")
		lastSeq, err := replayAll(t, logDir, 0)
		if err != nil {
			return Result{}, err
		}
		return Result{LastSeq: lastSeq, FreshStart: true}, nil
	}

	hdr, err := checkpoint.Header(cpDir, name)
	if err != nil {
		return Result{}, fmt.Errorf("recovery: read checkpoint header %s: %w", name, err)
	}
	if err := checkpoint.Leaves(cpDir, name, t.PutRaw); err != nil {
		return Result{}, fmt.Errorf("recovery: load leaves from %s: %w", name, err)
	}
	t.Restore(hdr.FileIDSeed, hdr.ChunkIDSeed, hdr.ChunkVersionInc)
	common.LInfo("recovery: restored checkpoint %s at seq %d", name, hdr.Seq)

	lastSeq, err := replayAll(t, logDir, hdr.Seq)
	if err != nil {
		return Result{}, err
	}
	if lastSeq < hdr.Seq {
		lastSeq = hdr.Seq
	}
	return Result{LastSeq: lastSeq}, nil
}

// replayAll replays every log line whose sequence is > sinceSeq, in file
// order, returning the highest sequence actually replayed.
func replayAll(t *tree.Tree, logDir string, sinceSeq int64) (int64, error) {
	names, err := oplog.ListLogFiles(logDir)
	if err != nil {
		return sinceSeq, fmt.Errorf("recovery: list log files: %w", err)
	}
	last := sinceSeq
	for _, name := range names {
		startSeq, err := oplog.ParseLogFileSeq(name)
		if err != nil {
			common.LWarn("recovery: skipping unparseable log file %s: %v", name, err)
			continue
		}
		n, err := replayFile(t, filepath.Join(logDir, name), startSeq, sinceSeq)
		if err != nil {
			return last, err
		}
		if n > last {
			last = n
		}
	}
	return last, nil
}

func replayFile(t *tree.Tree, path string, startSeq, sinceSeq int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sinceSeq, nil
		}
		return sinceSeq, fmt.Errorf("recovery: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<24)
	seq := startSeq
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := oplog.Decode(line)
		if err != nil {
			// A partial line from a crash mid-write; discard it and stop
			// reading this file.
			common.LWarn("recovery: discarding partial line in %s: %v", path, err)
			break
		}
		seq++
		rec.Seq = seq
		if seq <= sinceSeq {
			continue
		}
		if err := Apply(t, rec); err != nil {
			return seq, fmt.Errorf("recovery: replay seq %d verb %s: %w", seq, rec.Verb, err)
		}
	}
	if err := sc.Err(); err != nil {
		return seq, fmt.Errorf("recovery: scan %s: %w", path, err)
	}
	return seq, nil
}

// Apply replays one decoded OplogRecord by calling the same Tree operator
// the live op called. chunkVersionInc records bump the tree's counter
// directly; every other verb is idempotent to re-application since each
// Tree operator is deterministic given its logged arguments, except for id
// allocation which the counters (already restored from the checkpoint
// header and advanced monotonically here) keep consistent.
func Apply(t *tree.Tree, rec *types.OplogRecord) error {
	switch rec.Verb {
	case types.OpCreate:
		dir, name, id, replicas, err := parseCreate(rec)
		if err != nil {
			return err
		}
		return t.ReplayCreate(dir, name, id, replicas)
	case types.OpMkdir:
		dir, name, id, err := parseMkdir(rec)
		if err != nil {
			return err
		}
		return t.ReplayMkdir(dir, name, id)
	case types.OpRemove:
		dir, name, err := parseParentName(rec)
		if err != nil {
			return err
		}
		_, err = t.Remove(dir, name)
		return ignoreNotExist(err)
	case types.OpRmdir:
		dir, name, err := parseParentName(rec)
		if err != nil {
			return err
		}
		return ignoreNotExist(t.Rmdir(dir, name))
	case types.OpRename:
		dir, oldName, newName, overwrite, err := parseRename(rec)
		if err != nil {
			return err
		}
		_, err = t.Rename(dir, oldName, newName, overwrite)
		return ignoreNotExist(err)
	case types.OpAllocate:
		id, offset, chunkID, version, err := parseAllocate(rec)
		if err != nil {
			return err
		}
		return t.ReplayAssign(id, offset, chunkID, version)
	case types.OpTruncate:
		id, newLen, err := parseTruncate(rec)
		if err != nil {
			return err
		}
		_, err = t.Truncate(id, newLen)
		if _, needsAlloc := tree.NeedsAllocAt(err); needsAlloc {
			return nil
		}
		return ignoreNotExist(err)
	case types.OpChunkVersionInc:
		// The field carries the post-bump value; BumpChunkVersionInc always
		// advances by exactly one, so replay simply re-bumps until it
		// matches, keeping the operator identical to the live path.
		target, err := parseInt(rec, "value")
		if err != nil {
			return err
		}
		for {
			_, _, cur := t.Seeds()
			if cur >= target {
				return nil
			}
			t.BumpChunkVersionInc()
		}
	default:
		return fmt.Errorf("recovery: unknown verb %q", rec.Verb)
	}
}

func ignoreNotExist(err error) error {
	if types.AsStatus(err) == types.StatusNotExist {
		return nil
	}
	return err
}

func parseInt(rec *types.OplogRecord, key string) (int64, error) {
	v, ok := rec.Get(key)
	if !ok {
		return 0, fmt.Errorf("recovery: missing field %q", key)
	}
	return strconv.ParseInt(v, 10, 64)
}
