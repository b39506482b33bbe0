// Package checkpoint writes periodic snapshots of the metadata tree plus
// its counter seeds, paired with an oplog rotation so that the produced
// file plus the new log's tail reconstructs the tree exactly.
//
// The processor keeps serving while the leaf dump runs: the tree's backing
// store hands LeafIterator a consistent point-in-time view, so mutations
// applied after the dump begins are simply invisible to it and land in the
// rotated log instead.
package checkpoint

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gfsmeta/internal/common"
	"gfsmeta/internal/oplog"
	"gfsmeta/internal/tree"
	"gfsmeta/internal/types"
)

// Checkpointer coordinates periodic snapshots with the request processor.
type Checkpointer struct {
	tree *tree.Tree
	dir  string

	// mu protects running, nostart and mutations, the state shared between
	// the processor (NoteMutation), the trigger loop (Due) and Run itself.
	mu        sync.Mutex
	running   bool
	nostart   bool // external pin: refuse to start a new checkpoint
	mutations int64
}

func New(t *tree.Tree, dir string) *Checkpointer {
	return &Checkpointer{tree: t, dir: dir}
}

// NoteMutation increments the since-last-checkpoint mutation counter; the
// processor calls this once per logged mutation.
func (c *Checkpointer) NoteMutation() {
	c.mu.Lock()
	c.mutations++
	c.mu.Unlock()
}

// Due reports whether the mutation counter since the last checkpoint is
// non-zero and no external pin blocks a start; the caller supplies the
// "timer fired or manual request" half of the trigger.
func (c *Checkpointer) Due() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutations > 0 && !c.nostart
}

// Pin blocks future checkpoint starts until Unpin is called, used by a
// caller taking an action that would otherwise race with a starting
// checkpoint (shutdown, offline copy of the checkpoint directory).
func (c *Checkpointer) Pin() {
	c.mu.Lock()
	c.nostart = true
	c.mu.Unlock()
}

func (c *Checkpointer) Unpin() {
	c.mu.Lock()
	c.nostart = false
	c.mu.Unlock()
}

// Result reports what a completed checkpoint produced.
type Result struct {
	Seq      int64
	FileName string
}

// Run executes one checkpoint cycle:
//  1. suspend is invoked to let the caller briefly pause the processor for
//     the oplog rotation;
//  2. the oplog is rotated and its boundary sequence captured;
//  3. a header plus a leaf-ordered dump of the tree is written to a new
//     checkpoint file;
//  4. on success the file is linked as "latest".
//
// suspend must return only after the processor is quiesced; it may be a
// no-op if the caller already holds exclusive access.
func (c *Checkpointer) Run(w *oplog.Writer, suspend func() (resume func())) (Result, error) {
	c.mu.Lock()
	if c.running || c.nostart {
		c.mu.Unlock()
		return Result{}, types.ErrCheckpointBusy
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mutations = 0
		c.mu.Unlock()
	}()

	resume := suspend()
	seq, logName, err := w.Rotate()
	resume()
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: rotate oplog: %w", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	name := fmt.Sprintf("checkpoint.%020d", seq)
	path := filepath.Join(c.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: create file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	fileIDSeed, chunkIDSeed, chunkVersionInc := c.tree.Seeds()
	hdr := types.CheckpointHeader{
		Seq:             seq,
		Version:         "1",
		FileIDSeed:      fileIDSeed,
		ChunkIDSeed:     chunkIDSeed,
		ChunkVersionInc: chunkVersionInc,
		Time:            time.Now().Format(time.RFC3339Nano),
		LogName:         logName,
	}
	if err := writeHeader(bw, hdr); err != nil {
		return Result{}, err
	}

	if err := c.tree.LeafIterator(func(key, value []byte) (bool, error) {
		return false, writeLeaf(bw, key, value)
	}); err != nil {
		return Result{}, fmt.Errorf("checkpoint: dump leaves: %w", err)
	}

	if err := bw.Flush(); err != nil {
		return Result{}, fmt.Errorf("checkpoint: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Result{}, fmt.Errorf("checkpoint: fsync: %w", err)
	}

	if err := linkLatest(c.dir, name); err != nil {
		common.LFail("checkpoint: link latest: %v", err)
		return Result{}, err
	}

	return Result{Seq: seq, FileName: name}, nil
}

func writeHeader(w *bufio.Writer, h types.CheckpointHeader) error {
	lines := []string{
		fmt.Sprintf("checkpoint/%d", h.Seq),
		fmt.Sprintf("version/%s", h.Version),
		fmt.Sprintf("fid/%d", h.FileIDSeed),
		fmt.Sprintf("chunkId/%d", h.ChunkIDSeed),
		fmt.Sprintf("chunkVersionInc/%d", h.ChunkVersionInc),
		fmt.Sprintf("time/%s", h.Time),
		fmt.Sprintf("log/%s", h.LogName),
		"",
	}
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			return fmt.Errorf("checkpoint: write header: %w", err)
		}
	}
	return nil
}

func writeLeaf(w *bufio.Writer, key, value []byte) error {
	_, err := fmt.Fprintf(w, "%x %x\n", key, value)
	return err
}

// linkLatest atomically replaces the "latest" pointer with a symlink to
// name. A failed checkpoint never reaches this call, so "latest" keeps
// pointing at the previous good snapshot on failure.
func linkLatest(dir, name string) error {
	latest := filepath.Join(dir, "latest")
	tmp := latest + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(name, tmp); err != nil {
		return fmt.Errorf("checkpoint: link: %w", err)
	}
	return os.Rename(tmp, latest)
}

// Latest returns the checkpoint file name currently pointed at by "latest",
// or "" if none exists yet.
func Latest(dir string) (string, error) {
	latest := filepath.Join(dir, "latest")
	if target, err := os.Readlink(latest); err == nil {
		return target, nil
	}
	// No symlink yet (fresh directory, or a filesystem that stripped it
	// on copy): fall back to the highest-sequence checkpoint file on disk.
	entries, rerr := os.ReadDir(dir)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return "", nil
		}
		return "", rerr
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "checkpoint.") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return names[len(names)-1], nil
}

// Header reads and parses only the header portion of a checkpoint file.
func Header(dir, name string) (types.CheckpointHeader, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return types.CheckpointHeader{}, err
	}
	defer f.Close()

	var h types.CheckpointHeader
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<24)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, "/")
		if !ok {
			continue
		}
		switch k {
		case "checkpoint":
			h.Seq, _ = strconv.ParseInt(v, 10, 64)
		case "version":
			h.Version = v
		case "fid":
			n, _ := strconv.ParseInt(v, 10, 64)
			h.FileIDSeed = types.FileID(n)
		case "chunkId":
			n, _ := strconv.ParseInt(v, 10, 64)
			h.ChunkIDSeed = types.ChunkID(n)
		case "chunkVersionInc":
			h.ChunkVersionInc, _ = strconv.ParseInt(v, 10, 64)
		case "time":
			h.Time = v
		case "log":
			h.LogName = v
		}
	}
	return h, sc.Err()
}

// Leaves streams every (key, value) leaf pair recorded after the header.
func Leaves(dir, name string, fn func(key, value []byte) error) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<24)
	inHeader := true
	for sc.Scan() {
		line := sc.Text()
		if inHeader {
			if line == "" {
				inHeader = false
			}
			continue
		}
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return fmt.Errorf("checkpoint: malformed leaf line %q", line)
		}
		kb, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("checkpoint: decode key: %w", err)
		}
		vb, err := hex.DecodeString(value)
		if err != nil {
			return fmt.Errorf("checkpoint: decode value: %w", err)
		}
		if err := fn(kb, vb); err != nil {
			return err
		}
	}
	return sc.Err()
}
