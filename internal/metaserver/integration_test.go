// Package metaserver wires the metadata tree, layout manager, chunk-server
// session registry, oplog, checkpointer and request processor together the
// way cmd/metaserver/main.go does for a real process, but against an
// in-process fake chunk-server fleet instead of a live cluster.
package metaserver

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gfsmeta/internal/checkpoint"
	"gfsmeta/internal/common"
	"gfsmeta/internal/layout"
	"gfsmeta/internal/oplog"
	"gfsmeta/internal/processor"
	"gfsmeta/internal/recovery"
	"gfsmeta/internal/rpcclient"
	"gfsmeta/internal/session"
	"gfsmeta/internal/tree"
	"gfsmeta/internal/types"
)

// fakeChunkServer accepts connections and replies OK to every verb it sees.
func fakeChunkServer(t *testing.T) types.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer nc.Close()
				r := bufio.NewReader(nc)
				w := bufio.NewWriter(nc)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					for {
						line, err := r.ReadString('\n')
						if err != nil {
							return
						}
						if line == "\r\n" || line == "\n" {
							break
						}
					}
					fmt.Fprintf(w, "OK\r\nStatus: 0\r\n\r\n")
					w.Flush()
				}
			}()
		}
	}()
	return types.Addr(ln.Addr().String())
}

// harness bundles one wired metaserver core over temp directories.
type harness struct {
	t        *testing.T
	treeDir  string
	cpDir    string
	logDir   string
	tr       *tree.Tree
	w        *oplog.Writer
	cp       *checkpoint.Checkpointer
	registry *session.Registry
	lm       *layout.Manager
	rpc      *rpcclient.Client
	proc     *processor.Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		treeDir: t.TempDir(),
		cpDir:   t.TempDir(),
		logDir:  t.TempDir(),
	}
	h.open()
	return h
}

func (h *harness) open() {
	t := h.t
	tr, err := tree.Open(h.treeDir)
	require.NoError(t, err)
	rec, err := recovery.Run(tr, h.cpDir, h.logDir)
	require.NoError(t, err)
	w, err := oplog.Open(h.logDir, rec.LastSeq, time.Millisecond)
	require.NoError(t, err)
	cp := checkpoint.New(tr, h.cpDir)
	if rec.FreshStart {
		_, err := cp.Run(w, func() func() { return func() {} })
		require.NoError(t, err)
	}

	h.registry = session.NewRegistry()
	h.lm = layout.NewManager(h.registry)
	h.rpc = rpcclient.New(2 * time.Second)
	cfg := processor.Config{
		ChunkSize:       common.ChunkSize,
		DefaultReplicas: 3,
		MaxReplicas:     3,
		MinReplicas:     1,
		RPCTimeout:      2 * time.Second,
	}
	h.proc = processor.New(tr, h.lm, h.registry, h.rpc, cfg, w, cp)
	go h.proc.Run()

	h.tr = tr
	h.w = w
	h.cp = cp
}

// restart closes the tree/oplog and reopens them against the same
// directories, exercising recovery exactly as a process restart would.
func (h *harness) restart() {
	h.proc.Stop()
	require.NoError(h.t, h.w.Close())
	require.NoError(h.t, h.tr.Close())
	h.open()
}

// call submits op and blocks for its reply, the same pattern
// internal/protocol.Server.dispatch uses.
func call(h *harness, build func(reply processor.ReplyFunc) processor.Op) *types.Response {
	replyCh := make(chan *types.Response, 1)
	op := build(func(r *types.Response) { replyCh <- r })
	h.proc.Submit(op)
	select {
	case r := <-replyCh:
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatal("op timed out")
		return nil
	}
}

func helloFrom(h *harness, addr types.Addr) {
	_, _ = h.registry.Hello(types.HelloReport{
		Server:     addr,
		TotalSpace: 1 << 40,
		UsedSpace:  0,
	})
}

func TestCreateLookupRemove(t *testing.T) {
	h := newHarness(t)

	resp := call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.CreateOp{Req: types.CreateRequest{Cseq: 1, Parent: common.RootFileID, Filename: "a", NumReplicas: 1}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	handle := resp.Headers["File-handle"]
	require.NotEmpty(t, handle)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.LookupOp{Req: types.LookupRequest{Cseq: 2, Parent: common.RootFileID, Filename: "a"}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	require.Equal(t, types.KindFile, resp.Headers["Kind"])
	require.Equal(t, handle, resp.Headers["File-handle"])

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.RemoveOp{Req: types.RemoveRequest{Cseq: 3, Parent: common.RootFileID, Filename: "a"}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.LookupOp{Req: types.LookupRequest{Cseq: 4, Parent: common.RootFileID, Filename: "a"}, Reply: reply}
	})
	require.Equal(t, types.StatusNotExist, resp.Status)
}

func TestAllocateThenGetalloc(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		helloFrom(h, fakeChunkServer(t))
	}

	resp := call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.CreateOp{Req: types.CreateRequest{Cseq: 1, Parent: common.RootFileID, Filename: "f", NumReplicas: 3}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	var handle int64
	fmt.Sscanf(resp.Headers["File-handle"], "%d", &handle)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.AllocateOp{Req: types.AllocateRequest{Cseq: 2, Handle: types.FileID(handle), ChunkOffset: 0}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	require.Equal(t, "1", resp.Headers["Version"])
	chunkHandle := resp.Headers["Chunk-handle"]
	require.NotEmpty(t, chunkHandle)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.GetallocOp{Req: types.GetallocRequest{Cseq: 3, Handle: types.FileID(handle), ChunkOffset: 0}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	require.Equal(t, chunkHandle, resp.Headers["Chunk-handle"])
	require.Equal(t, "1", resp.Headers["Version"])
	require.NotEmpty(t, resp.Headers["Locations"])
}

func TestLeaseBumpOnReallocate(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		helloFrom(h, fakeChunkServer(t))
	}

	resp := call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.CreateOp{Req: types.CreateRequest{Cseq: 1, Parent: common.RootFileID, Filename: "f", NumReplicas: 3}, Reply: reply}
	})
	var handle int64
	fmt.Sscanf(resp.Headers["File-handle"], "%d", &handle)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.AllocateOp{Req: types.AllocateRequest{Cseq: 2, Handle: types.FileID(handle), ChunkOffset: 0}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.AllocateOp{Req: types.AllocateRequest{Cseq: 3, Handle: types.FileID(handle), ChunkOffset: 0}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	var version int64
	fmt.Sscanf(resp.Headers["Version"], "%d", &version)
	require.Greater(t, version, int64(1))
}

func TestServerDeathTriggersReplication(t *testing.T) {
	h := newHarness(t)
	s1 := fakeChunkServer(t)
	s2 := fakeChunkServer(t)
	s3 := fakeChunkServer(t)
	s4 := fakeChunkServer(t)
	helloFrom(h, s1)
	helloFrom(h, s2)
	helloFrom(h, s3)

	resp := call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.CreateOp{Req: types.CreateRequest{Cseq: 1, Parent: common.RootFileID, Filename: "f", NumReplicas: 3}, Reply: reply}
	})
	var handle int64
	fmt.Sscanf(resp.Headers["File-handle"], "%d", &handle)
	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.AllocateOp{Req: types.AllocateRequest{Cseq: 2, Handle: types.FileID(handle), ChunkOffset: 0}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	var chunkID int64
	fmt.Sscanf(resp.Headers["Chunk-handle"], "%d", &chunkID)

	// a fourth idle server joins so a replacement replica is available.
	helloFrom(h, s4)

	done := make(chan struct{})
	go func() {
		h.proc.Submit(&processor.ServerDownOp{Addr: s1})
		close(done)
	}()
	<-done
	time.Sleep(50 * time.Millisecond) // let ServerDownOp dequeue

	var queued []types.ChunkID
	require.Eventually(t, func() bool {
		queued = h.lm.NeedReplication()
		return len(queued) == 1
	}, time.Second, 10*time.Millisecond)

	from, to, err := h.lm.PickReplicationSource(queued[0])
	require.NoError(t, err)
	require.NoError(t, h.rpc.Replicate(to, queued[0], 0, from))
	h.lm.ChunkReplicationDone(queued[0], to, true)

	servers, ok := h.lm.GetChunkToServerMapping(types.ChunkID(chunkID))
	require.True(t, ok)
	require.Len(t, servers, 3)
	for _, s := range servers {
		require.NotEqual(t, s1, s)
	}
}

func TestCheckpointAndRecovery(t *testing.T) {
	h := newHarness(t)

	resp := call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.MkdirOp{Req: types.MkdirRequest{Cseq: 1, Parent: common.RootFileID, Directory: "a"}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	var aID int64
	fmt.Sscanf(resp.Headers["File-handle"], "%d", &aID)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.CreateOp{Req: types.CreateRequest{Cseq: 2, Parent: types.FileID(aID), Filename: "b", NumReplicas: 1}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	var bID int64
	fmt.Sscanf(resp.Headers["File-handle"], "%d", &bID)

	for i := 0; i < 3; i++ {
		helloFrom(h, fakeChunkServer(t))
	}
	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.AllocateOp{Req: types.AllocateRequest{Cseq: 3, Handle: types.FileID(bID), ChunkOffset: 0}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	_, err := h.proc.RunCheckpoint()
	require.NoError(t, err)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.CreateOp{Req: types.CreateRequest{Cseq: 4, Parent: types.FileID(aID), Filename: "c", NumReplicas: 1}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	fidBefore, chunkIDBefore, _ := h.tr.Seeds()

	h.restart()

	fidAfter, chunkIDAfter, _ := h.tr.Seeds()
	require.Equal(t, fidBefore, fidAfter)
	require.Equal(t, chunkIDBefore, chunkIDAfter)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.LookupOp{Req: types.LookupRequest{Cseq: 5, Parent: common.RootFileID, Filename: "a"}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.LookupOp{Req: types.LookupRequest{Cseq: 6, Parent: types.FileID(aID), Filename: "b"}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.LookupOp{Req: types.LookupRequest{Cseq: 7, Parent: types.FileID(aID), Filename: "c"}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.GetallocOp{Req: types.GetallocRequest{Cseq: 8, Handle: types.FileID(bID), ChunkOffset: 0}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
}

func TestTruncateExtend(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		helloFrom(h, fakeChunkServer(t))
	}

	resp := call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.CreateOp{Req: types.CreateRequest{Cseq: 1, Parent: common.RootFileID, Filename: "f", NumReplicas: 3}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	var handle int64
	fmt.Sscanf(resp.Headers["File-handle"], "%d", &handle)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.TruncateOp{Req: types.TruncateRequest{Cseq: 2, Handle: types.FileID(handle), Offset: 2 * common.ChunkSize}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)

	resp = call(h, func(reply processor.ReplyFunc) processor.Op {
		return &processor.GetlayoutOp{Req: types.GetlayoutRequest{Cseq: 3, Handle: types.FileID(handle)}, Reply: reply}
	})
	require.Equal(t, types.StatusOK, resp.Status)
	require.Equal(t, "2", resp.Headers["Chunk-count"])
}
