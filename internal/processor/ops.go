package processor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gfsmeta/internal/common"
	"gfsmeta/internal/layout"
	"gfsmeta/internal/rpcclient"
	"gfsmeta/internal/session"
	"gfsmeta/internal/tree"
	"gfsmeta/internal/types"
)

// ReplyFunc is how an Op hands its finished Response back to the protocol
// layer; the protocol server supplies one per inbound request.
type ReplyFunc func(*types.Response)

func done(reply ReplyFunc, resp *types.Response) Outcome {
	reply(resp)
	return Outcome{Response: resp}
}

func errResp(reply ReplyFunc, cseq int64, status types.Status) Outcome {
	return done(reply, types.NewResponse(cseq, status))
}

// callTracked records the RPC in the target session's outbound queue so the
// reply is matched back by sequence number, then issues it.
func callTracked(ctx *Context, addr types.Addr, verb string, payload interface{}, do func() error) error {
	sess, ok := ctx.Registry.Get(addr)
	if !ok {
		return do()
	}
	cmd := sess.Enqueue(verb, payload)
	err := do()
	sess.Ack(cmd.Seq)
	return err
}

// fanout dispatches call against every addr concurrently and resumes handle
// once all have replied, recording which addrs failed.
func fanout(ctx *Context, handle int64, addrs []types.Addr, call func(types.Addr) error) *[]types.Addr {
	failed := make([]types.Addr, 0)
	var mu sync.Mutex
	go func() {
		var wg sync.WaitGroup
		for _, a := range addrs {
			wg.Add(1)
			go func(addr types.Addr) {
				defer wg.Done()
				if err := call(addr); err != nil {
					mu.Lock()
					failed = append(failed, addr)
					mu.Unlock()
				}
			}(a)
		}
		wg.Wait()
		ctx.proc.Resume(handle)
	}()
	return &failed
}

// background fires call against every addr without suspending the op that
// scheduled it.
func background(ctx *Context, addrs []types.Addr, call func(types.Addr) error) {
	for _, a := range addrs {
		go func(addr types.Addr) {
			if err := call(addr); err != nil {
				common.LWarn("processor: background rpc against %s: %v", addr, err)
			}
		}(a)
	}
}

// reclaimDumped parks a removed file's chunks in the dumpster; the cleanup
// sweep issues the chunk-delete RPCs later and retries until the hosting
// servers acknowledge.
func reclaimDumped(ctx *Context, dumped []types.ChunkInfo) {
	ctx.Layout.Dump(dumped...)
}

// CleanupDumpster drains the dumpster once, issuing a DELETE to every known
// holder of each parked chunk. A chunk whose deletes all succeed (or that
// no server hosts) is forgotten; anything else is returned to the dumpster
// for the next sweep.
func CleanupDumpster(lm *layout.Manager, registry *session.Registry, rpc *rpcclient.Client) {
	for _, ci := range lm.DrainDumpster() {
		addrs, ok := lm.GetChunkToServerMapping(ci.ChunkID)
		if !ok || len(addrs) == 0 {
			lm.RemoveMapping(ci.ChunkID)
			continue
		}
		failed := false
		for _, addr := range addrs {
			err := func() error {
				sess, ok := registry.Get(addr)
				if !ok {
					return rpc.Delete(addr, ci.ChunkID)
				}
				cmd := sess.Enqueue("DELETE", types.DeleteCmd{ChunkID: ci.ChunkID})
				err := rpc.Delete(addr, ci.ChunkID)
				sess.Ack(cmd.Seq)
				return err
			}()
			if err != nil {
				common.LWarn("processor: dumpster delete chunk %d on %s: %v", ci.ChunkID, addr, err)
				failed = true
			}
		}
		if failed {
			lm.Redump(ci)
		} else {
			lm.RemoveMapping(ci.ChunkID)
		}
	}
}

// --- read-only ops -----------------------------------------------------

type LookupOp struct {
	Req   types.LookupRequest
	Reply ReplyFunc
}

func (op *LookupOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	attr, err := ctx.Tree.Lookup(op.Req.Parent, op.Req.Filename)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	setAttrHeaders(resp, attr)
	return done(op.Reply, resp)
}

type LookupPathOp struct {
	Req   types.LookupPathRequest
	Reply ReplyFunc
}

func (op *LookupPathOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	attr, err := ctx.Tree.LookupPath(op.Req.Root, op.Req.Pathname)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	setAttrHeaders(resp, attr)
	return done(op.Reply, resp)
}

func setAttrHeaders(resp *types.Response, attr types.FileAttr) {
	resp.Set("File-handle", strconv.FormatInt(int64(attr.ID), 10))
	resp.Set("Kind", attr.Kind)
	resp.Set("Chunk-count", strconv.FormatInt(attr.ChunkCount, 10))
	resp.Set("Num-replicas", strconv.Itoa(attr.Replication))
	resp.Set("Mtime", attr.Mtime.Format(time.RFC3339Nano))
}

type ReaddirOp struct {
	Req   types.ReaddirRequest
	Reply ReplyFunc
}

func (op *ReaddirOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	entries, err := ctx.Tree.Readdir(op.Req.Directory)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	var b strings.Builder
	for _, e := range entries {
		attr, err := ctx.Tree.GetAttr(e.Child)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s %d %s %d\n", e.Name, e.Child, attr.Kind, attr.ChunkCount)
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Entry-count", strconv.Itoa(len(entries)))
	resp.Body = []byte(b.String())
	return done(op.Reply, resp)
}

type GetallocOp struct {
	Req   types.GetallocRequest
	Reply ReplyFunc
}

func (op *GetallocOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	ci, err := ctx.Tree.GetallocAt(op.Req.Handle, op.Req.ChunkOffset)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	setChunkHeaders(ctx, resp, ci)
	return done(op.Reply, resp)
}

type GetlayoutOp struct {
	Req   types.GetlayoutRequest
	Reply ReplyFunc
}

func (op *GetlayoutOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	chunks, err := ctx.Tree.GetallocAll(op.Req.Handle)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	var b strings.Builder
	for _, ci := range chunks {
		locs, _ := ctx.Layout.GetChunkToServerMapping(ci.ChunkID)
		fmt.Fprintf(&b, "%d %d %d %s\n", ci.Offset, ci.ChunkID, ci.Version, joinAddrs(locs))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Chunk-count", strconv.Itoa(len(chunks)))
	resp.Body = []byte(b.String())
	return done(op.Reply, resp)
}

func setChunkHeaders(ctx *Context, resp *types.Response, ci types.ChunkInfo) {
	resp.Set("Chunk-handle", strconv.FormatInt(int64(ci.ChunkID), 10))
	resp.Set("Version", strconv.FormatInt(ci.Version, 10))
	locs, _ := ctx.Layout.GetChunkToServerMapping(ci.ChunkID)
	resp.Set("Locations", joinAddrs(locs))
}

type PingOp struct {
	Req   types.PingRequest
	Reply ReplyFunc
}

func (op *PingOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	return done(op.Reply, types.NewResponse(op.Req.Cseq, types.StatusOK))
}

type StatsOp struct {
	Req   types.StatsRequest
	Reply ReplyFunc
}

func (op *StatsOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	c := ctx.proc.Counters()
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Ops-total", strconv.FormatInt(c.Total, 10))
	resp.Set("Ops-mutating", strconv.FormatInt(c.Mutating, 10))
	resp.Set("Ops-readonly", strconv.FormatInt(c.ReadOnly, 10))
	resp.Set("Ops-suspended", strconv.FormatInt(c.Suspended, 10))
	resp.Set("Ops-failed", strconv.FormatInt(c.Failed, 10))
	resp.Set("Degraded", strconv.FormatBool(ctx.proc.Degraded()))
	return done(op.Reply, resp)
}

// RebalanceOp answers an offline operator tool's dry-run query. Chunk
// ownership only ever lives in the layout manager's in-memory map, so a
// plan can only be computed against a live metaserver, never from a
// checkpoint on disk.
type RebalanceOp struct {
	Req   types.RebalanceRequest
	Reply ReplyFunc
}

func (op *RebalanceOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	deviation := op.Req.Deviation
	if deviation <= 0 {
		deviation = common.RebalanceDeviation
	}
	minReplicas := op.Req.MinReplicas
	if minReplicas <= 0 {
		minReplicas = common.MinReplicas
	}
	moves := ctx.Layout.RebalancePlan(deviation, minReplicas)

	var body strings.Builder
	for _, mv := range moves {
		fmt.Fprintf(&body, "%d %s %s\n", mv.ChunkID, mv.From, mv.To)
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Num-moves", strconv.Itoa(len(moves)))
	resp.Body = []byte(body.String())
	return done(op.Reply, resp)
}

// --- namespace mutations -------------------------------------------------

type CreateOp struct {
	Req   types.CreateRequest
	Reply ReplyFunc
}

func (op *CreateOp) RejectDegraded() { errResp(op.Reply, op.Req.Cseq, types.StatusIO) }

func (op *CreateOp) Execute(ctx *Context) Outcome {
	// Replication degree zero is rejected outright; a degree above the
	// configured maximum is silently clamped.
	if op.Req.NumReplicas == 0 {
		return errResp(op.Reply, op.Req.Cseq, types.StatusInvalidArgument)
	}
	replicas := op.Req.NumReplicas
	if replicas > ctx.Config.MaxReplicas {
		replicas = ctx.Config.MaxReplicas
	}
	id, err := ctx.Tree.Create(op.Req.Parent, op.Req.Filename, replicas)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	rec := &types.OplogRecord{Verb: types.OpCreate}
	rec.Set("dir", strconv.FormatInt(int64(op.Req.Parent), 10))
	rec.Set("name", op.Req.Filename)
	rec.Set("id", strconv.FormatInt(int64(id), 10))
	rec.Set("numReplicas", strconv.Itoa(replicas))
	if err := ctx.AppendLog(rec); err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("File-handle", strconv.FormatInt(int64(id), 10))
	return done(op.Reply, resp)
}

type MkdirOp struct {
	Req   types.MkdirRequest
	Reply ReplyFunc
}

func (op *MkdirOp) RejectDegraded() { errResp(op.Reply, op.Req.Cseq, types.StatusIO) }

func (op *MkdirOp) Execute(ctx *Context) Outcome {
	id, err := ctx.Tree.Mkdir(op.Req.Parent, op.Req.Directory)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	rec := &types.OplogRecord{Verb: types.OpMkdir}
	rec.Set("dir", strconv.FormatInt(int64(op.Req.Parent), 10))
	rec.Set("name", op.Req.Directory)
	rec.Set("id", strconv.FormatInt(int64(id), 10))
	if err := ctx.AppendLog(rec); err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("File-handle", strconv.FormatInt(int64(id), 10))
	return done(op.Reply, resp)
}

type RemoveOp struct {
	Req   types.RemoveRequest
	Reply ReplyFunc
}

func (op *RemoveOp) RejectDegraded() { errResp(op.Reply, op.Req.Cseq, types.StatusIO) }

func (op *RemoveOp) Execute(ctx *Context) Outcome {
	dumped, err := ctx.Tree.Remove(op.Req.Parent, op.Req.Filename)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	rec := &types.OplogRecord{Verb: types.OpRemove}
	rec.Set("dir", strconv.FormatInt(int64(op.Req.Parent), 10))
	rec.Set("name", op.Req.Filename)
	if err := ctx.AppendLog(rec); err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	reclaimDumped(ctx, dumped)
	return done(op.Reply, types.NewResponse(op.Req.Cseq, types.StatusOK))
}

type RmdirOp struct {
	Req   types.RmdirRequest
	Reply ReplyFunc
}

func (op *RmdirOp) RejectDegraded() { errResp(op.Reply, op.Req.Cseq, types.StatusIO) }

func (op *RmdirOp) Execute(ctx *Context) Outcome {
	if err := ctx.Tree.Rmdir(op.Req.Parent, op.Req.Directory); err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	rec := &types.OplogRecord{Verb: types.OpRmdir}
	rec.Set("dir", strconv.FormatInt(int64(op.Req.Parent), 10))
	rec.Set("name", op.Req.Directory)
	if err := ctx.AppendLog(rec); err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	return done(op.Reply, types.NewResponse(op.Req.Cseq, types.StatusOK))
}

type RenameOp struct {
	Req   types.RenameRequest
	Reply ReplyFunc
}

func (op *RenameOp) RejectDegraded() { errResp(op.Reply, op.Req.Cseq, types.StatusIO) }

func (op *RenameOp) Execute(ctx *Context) Outcome {
	dir, newName, err := splitSameDir(op.Req.Parent, op.Req.NewPath)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	dumped, err := ctx.Tree.Rename(dir, op.Req.OldName, newName, op.Req.Overwrite)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	rec := &types.OplogRecord{Verb: types.OpRename}
	rec.Set("dir", strconv.FormatInt(int64(dir), 10))
	rec.Set("old", op.Req.OldName)
	rec.Set("new", newName)
	rec.Set("overwrite", strconv.FormatBool(op.Req.Overwrite))
	if err := ctx.AppendLog(rec); err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	reclaimDumped(ctx, dumped)
	return done(op.Reply, types.NewResponse(op.Req.Cseq, types.StatusOK))
}

// splitSameDir validates that New-path names a sibling within Parent:
// rename never moves a file between directories.
func splitSameDir(parent types.FileID, newPath string) (types.FileID, string, error) {
	if strings.Contains(newPath, "/") {
		return 0, "", types.ErrCrossDirRename
	}
	return parent, newPath, nil
}

// --- chunk allocation / lease ops ----------------------------------------

// AllocateOp either reserves a brand-new chunk at (file, offset) or
// re-acquires the write lease — bumping the chunk version — on an existing
// one. Execute may be called twice: once to start, and once more, with
// ackFailed populated by the fanout goroutine, to finish.
type AllocateOp struct {
	Req   types.AllocateRequest
	Reply ReplyFunc

	// resume state
	awaiting  bool
	handle    int64
	fresh     bool
	chunkID   types.ChunkID
	version   int64
	servers   []types.Addr
	master    types.Addr
	ackFailed *[]types.Addr
}

func (op *AllocateOp) RejectDegraded() { errResp(op.Reply, op.Req.Cseq, types.StatusIO) }

func (op *AllocateOp) Execute(ctx *Context) Outcome {
	if op.awaiting {
		return op.resume(ctx)
	}
	return op.start(ctx)
}

func (op *AllocateOp) start(ctx *Context) Outcome {
	if op.Req.ChunkOffset < 0 || op.Req.ChunkOffset%ctx.Config.ChunkSize != 0 {
		return errResp(op.Reply, op.Req.Cseq, types.StatusInvalidArgument)
	}
	attr, err := ctx.Tree.GetAttr(op.Req.Handle)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	replicas := attr.Replication
	if replicas <= 0 {
		replicas = ctx.Config.DefaultReplicas
	}

	existing, isFresh, err := ctx.Tree.AllocateChunkID(op.Req.Handle, op.Req.ChunkOffset)
	if err == nil && isFresh {
		placement, perr := ctx.Layout.AllocateChunk(existing.ChunkID, replicas)
		if perr != nil {
			return errResp(op.Reply, op.Req.Cseq, types.AsStatus(perr))
		}
		op.fresh = true
		op.chunkID = existing.ChunkID
		op.version = 1
		op.servers = placement.Servers
		op.master = placement.Master
		op.handle = ctx.proc.NewHandle()
		op.awaiting = true
		chunkID, version := op.chunkID, op.version
		op.ackFailed = fanout(ctx, op.handle, op.servers, func(addr types.Addr) error {
			return callTracked(ctx, addr, "ALLOCATE", types.AllocateCmd{ChunkID: chunkID, Version: version}, func() error {
				return ctx.RPC.Allocate(addr, chunkID, version)
			})
		})
		ctx.Park(op.handle, op)
		return Outcome{Suspended: true}
	}

	// Already allocated: this is a write-lease (re)acquisition. A fresh
	// lease bumps the chunk's version and drives CHUNK_VERS_CHANGE to
	// every replica before the response is released.
	ci, gerr := ctx.Tree.GetallocAt(op.Req.Handle, op.Req.ChunkOffset)
	if gerr != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(gerr))
	}
	locations, _ := ctx.Layout.GetChunkToServerMapping(ci.ChunkID)
	lease, isNew, lerr := ctx.Layout.GetChunkWriteLease(ci.ChunkID, op.holder())
	if lerr != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(lerr))
	}
	if !isNew {
		resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
		resp.Set("Chunk-handle", strconv.FormatInt(int64(ci.ChunkID), 10))
		resp.Set("Version", strconv.FormatInt(ci.Version, 10))
		resp.Set("Lease-id", lease.LeaseID)
		resp.Set("Master", string(lease.Master))
		resp.Set("Locations", joinAddrs(locations))
		return done(op.Reply, resp)
	}

	newVersion := ctx.Tree.BumpChunkVersionInc()
	op.fresh = false
	op.chunkID = ci.ChunkID
	op.version = newVersion
	op.servers = locations
	op.master = lease.Master
	op.handle = ctx.proc.NewHandle()
	op.awaiting = true
	chunkID, oldVersion := ci.ChunkID, ci.Version
	op.ackFailed = fanout(ctx, op.handle, op.servers, func(addr types.Addr) error {
		cmd := types.ChunkVersChangeCmd{ChunkID: chunkID, OldVersion: oldVersion, NewVersion: newVersion}
		return callTracked(ctx, addr, "CHUNK_VERS_CHANGE", cmd, func() error {
			return ctx.RPC.ChunkVersChange(addr, chunkID, oldVersion, newVersion)
		})
	})
	ctx.Park(op.handle, op)
	return Outcome{Suspended: true}
}

func (op *AllocateOp) holder() string {
	return fmt.Sprintf("cseq-%d", op.Req.Cseq)
}

func (op *AllocateOp) resume(ctx *Context) Outcome {
	failed := *op.ackFailed
	if len(failed) > 0 {
		// A replica died mid-allocation: abandon the chunk-id, fence all
		// future versions past this incarnation, and let the client retry.
		if op.fresh {
			ctx.Layout.RemoveMapping(op.chunkID)
		}
		bumped := ctx.Tree.BumpChunkVersionInc()
		rec := &types.OplogRecord{Verb: types.OpChunkVersionInc}
		rec.Set("value", strconv.FormatInt(bumped, 10))
		_ = ctx.AppendLog(rec) // best-effort fence; failure already logged by AppendLog
		return errResp(op.Reply, op.Req.Cseq, types.StatusAllocFailed)
	}

	if op.fresh {
		if err := ctx.Tree.AssignChunkID(types.ChunkInfo{FileID: op.Req.Handle, Offset: op.Req.ChunkOffset, ChunkID: op.chunkID, Version: op.version}); err != nil {
			return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
		}
	} else {
		if err := ctx.Tree.UpdateChunkVersion(op.Req.Handle, op.Req.ChunkOffset, op.version); err != nil {
			return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
		}
	}
	rec := &types.OplogRecord{Verb: types.OpAllocate}
	rec.Set("fileId", strconv.FormatInt(int64(op.Req.Handle), 10))
	rec.Set("offset", strconv.FormatInt(op.Req.ChunkOffset, 10))
	rec.Set("chunkId", strconv.FormatInt(int64(op.chunkID), 10))
	rec.Set("version", strconv.FormatInt(op.version, 10))
	if err := ctx.AppendLog(rec); err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}

	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Chunk-handle", strconv.FormatInt(int64(op.chunkID), 10))
	resp.Set("Version", strconv.FormatInt(op.version, 10))
	resp.Set("Master", string(op.master))
	resp.Set("Locations", joinAddrs(op.servers))
	return done(op.Reply, resp)
}

func joinAddrs(addrs []types.Addr) string {
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = string(a)
	}
	return strings.Join(strs, ",")
}

// TruncateOp trims or extends a file. Extending spawns an internal
// AllocateOp for each missing chunk in offset order, re-entering Execute
// after every sub-allocation until the chunk list covers the new length.
type TruncateOp struct {
	Req   types.TruncateRequest
	Reply ReplyFunc

	allocated       bool
	lastAllocOffset int64
}

func (op *TruncateOp) RejectDegraded() { errResp(op.Reply, op.Req.Cseq, types.StatusIO) }

func (op *TruncateOp) Execute(ctx *Context) Outcome {
	dumped, err := ctx.Tree.Truncate(op.Req.Handle, op.Req.Offset)
	if offset, needsAlloc := tree.NeedsAllocAt(err); needsAlloc {
		if op.allocated && offset <= op.lastAllocOffset {
			// The sub-allocate made no forward progress; surface the fault
			// rather than looping forever.
			return errResp(op.Reply, op.Req.Cseq, types.StatusIO)
		}
		op.allocated = true
		op.lastAllocOffset = offset
		sub := &AllocateOp{
			Req:   types.AllocateRequest{Cseq: op.Req.Cseq, Handle: op.Req.Handle, ChunkOffset: offset},
			Reply: func(r *types.Response) { op.onSubAllocate(ctx, r) },
		}
		return sub.Execute(ctx)
	}
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}

	rec := &types.OplogRecord{Verb: types.OpTruncate}
	rec.Set("fileId", strconv.FormatInt(int64(op.Req.Handle), 10))
	rec.Set("newLen", strconv.FormatInt(op.Req.Offset, 10))
	if aerr := ctx.AppendLog(rec); aerr != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(aerr))
	}
	reclaimDumped(ctx, dumped)
	op.trimLastChunk(ctx)
	return done(op.Reply, types.NewResponse(op.Req.Cseq, types.StatusOK))
}

// trimLastChunk tells the replicas of a shortened file's final chunk to
// drop the bytes past the new length within that chunk.
func (op *TruncateOp) trimLastChunk(ctx *Context) {
	rem := op.Req.Offset % ctx.Config.ChunkSize
	if rem == 0 || op.allocated {
		return
	}
	ci, err := ctx.Tree.GetallocAt(op.Req.Handle, op.Req.Offset-rem)
	if err != nil {
		return
	}
	addrs, ok := ctx.Layout.GetChunkToServerMapping(ci.ChunkID)
	if !ok {
		return
	}
	chunkID := ci.ChunkID
	background(ctx, addrs, func(addr types.Addr) error {
		return callTracked(ctx, addr, "TRUNCATE", types.TruncateCmd{ChunkID: chunkID, Length: rem}, func() error {
			return ctx.RPC.Truncate(addr, chunkID, rem)
		})
	})
}

// onSubAllocate runs as the internal AllocateOp's reply callback, from the
// processor's own goroutine (every Reply callback fires from Execute, which
// only ever runs on that goroutine), so re-entering Execute here is safe.
func (op *TruncateOp) onSubAllocate(ctx *Context, r *types.Response) {
	if r.Status != types.StatusOK {
		op.Reply(r)
		return
	}
	op.Execute(ctx)
}

// --- lease ops (lease table only; a chunk's version advances exclusively
// on the ALLOCATE path's fresh-write-lease branch, never here) -------------

type LeaseAcquireReadOp struct {
	Req    types.LeaseAcquireRequest
	Holder string
	Reply  ReplyFunc
}

func (op *LeaseAcquireReadOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	lease, err := ctx.Layout.GetChunkReadLease(op.Req.ChunkHandle, op.Holder)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Lease-id", lease.LeaseID)
	resp.Set("Expiry", lease.Expiry.Format(time.RFC3339Nano))
	return done(op.Reply, resp)
}

type LeaseAcquireWriteOp struct {
	Req    types.LeaseAcquireRequest
	Holder string
	Reply  ReplyFunc
}

func (op *LeaseAcquireWriteOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	lease, _, err := ctx.Layout.GetChunkWriteLease(op.Req.ChunkHandle, op.Holder)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Lease-id", lease.LeaseID)
	resp.Set("Master", string(lease.Master))
	resp.Set("Expiry", lease.Expiry.Format(time.RFC3339Nano))
	return done(op.Reply, resp)
}

type LeaseRenewOp struct {
	Req    types.LeaseRenewRequest
	Holder string
	Reply  ReplyFunc
}

func (op *LeaseRenewOp) Execute(ctx *Context) Outcome {
	ctx.CountReadOnly()
	lease, err := ctx.Layout.LeaseRenew(op.Req.ChunkHandle, op.Req.LeaseID, op.Holder)
	if err != nil {
		return errResp(op.Reply, op.Req.Cseq, types.AsStatus(err))
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Expiry", lease.Expiry.Format(time.RFC3339Nano))
	return done(op.Reply, resp)
}

// --- chunk-server session ops --------------------------------------------

type HelloOp struct {
	Req   types.HelloRequest
	Reply ReplyFunc
}

func (op *HelloOp) Execute(ctx *Context) Outcome {
	report := types.HelloReport{
		Server:     types.Addr(fmt.Sprintf("%s:%d", op.Req.ChunkServerName, op.Req.ChunkServerPort)),
		TotalSpace: op.Req.TotalSpace,
		UsedSpace:  op.Req.UsedSpace,
		Chunks:     op.Req.Chunks,
	}
	_, _ = ctx.Registry.Hello(report)

	known := func(id types.ChunkID) (int64, bool) {
		return lookupChunkVersion(ctx.Tree, id)
	}
	targetReplicas := func(id types.ChunkID) int {
		return replicationTargetFor(ctx.Tree, id)
	}
	stale := ctx.Layout.AddNewServer(report, known, targetReplicas)
	if len(stale) > 0 {
		background(ctx, []types.Addr{report.Server}, func(addr types.Addr) error {
			return callTracked(ctx, addr, "STALE_CHUNKS", types.StaleChunksCmd{Chunks: stale}, func() error {
				return ctx.RPC.StaleChunks(addr, stale)
			})
		})
	}
	resp := types.NewResponse(op.Req.Cseq, types.StatusOK)
	resp.Set("Stale-count", strconv.Itoa(len(stale)))
	return done(op.Reply, resp)
}

// lookupChunkVersion and replicationTargetFor are the reverse-lookup
// helpers AddNewServer needs, backed by the tree's chunk-id index. A
// chunk-id the index has never seen is reported unknown, which AddNewServer
// treats as stale.
func lookupChunkVersion(t *tree.Tree, id types.ChunkID) (int64, bool) {
	_, _, version, ok := t.ChunkByID(id)
	return version, ok
}

func replicationTargetFor(t *tree.Tree, id types.ChunkID) int {
	fileID, _, _, ok := t.ChunkByID(id)
	if !ok {
		return common.DefaultReplicas
	}
	attr, err := t.GetAttr(fileID)
	if err != nil || attr.Replication <= 0 {
		return common.DefaultReplicas
	}
	return attr.Replication
}

// ServerDownOp is how the heartbeat loop's detection of a dead chunk server
// gets serialized through the processor's own queue, same as any client
// mutation.
type ServerDownOp struct {
	Addr types.Addr
}

func (op *ServerDownOp) Execute(ctx *Context) Outcome {
	targetReplicas := func(id types.ChunkID) int { return replicationTargetFor(ctx.Tree, id) }
	ctx.Layout.ServerDown(op.Addr, targetReplicas)
	ctx.RPC.Drop(op.Addr)
	return Outcome{}
}
