// Package processor implements the request processor: a single-threaded,
// cooperative dispatcher that serializes every namespace mutation,
// tolerates mid-request suspension while chunk-server RPCs are outstanding,
// and drives the oplog before replying.
package processor

import (
	"errors"
	"sync/atomic"
	"time"

	"gfsmeta/internal/checkpoint"
	"gfsmeta/internal/layout"
	"gfsmeta/internal/oplog"
	"gfsmeta/internal/rpcclient"
	"gfsmeta/internal/session"
	"gfsmeta/internal/tree"
	"gfsmeta/internal/types"
)

// Outcome is what Op.Execute reports back to the processor loop: either the
// op finished (its response callback has fired) or it suspended awaiting an
// external event.
type Outcome struct {
	Suspended bool
	Response  *types.Response // set only when !Suspended
}

// Op is one enqueued unit of work. Execute may be called more than once for
// a suspendable op: once to start it, and again — with the op's own stored
// resume fields already updated by the event that woke it — to continue.
type Op interface {
	Execute(ctx *Context) Outcome
}

// Context bundles every collaborator a handler needs.
type Context struct {
	Tree     *tree.Tree
	Layout   *layout.Manager
	Registry *session.Registry
	RPC      *rpcclient.Client
	Config   Config
	proc     *Processor
}

// Config carries the subset of process configuration handlers consult.
type Config struct {
	ChunkSize       int64
	DefaultReplicas int
	MaxReplicas     int
	MinReplicas     int
	RPCTimeout      time.Duration
}

// queueItem is either a freshly-submitted op or a resume event for one
// already in flight.
type queueItem struct {
	op     Op
	resume bool
	handle int64
}

// Counters are the per-op-kind tallies the STATS command reports.
type Counters struct {
	Total     int64
	Mutating  int64
	ReadOnly  int64
	Suspended int64
	Failed    int64
}

// Processor is the single-threaded dispatcher. Run must be called from
// exactly one goroutine; Submit/Resume may be called from any goroutine.
type Processor struct {
	ctx   *Context
	oplog *oplog.Writer
	cp    *checkpoint.Checkpointer

	queue   chan queueItem
	pending map[int64]Op
	nextH   int64

	counters Counters
	degraded int32 // latched on oplog/checkpoint write failure

	stopCh chan struct{}
}

func New(t *tree.Tree, lm *layout.Manager, reg *session.Registry, rpc *rpcclient.Client, cfg Config, w *oplog.Writer, cp *checkpoint.Checkpointer) *Processor {
	p := &Processor{
		oplog:   w,
		cp:      cp,
		queue:   make(chan queueItem, 1024),
		pending: make(map[int64]Op),
		stopCh:  make(chan struct{}),
	}
	p.ctx = &Context{Tree: t, Layout: lm, Registry: reg, RPC: rpc, Config: cfg, proc: p}
	return p
}

// Submit enqueues a freshly-arrived op.
func (p *Processor) Submit(op Op) {
	p.queue <- queueItem{op: op}
}

// NewHandle allocates a correlation id a suspendable op can use to register
// itself for a later Resume call.
func (p *Processor) NewHandle() int64 {
	return atomic.AddInt64(&p.nextH, 1)
}

// Resume delivers a reply event (an RPC ack, a sub-op completion) to the op
// registered under handle, re-entering its handler from the processor's own
// goroutine.
func (p *Processor) Resume(handle int64) {
	p.queue <- queueItem{resume: true, handle: handle}
}

// Degraded reports whether an oplog or checkpoint write failure has halted
// new mutating ops.
func (p *Processor) Degraded() bool {
	return atomic.LoadInt32(&p.degraded) != 0
}

func (p *Processor) setDegraded() {
	atomic.StoreInt32(&p.degraded, 1)
}

func (p *Processor) Counters() Counters {
	return Counters{
		Total:     atomic.LoadInt64(&p.counters.Total),
		Mutating:  atomic.LoadInt64(&p.counters.Mutating),
		ReadOnly:  atomic.LoadInt64(&p.counters.ReadOnly),
		Suspended: atomic.LoadInt64(&p.counters.Suspended),
		Failed:    atomic.LoadInt64(&p.counters.Failed),
	}
}

// Run is the processor's single-threaded dispatch loop: for every item it
// dequeues, it dispatches to the op (fresh or resumed); if the handler
// suspends, the op is parked in pending and nothing else happens; otherwise
// the op has already written its log entry and invoked its response
// callback before returning, and the loop moves on.
func (p *Processor) Run() {
	for {
		select {
		case <-p.stopCh:
			return
		case item := <-p.queue:
			p.dispatch(item)
		}
	}
}

func (p *Processor) Stop() { close(p.stopCh) }

func (p *Processor) dispatch(item queueItem) {
	var op Op
	if item.resume {
		op = p.pending[item.handle]
		if op == nil {
			return // stale/duplicate resume, nothing to do
		}
		delete(p.pending, item.handle)
	} else {
		op = item.op
		atomic.AddInt64(&p.counters.Total, 1)
		// Once a log or checkpoint write has failed, new mutating ops are
		// refused before they touch the tree; reads keep flowing, and an
		// already-suspended mutation reports EIO from its own AppendLog.
		if p.Degraded() {
			if m, ok := op.(mutatingOp); ok {
				m.RejectDegraded()
				atomic.AddInt64(&p.counters.Failed, 1)
				return
			}
		}
	}

	outcome := op.Execute(p.ctx)
	if outcome.Suspended {
		atomic.AddInt64(&p.counters.Suspended, 1)
		// The op has already registered itself under its own handle via
		// Context.Park before returning.
		return
	}
}

// mutatingOp is implemented by every op that writes through the oplog;
// RejectDegraded answers the op's client with EIO without executing it.
type mutatingOp interface {
	RejectDegraded()
}

// Park records a suspended op under handle so a later Resume(handle)
// re-enters it. Handlers call this from inside Execute, right before
// returning a Suspended Outcome.
func (c *Context) Park(handle int64, op Op) {
	c.proc.pending[handle] = op
}

// AppendLog writes one mutating record to the oplog and blocks the calling
// goroutine until it is durable; a mutating op's response is never released
// before its own log line has been flushed. It also counts the mutation for
// the checkpointer.
func (c *Context) AppendLog(rec *types.OplogRecord) error {
	_, done := c.proc.oplog.Append(rec)
	err := <-done
	if err != nil {
		c.proc.setDegraded()
		atomic.AddInt64(&c.proc.counters.Failed, 1)
		return err
	}
	c.proc.cp.NoteMutation()
	atomic.AddInt64(&c.proc.counters.Mutating, 1)
	return nil
}

// CountReadOnly tallies a non-mutating op for STATS.
func (c *Context) CountReadOnly() {
	atomic.AddInt64(&c.proc.counters.ReadOnly, 1)
}

// quiesceOp holds the processor loop until released, so another goroutine
// can briefly act with no op in flight.
type quiesceOp struct {
	entered chan struct{}
	release chan struct{}
}

func (q *quiesceOp) Execute(*Context) Outcome {
	close(q.entered)
	<-q.release
	return Outcome{}
}

// Quiesce blocks until the processor has drained to an op boundary and
// pauses it there; the returned function resumes it. Must not be called
// from the processor's own goroutine.
func (p *Processor) Quiesce() (resume func()) {
	q := &quiesceOp{entered: make(chan struct{}), release: make(chan struct{})}
	p.queue <- queueItem{op: q}
	<-q.entered
	return func() { close(q.release) }
}

// RunCheckpoint triggers one checkpoint cycle. The processor is paused only
// around the oplog rotation; the leaf dump proceeds against a consistent
// snapshot while the processor keeps serving. Call from any goroutine
// except the processor's own.
func (p *Processor) RunCheckpoint() (checkpoint.Result, error) {
	res, err := p.cp.Run(p.oplog, p.Quiesce)
	if err != nil && !errors.Is(err, types.ErrCheckpointBusy) {
		p.setDegraded()
	}
	return res, err
}

// CheckpointDue reports whether a periodic or manual checkpoint trigger
// should run: at least one mutation since the last checkpoint and no
// external pin in place.
func (p *Processor) CheckpointDue() bool {
	return p.cp.Due()
}
