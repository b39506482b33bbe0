// Command metaserver runs the metadata server: the metadata tree, layout
// manager, chunk-server session registry, request processor, oplog and
// checkpointer wired into one TCP listener, with graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gfsmeta/config"
	"gfsmeta/internal/checkpoint"
	"gfsmeta/internal/common"
	"gfsmeta/internal/layout"
	"gfsmeta/internal/oplog"
	"gfsmeta/internal/processor"
	"gfsmeta/internal/protocol"
	"gfsmeta/internal/recovery"
	"gfsmeta/internal/rpcclient"
	"gfsmeta/internal/session"
	"gfsmeta/internal/tree"
	"gfsmeta/internal/types"
)

func main() {
	configPath := flag.String("config", "", "path to metaserver config file (yaml/json/toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metaserver: load config: %v\n", err)
		os.Exit(1)
	}
	applyLogLevel(cfg.Logging.Level)

	if err := run(cfg); err != nil {
		common.LFail("metaserver: %v", err)
		os.Exit(1)
	}
}

func applyLogLevel(level string) {
	switch level {
	case "trace":
		common.SetLevel(common.LOG_TRACE)
	case "warn":
		common.SetLevel(common.LOG_WARN)
	case "fail", "error":
		common.SetLevel(common.LOG_FAIL)
	default:
		common.SetLevel(common.LOG_INFO)
	}
}

// applyCommonTunables pushes the loaded config into the package-level
// tunables tree/layout/session read directly (common/vars.go), so a
// metaserver.yaml override actually takes effect instead of only the
// compiled-in defaults.
func applyCommonTunables(cfg *config.Config) {
	common.ChunkSize = cfg.Chunk.SizeBytes
	common.DefaultReplicas = cfg.Chunk.DefaultReplicas
	common.MaxReplicas = cfg.Chunk.MaxReplicas
	common.MinReplicas = cfg.Chunk.MinReplicas
	common.FreeSpaceThreshold = cfg.Chunk.FreeSpaceThreshold
	common.WriteLeaseDuration = cfg.Lease.WriteDuration
	common.ReadLeaseDuration = cfg.Lease.ReadDuration
	common.LeaseCleanupInterval = cfg.Lease.CleanupInterval
	common.HeartbeatInterval = cfg.Heartbeat.Interval
	common.MissedHeartbeatLimit = cfg.Heartbeat.MissedBeatThreshold
	common.ChunkServerRPCTimeout = cfg.Heartbeat.RPCTimeout
	common.CheckpointInterval = cfg.Checkpoint.Interval
	common.OplogFlushCoalesceWindow = cfg.Oplog.FlushCoalesceWindow
}

func run(cfg *config.Config) error {
	applyCommonTunables(cfg)

	t, err := tree.Open(cfg.Storage.TreeDir)
	if err != nil {
		return fmt.Errorf("open tree: %w", err)
	}
	defer t.Close()

	rec, err := recovery.Run(t, cfg.Storage.CheckpointDir, cfg.Storage.LogDir)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	common.LInfo("metaserver: recovered at seq %d (fresh=%v)", rec.LastSeq, rec.FreshStart)

	w, err := oplog.Open(cfg.Storage.LogDir, rec.LastSeq, cfg.Oplog.FlushCoalesceWindow)
	if err != nil {
		return fmt.Errorf("open oplog: %w", err)
	}
	defer w.Close()

	cp := checkpoint.New(t, cfg.Storage.CheckpointDir)
	if rec.FreshStart {
		if _, err := cp.Run(w, func() func() { return func() {} }); err != nil {
			return fmt.Errorf("initial checkpoint: %w", err)
		}
	}

	registry := session.NewRegistry()
	lm := layout.NewManager(registry)
	rpc := rpcclient.New(cfg.Heartbeat.RPCTimeout)

	procCfg := processor.Config{
		ChunkSize:       cfg.Chunk.SizeBytes,
		DefaultReplicas: cfg.Chunk.DefaultReplicas,
		MaxReplicas:     cfg.Chunk.MaxReplicas,
		MinReplicas:     cfg.Chunk.MinReplicas,
		RPCTimeout:      cfg.Heartbeat.RPCTimeout,
	}
	proc := processor.New(t, lm, registry, rpc, procCfg, w, cp)
	go proc.Run()

	stopBg := make(chan struct{})
	go leaseCleanupLoop(lm, cfg.Lease.CleanupInterval, stopBg)
	go checkpointLoop(proc, cfg.Checkpoint.Interval, stopBg)
	go heartbeatLoop(proc, registry, rpc, cfg.Heartbeat, stopBg)
	go replicationLoop(lm, registry, rpc, common.ReplicationCheckInterval, stopBg)

	ln, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen.Address, err)
	}
	common.LInfo("metaserver: listening on %s", cfg.Listen.Address)

	server := protocol.NewServer(proc)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
		common.LInfo("metaserver: shutting down")
	case err := <-serveErr:
		close(stopBg)
		return fmt.Errorf("serve: %w", err)
	}

	close(stopBg)
	ln.Close()
	cp.Pin() // no checkpoint may start once shutdown begins
	proc.Stop()
	return nil
}

func leaseCleanupLoop(lm *layout.Manager, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			lm.LeaseCleanup()
		}
	}
}

// heartbeatLoop pings every known session each interval; a failure counts
// as a miss, and a session that crosses the missed threshold is torn down
// through the processor's own queue via ServerDownOp so re-replication is
// serialized with every other mutation.
func heartbeatLoop(proc *processor.Processor, registry *session.Registry, rpc *rpcclient.Client, hb config.HeartbeatConfig, stop <-chan struct{}) {
	ticker := time.NewTicker(hb.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, info := range registry.All() {
				addr := info.Addr
				go func() {
					latency, err := trackedHeartbeat(registry, rpc, addr)
					if err != nil {
						if down := registry.MissHeartbeat(addr); down {
							proc.Submit(&processor.ServerDownOp{Addr: addr})
						}
						return
					}
					registry.Heartbeat(addr, latency)
				}()
			}
		}
	}
}

func trackedHeartbeat(registry *session.Registry, rpc *rpcclient.Client, addr types.Addr) (time.Duration, error) {
	var latency time.Duration
	err := tracked(registry, addr, "HEARTBEAT", types.HeartbeatCmd{}, func() error {
		var err error
		latency, err = rpc.Heartbeat(addr)
		return err
	})
	return latency, err
}

// replicationLoop is the background re-replication sweep: drain the
// under-replicated queue and issue one REPLICATE per chunk, drain the
// over-replicated queue and issue one DELETE per chunk against a redundant
// holder. The destination chunk server pulls the authoritative version from
// the source during the copy, so the metaserver never needs the version
// itself here.
func replicationLoop(lm *layout.Manager, registry *session.Registry, rpc *rpcclient.Client, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			processor.CleanupDumpster(lm, registry, rpc)
			for _, chunkID := range lm.NeedReplication() {
				from, to, err := lm.PickReplicationSource(chunkID)
				if err != nil {
					common.LWarn("metaserver: replicate chunk %d: %v", chunkID, err)
					continue
				}
				go func(chunkID types.ChunkID, from, to types.Addr) {
					err := tracked(registry, to, "REPLICATE", types.ReplicateCmd{ChunkID: chunkID, Source: from}, func() error {
						return rpc.Replicate(to, chunkID, 0, from)
					})
					lm.ChunkReplicationDone(chunkID, to, err == nil)
					if err != nil {
						common.LWarn("metaserver: replicate chunk %d to %s: %v", chunkID, to, err)
					}
				}(chunkID, from, to)
			}
			for _, chunkID := range lm.OverReplicated() {
				servers, ok := lm.GetChunkToServerMapping(chunkID)
				if !ok || len(servers) == 0 {
					continue
				}
				victim := servers[0]
				go func(chunkID types.ChunkID, addr types.Addr) {
					err := tracked(registry, addr, "DELETE", types.DeleteCmd{ChunkID: chunkID}, func() error {
						return rpc.Delete(addr, chunkID)
					})
					if err != nil {
						common.LWarn("metaserver: delete over-replicated chunk %d on %s: %v", chunkID, addr, err)
					}
				}(chunkID, victim)
			}
		}
	}
}

// tracked records the RPC in the target session's outbound queue for the
// duration of the call so the reply is matched by sequence number.
func tracked(registry *session.Registry, addr types.Addr, verb string, payload interface{}, do func() error) error {
	sess, ok := registry.Get(addr)
	if !ok {
		return do()
	}
	cmd := sess.Enqueue(verb, payload)
	err := do()
	sess.Ack(cmd.Seq)
	return err
}

// checkpointLoop is the timer half of the checkpoint trigger; RunCheckpoint
// quiesces the processor only around the oplog rotation, so calling it from
// this goroutine is safe.
func checkpointLoop(proc *processor.Processor, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !proc.CheckpointDue() {
				continue
			}
			if res, err := proc.RunCheckpoint(); err != nil {
				common.LWarn("metaserver: checkpoint failed: %v", err)
			} else {
				common.LInfo("metaserver: checkpoint %s at seq %d", res.FileName, res.Seq)
			}
		}
	}
}
