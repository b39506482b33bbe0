package common

import (
	"time"

	"gfsmeta/internal/types"
)

// Log levels for LTrace/LInfo/LWarn/LFail in log.go.
const (
	LOG_TRACE LogLevel = iota
	LOG_INFO
	LOG_WARN
	LOG_FAIL
)

var (
	// DefaultLogLevel is the minimum level a log call must meet to reach the writer.
	DefaultLogLevel = LOG_INFO
	// LogCompleteEnable prefixes every line with the calling function's name.
	LogCompleteEnable = false
)

var (
	// ChunkSize is the fixed stripe size, 2^26 bytes.
	ChunkSize = int64(1 << 26)

	// DefaultReplicas is the replication target used when a file's own degree is unknown or unset.
	DefaultReplicas = 3
	// MaxReplicas is the clamp applied to a request's Num-replicas.
	MaxReplicas = 3
	// MinReplicas is the replica floor a rebalance plan keeps when a REBALANCE request omits Min-replicas.
	MinReplicas = 1

	// WriteLeaseDuration is the fixed interval a write lease is granted for.
	WriteLeaseDuration = 60 * time.Second
	// ReadLeaseDuration is the interval a read lease is granted for.
	ReadLeaseDuration = 60 * time.Second
	// LeaseCleanupInterval is how often leaseCleanup sweeps for expired leases.
	LeaseCleanupInterval = 5 * time.Second

	// HeartbeatInterval is the idle interval between HEARTBEAT RPCs.
	HeartbeatInterval = 60 * time.Second
	// MissedHeartbeatLimit is the number of consecutive missed replies before Down.
	MissedHeartbeatLimit = 3

	// ReplicationCheckInterval is the period of the re-replication and dumpster-cleanup sweep.
	ReplicationCheckInterval = 10 * time.Second
	// FreeSpaceThreshold is the minimum free-space ratio a server must have to be a
	// placement candidate.
	FreeSpaceThreshold = 0.05

	// CheckpointInterval is the default timer period for the checkpointer.
	CheckpointInterval = 10 * time.Minute
	// OplogFlushCoalesceWindow is the max delay before a pending oplog write is flushed.
	OplogFlushCoalesceWindow = 10 * time.Millisecond

	// ChunkServerRPCTimeout bounds an outstanding suspend-triggering RPC to a chunk server.
	ChunkServerRPCTimeout = 5 * time.Second

	// DefaultCheckpointDir / DefaultLogDir are the on-disk layout roots.
	DefaultCheckpointDir = "./metacp"
	DefaultLogDir        = "./metalog"

	// RootFileID is the permanent, unremovable root directory's file-id.
	RootFileID = types.FileID(2)

	// RebalanceDeviation is the default allowed used-ratio spread passed to
	// layout.Manager.RebalancePlan when a REBALANCE request omits Deviation.
	RebalanceDeviation = 0.1
)
