package types

import "errors"

// Internal sentinel errors used between the processor and its collaborators;
// these never reach the wire directly — AsStatus maps the ones that can occur
// on an op's critical path to a Status, everything else is a core-fatal EIO.
var (
	ErrCrossDirRename     = errors.New("metaserver: rename across directories is not supported")
	ErrLeaseConflict      = errors.New("metaserver: incompatible lease outstanding")
	ErrNoCandidateServers = errors.New("metaserver: no eligible chunk servers")
	ErrOplogClosed        = errors.New("metaserver: oplog writer closed")
	ErrCheckpointBusy     = errors.New("metaserver: checkpoint already in progress")
)
