package layout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gfsmeta/internal/session"
	"gfsmeta/internal/types"
)

func newTestManager(servers map[types.Addr][2]int64) (*Manager, *session.Registry) {
	registry := session.NewRegistry()
	for addr, space := range servers {
		registry.Hello(types.HelloReport{Server: addr, TotalSpace: space[0], UsedSpace: space[1]})
	}
	return NewManager(registry), registry
}

func TestAllocateChunkExcludesFullServers(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{
		"s1:7000": {1000, 0},
		"s2:7000": {1000, 100},
		"s3:7000": {1000, 990}, // below the free-space threshold, ineligible
	})

	placement, err := m.AllocateChunk(1, 2)
	require.NoError(t, err)
	require.Len(t, placement.Servers, 2)
	require.NotContains(t, placement.Servers, types.Addr("s3:7000"))
	require.Contains(t, placement.Servers, placement.Master)

	servers, ok := m.GetChunkToServerMapping(1)
	require.True(t, ok)
	require.ElementsMatch(t, placement.Servers, servers)
}

func TestAllocateChunkRejectsWhenTooFewCandidates(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{"s1:7000": {1000, 0}})
	_, err := m.AllocateChunk(1, 3)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestWriteLeaseMasterIsAReplica(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{
		"s1:7000": {1000, 0},
		"s2:7000": {1000, 0},
	})
	placement, err := m.AllocateChunk(1, 2)
	require.NoError(t, err)

	lease, isNew, err := m.GetChunkWriteLease(1, "client-a")
	require.NoError(t, err)
	require.True(t, isNew)
	require.Contains(t, placement.Servers, lease.Master)
}

func TestWriteLeaseExtendsForSameHolder(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{"s1:7000": {1000, 0}})

	first, isNew, err := m.GetChunkWriteLease(1, "client-a")
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := m.GetChunkWriteLease(1, "client-a")
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, first.LeaseID, second.LeaseID)

	_, _, err = m.GetChunkWriteLease(1, "client-b")
	require.ErrorIs(t, err, types.ErrLeaseConflict)
}

func TestReadLeaseRefusedWhileWriteLeaseHeld(t *testing.T) {
	m, _ := newTestManager(nil)

	_, isNew, err := m.GetChunkWriteLease(1, "writer")
	require.NoError(t, err)
	require.True(t, isNew)

	_, err = m.GetChunkReadLease(1, "reader")
	require.ErrorIs(t, err, types.ErrLeaseConflict)

	// Two readers on an unleased chunk coexist.
	_, err = m.GetChunkReadLease(2, "reader-a")
	require.NoError(t, err)
	_, err = m.GetChunkReadLease(2, "reader-b")
	require.NoError(t, err)
}

func TestLeaseRenewValidatesIdentity(t *testing.T) {
	m, _ := newTestManager(nil)
	lease, err := m.GetChunkReadLease(1, "reader")
	require.NoError(t, err)

	_, err = m.LeaseRenew(1, lease.LeaseID, "reader")
	require.NoError(t, err)

	_, err = m.LeaseRenew(1, lease.LeaseID, "impostor")
	require.ErrorIs(t, err, types.StatusLeaseExpired.Err())

	_, err = m.LeaseRenew(1, "bogus-id", "reader")
	require.ErrorIs(t, err, types.StatusLeaseExpired.Err())
}

func TestServerDownQueuesReplication(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{
		"s1:7000": {1000, 0},
		"s2:7000": {1000, 0},
		"s3:7000": {1000, 0},
	})
	_, err := m.AllocateChunk(1, 3)
	require.NoError(t, err)

	m.ServerDown("s1:7000", func(types.ChunkID) int { return 3 })

	queued := m.NeedReplication()
	require.Equal(t, []types.ChunkID{1}, queued)

	// The queue drains on read.
	require.Empty(t, m.NeedReplication())
}

func TestHelloReportsStaleAndOverReplicated(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{"s1:7000": {1000, 0}})

	known := func(id types.ChunkID) (int64, bool) {
		switch id {
		case 1:
			return 2, true // tree has version 2
		case 2:
			return 1, true
		default:
			return 0, false
		}
	}
	target := func(types.ChunkID) int { return 1 }

	stale := m.AddNewServer(types.HelloReport{
		Server: "s2:7000",
		Chunks: []types.ChunkIDVersion{
			{ChunkID: 1, Version: 1}, // behind the tree's version
			{ChunkID: 2, Version: 1},
			{ChunkID: 9, Version: 1}, // unknown to the tree
		},
	}, known, target)
	require.ElementsMatch(t, []types.ChunkID{1, 9}, stale)

	// A second server reporting chunk 2 exceeds its target degree of 1.
	stale = m.AddNewServer(types.HelloReport{
		Server: "s3:7000",
		Chunks: []types.ChunkIDVersion{{ChunkID: 2, Version: 1}},
	}, known, target)
	require.Empty(t, stale)
	require.Equal(t, []types.ChunkID{2}, m.OverReplicated())
}

func TestRebalancePlanMovesFromHotToCold(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{
		"hot:7000":  {1000, 900},
		"cold:7000": {1000, 0},
	})
	m.registerMapping(1, []types.Addr{"hot:7000"})
	m.registerMapping(2, []types.Addr{"hot:7000"})

	moves := m.RebalancePlan(0.1, 0)
	require.NotEmpty(t, moves)
	for _, mv := range moves {
		require.Equal(t, types.Addr("hot:7000"), mv.From)
		require.Equal(t, types.Addr("cold:7000"), mv.To)
	}
}

func TestDumpsterDrainsInArrivalOrder(t *testing.T) {
	m, _ := newTestManager(nil)
	m.Dump(types.ChunkInfo{ChunkID: 1}, types.ChunkInfo{ChunkID: 2})
	m.Dump(types.ChunkInfo{ChunkID: 3})

	drained := m.DrainDumpster()
	require.Len(t, drained, 3)
	require.Equal(t, types.ChunkID(1), drained[0].ChunkID)
	require.Equal(t, types.ChunkID(3), drained[2].ChunkID)
	require.Empty(t, m.DrainDumpster())

	m.Redump(drained[1])
	require.Len(t, m.DrainDumpster(), 1)
}

func TestRebalancePlanRespectsMinReplicas(t *testing.T) {
	m, _ := newTestManager(map[types.Addr][2]int64{
		"hot:7000":  {1000, 900},
		"cold:7000": {1000, 0},
	})
	m.registerMapping(1, []types.Addr{"hot:7000"})

	// With minReplicas=1 a single-replica chunk must never be scheduled.
	require.Empty(t, m.RebalancePlan(0.1, 1))
}
