// Package layout implements the layout manager: the chunk-to-server
// mapping, replica placement, lease issuance and renewal, and the
// re-replication/rebalancing queues.
package layout

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gfsmeta/internal/common"
	"gfsmeta/internal/session"
	"gfsmeta/internal/types"
)

// Manager owns the chunk-to-server map, the lease table and the
// replication queues. Mutating calls are driven from the processor
// goroutine; Registry lookups are internally synchronized.
type Manager struct {
	registry *session.Registry

	mu          sync.Mutex
	chunkServer map[types.ChunkID]map[types.Addr]struct{}
	leases      map[types.ChunkID]*types.Lease

	needReplication map[types.ChunkID]struct{}
	overReplicated  map[types.ChunkID]struct{}

	// dumpster holds chunk records of unlinked files, in arrival order,
	// until the hosting servers acknowledge deletion.
	dumpster []types.ChunkInfo
}

func NewManager(registry *session.Registry) *Manager {
	return &Manager{
		registry:        registry,
		chunkServer:     make(map[types.ChunkID]map[types.Addr]struct{}),
		leases:          make(map[types.ChunkID]*types.Lease),
		needReplication: make(map[types.ChunkID]struct{}),
		overReplicated:  make(map[types.ChunkID]struct{}),
	}
}

// AddNewServer merges a HELLO's hosted-chunk list into the chunk-to-server
// map. known resolves whether the tree still has a ChunkInfo at that
// chunk-id and, if so, its current version — chunks unknown to the tree or
// with a stale version are returned for deletion on that server; chunks
// whose version matches join the replication queue when under-replicated
// and the trim queue when over-replicated.
func (m *Manager) AddNewServer(report types.HelloReport, known func(types.ChunkID) (version int64, ok bool), targetReplicas func(types.ChunkID) int) (stale []types.ChunkID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cv := range report.Chunks {
		wantVersion, ok := known(cv.ChunkID)
		if !ok || cv.Version < wantVersion {
			stale = append(stale, cv.ChunkID)
			continue
		}
		set, exists := m.chunkServer[cv.ChunkID]
		if !exists {
			set = make(map[types.Addr]struct{})
			m.chunkServer[cv.ChunkID] = set
		}
		set[report.Server] = struct{}{}
		target := targetReplicas(cv.ChunkID)
		switch {
		case len(set) < target:
			m.needReplication[cv.ChunkID] = struct{}{}
		case len(set) > target:
			m.overReplicated[cv.ChunkID] = struct{}{}
		}
	}
	return stale
}

// ServerDown removes a server from every chunk-to-server entry, queuing
// replication for any chunk that drops below its target degree.
// targetReplicas supplies each affected chunk's file replication degree.
func (m *Manager) ServerDown(addr types.Addr, targetReplicas func(types.ChunkID) int) {
	m.registry.Remove(addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	for chunkID, set := range m.chunkServer {
		if _, ok := set[addr]; !ok {
			continue
		}
		delete(set, addr)
		if len(set) < targetReplicas(chunkID) {
			m.needReplication[chunkID] = struct{}{}
		}
	}
}

// GetChunkToServerMapping returns the known replica set of a chunk.
func (m *Manager) GetChunkToServerMapping(chunkID types.ChunkID) ([]types.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.chunkServer[chunkID]
	if !ok {
		return nil, false
	}
	out := make([]types.Addr, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out, true
}

func (m *Manager) registerMapping(chunkID types.ChunkID, servers []types.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[types.Addr]struct{}, len(servers))
	for _, s := range servers {
		set[s] = struct{}{}
	}
	m.chunkServer[chunkID] = set
}

// RemoveMapping forgets a chunk's replica set, used when an allocation
// fails partway and the chunk-id is abandoned.
func (m *Manager) RemoveMapping(chunkID types.ChunkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunkServer, chunkID)
	delete(m.needReplication, chunkID)
	delete(m.overReplicated, chunkID)
}

// PlacementResult is what AllocateChunk hands back for the processor to
// dispatch ALLOCATE RPCs against before suspending the op.
type PlacementResult struct {
	Servers []types.Addr
	Master  types.Addr
}

// ErrNoSpace reports that too few eligible servers exist for the requested
// replica count.
var ErrNoSpace = types.StatusNoSpace.Err()

// AllocateChunk selects `replicas` distinct candidate servers: servers
// below the free-space threshold are excluded, the lowest used-space ratio
// wins, ties break at random. The master is the chosen replica with the
// lowest observed heartbeat latency. The mapping is registered before
// return; the caller dispatches the ALLOCATE RPCs and suspends the op.
func (m *Manager) AllocateChunk(chunkID types.ChunkID, replicas int) (PlacementResult, error) {
	candidates := m.registry.All()
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if 1-c.UsedRatio() < common.FreeSpaceThreshold {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) < replicas {
		return PlacementResult{}, ErrNoSpace
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].UsedRatio() < filtered[j].UsedRatio() })

	chosen := make([]types.Addr, 0, replicas)
	i := 0
	for len(chosen) < replicas && i < len(filtered) {
		// among ties at the current ratio, pick at random rather than
		// deterministically walking sorted order every time.
		tie := 1
		for i+tie < len(filtered) && filtered[i+tie].UsedRatio() == filtered[i].UsedRatio() {
			tie++
		}
		pick := i + rand.Intn(tie)
		chosen = append(chosen, filtered[pick].Addr)
		filtered = append(filtered[:pick], filtered[pick+1:]...)
	}

	master := lowestLatency(candidates, chosen)

	m.registerMapping(chunkID, chosen)
	return PlacementResult{Servers: chosen, Master: master}, nil
}

// lowestLatency picks the replica with the smallest observed heartbeat
// round-trip, falling back to the first replica when none has been measured.
func lowestLatency(servers []types.ServerInfo, replicas []types.Addr) types.Addr {
	if len(replicas) == 0 {
		return ""
	}
	master := replicas[0]
	best := time.Duration(-1)
	for _, s := range servers {
		for _, addr := range replicas {
			if s.Addr != addr {
				continue
			}
			if s.Latency > 0 && (best < 0 || s.Latency < best) {
				best = s.Latency
				master = addr
			}
		}
	}
	return master
}

// masterFor designates the write-master among a chunk's current replica
// set; callers must hold m.mu.
func (m *Manager) masterFor(chunkID types.ChunkID) types.Addr {
	set := m.chunkServer[chunkID]
	replicas := make([]types.Addr, 0, len(set))
	for addr := range set {
		replicas = append(replicas, addr)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	return lowestLatency(m.registry.All(), replicas)
}

// GetChunkWriteLease issues or extends a write lease. isNew is true when a
// fresh lease was minted: the caller must then bump the chunk's version and
// drive a CHUNK_VERS_CHANGE round before completing the op. An unexpired
// read lease held by anyone, or a write lease held by a different identity,
// refuses the grant.
func (m *Manager) GetChunkWriteLease(chunkID types.ChunkID, holder string) (lease types.Lease, isNew bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	existing, ok := m.leases[chunkID]
	if ok && existing.Type == types.LeaseRead && !existing.Expired(now) {
		return types.Lease{}, false, types.ErrLeaseConflict
	}
	if ok && existing.Type == types.LeaseWrite && !existing.Expired(now) {
		if existing.Holder != holder {
			return types.Lease{}, false, types.ErrLeaseConflict
		}
		existing.Expiry = now.Add(common.WriteLeaseDuration)
		return *existing, false, nil
	}

	l := &types.Lease{
		ChunkID: chunkID,
		Type:    types.LeaseWrite,
		LeaseID: newLeaseID(),
		Holder:  holder,
		Expiry:  now.Add(common.WriteLeaseDuration),
		Master:  m.masterFor(chunkID),
	}
	m.leases[chunkID] = l
	return *l, true, nil
}

// GetChunkReadLease issues a read lease; multiple concurrent read leases
// are allowed but refused while an unexpired write lease is outstanding.
func (m *Manager) GetChunkReadLease(chunkID types.ChunkID, holder string) (types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.leases[chunkID]; ok && existing.Type == types.LeaseWrite && !existing.Expired(now) {
		return types.Lease{}, types.ErrLeaseConflict
	}
	l := types.Lease{ChunkID: chunkID, Type: types.LeaseRead, LeaseID: newLeaseID(), Holder: holder, Expiry: now.Add(common.ReadLeaseDuration)}
	m.leases[chunkID] = &l
	return l, nil
}

// LeaseRenew validates lease-id and identity and extends expiry if unexpired.
func (m *Manager) LeaseRenew(chunkID types.ChunkID, leaseID, holder string) (types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[chunkID]
	if !ok || l.LeaseID != leaseID || l.Holder != holder {
		return types.Lease{}, types.StatusLeaseExpired.Err()
	}
	now := time.Now()
	if l.Expired(now) {
		return types.Lease{}, types.StatusLeaseExpired.Err()
	}
	if l.Type == types.LeaseWrite {
		l.Expiry = now.Add(common.WriteLeaseDuration)
	} else {
		l.Expiry = now.Add(common.ReadLeaseDuration)
	}
	return *l, nil
}

// LeaseCleanup scans for and releases expired leases.
func (m *Manager) LeaseCleanup() []types.ChunkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var released []types.ChunkID
	for chunkID, l := range m.leases {
		if l.Expired(now) {
			delete(m.leases, chunkID)
			released = append(released, chunkID)
		}
	}
	return released
}

// NeedReplication drains and returns the set of chunks queued for replication.
func (m *Manager) NeedReplication() []types.ChunkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ChunkID, 0, len(m.needReplication))
	for id := range m.needReplication {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	m.needReplication = make(map[types.ChunkID]struct{})
	return out
}

// OverReplicated drains and returns the over-replication queue.
func (m *Manager) OverReplicated() []types.ChunkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ChunkID, 0, len(m.overReplicated))
	for id := range m.overReplicated {
		out = append(out, id)
	}
	m.overReplicated = make(map[types.ChunkID]struct{})
	return out
}

// PickReplicationSource picks a source (a current holder) and a fresh
// destination (not currently hosting chunkID) for a REPLICATE RPC.
func (m *Manager) PickReplicationSource(chunkID types.ChunkID) (from, to types.Addr, err error) {
	m.mu.Lock()
	set := m.chunkServer[chunkID]
	owners := make([]types.Addr, 0, len(set))
	for addr := range set {
		owners = append(owners, addr)
	}
	m.mu.Unlock()
	if len(owners) == 0 {
		return "", "", types.ErrNoCandidateServers
	}

	var notOwned []types.Addr
	for _, s := range m.registry.All() {
		if _, owned := set[s.Addr]; !owned {
			notOwned = append(notOwned, s.Addr)
		}
	}
	if len(notOwned) == 0 {
		return "", "", types.ErrNoCandidateServers
	}
	return owners[rand.Intn(len(owners))], notOwned[rand.Intn(len(notOwned))], nil
}

// ChunkReplicationDone updates the mapping on a successful REPLICATE, or
// re-enqueues the chunk on failure.
func (m *Manager) ChunkReplicationDone(chunkID types.ChunkID, to types.Addr, ok bool) {
	if !ok {
		m.mu.Lock()
		m.needReplication[chunkID] = struct{}{}
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, exists := m.chunkServer[chunkID]
	if !exists {
		set = make(map[types.Addr]struct{})
		m.chunkServer[chunkID] = set
	}
	set[to] = struct{}{}
}

// Dump appends chunk records of an unlinked or truncated file to the
// dumpster for asynchronous deletion on their hosting servers.
func (m *Manager) Dump(chunks ...types.ChunkInfo) {
	if len(chunks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumpster = append(m.dumpster, chunks...)
}

// DrainDumpster removes and returns everything currently awaiting cleanup;
// the caller issues the DELETE RPCs and calls Redump for any chunk whose
// servers could not be reached.
func (m *Manager) DrainDumpster() []types.ChunkInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.dumpster
	m.dumpster = nil
	return out
}

// Redump returns a chunk to the dumpster after a failed cleanup attempt.
func (m *Manager) Redump(ci types.ChunkInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumpster = append(m.dumpster, ci)
}

// newLeaseID mints a globally unique lease identifier.
func newLeaseID() string {
	return uuid.NewString()
}

// Move is one step of a rebalance plan: relocate chunkID from From to To.
type Move struct {
	ChunkID types.ChunkID
	From    types.Addr
	To      types.Addr
}

// RebalancePlan computes a sequence of chunk moves that brings every
// server's used-space ratio within deviation of the cluster average,
// without ever dropping a chunk below minReplicas replicas at an
// intermediate step. It is read-only: it neither mutates the live
// chunk-to-server map nor dispatches RPCs — the offline tool in
// cmd/metarebalance applies the returned moves itself.
func (m *Manager) RebalancePlan(deviation float64, minReplicas int) []Move {
	m.mu.Lock()
	servers := m.registry.All()
	chunkServer := make(map[types.ChunkID][]types.Addr, len(m.chunkServer))
	for id, set := range m.chunkServer {
		for addr := range set {
			chunkServer[id] = append(chunkServer[id], addr)
		}
	}
	m.mu.Unlock()

	if len(servers) == 0 {
		return nil
	}

	used := make(map[types.Addr]int64, len(servers))
	total := make(map[types.Addr]int64, len(servers))
	var totalUsed, totalCap int64
	for _, s := range servers {
		used[s.Addr] = s.UsedSpace
		total[s.Addr] = s.TotalSpace
		totalUsed += s.UsedSpace
		totalCap += s.TotalSpace
	}
	if totalCap == 0 {
		return nil
	}
	avgRatio := float64(totalUsed) / float64(totalCap)

	ratio := func(addr types.Addr) float64 {
		if total[addr] <= 0 {
			return 1
		}
		return float64(used[addr]) / float64(total[addr])
	}

	chunkIDs := make([]types.ChunkID, 0, len(chunkServer))
	for id := range chunkServer {
		chunkIDs = append(chunkIDs, id)
	}
	sort.Slice(chunkIDs, func(i, j int) bool { return chunkIDs[i] < chunkIDs[j] })

	var moves []Move
	for _, chunkID := range chunkIDs {
		owners := chunkServer[chunkID]
		if len(owners) <= minReplicas {
			continue
		}
		sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
		for _, from := range owners {
			if ratio(from)-avgRatio <= deviation {
				continue
			}
			var to types.Addr
			best := -1.0
			owned := make(map[types.Addr]struct{}, len(owners))
			for _, o := range owners {
				owned[o] = struct{}{}
			}
			for _, s := range servers {
				if _, already := owned[s.Addr]; already {
					continue
				}
				if avgRatio-ratio(s.Addr) <= deviation {
					continue
				}
				if best < 0 || ratio(s.Addr) < best {
					best = ratio(s.Addr)
					to = s.Addr
				}
			}
			if to == "" {
				continue
			}
			moves = append(moves, Move{ChunkID: chunkID, From: from, To: to})

			size := used[from] / int64(max1(len(owners)))
			used[from] -= size
			used[to] += size
		}
	}
	return moves
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
