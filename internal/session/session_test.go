package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gfsmeta/internal/common"
	"gfsmeta/internal/types"
)

func TestHelloActivatesAndReportsReconnect(t *testing.T) {
	r := NewRegistry()

	s, reconnect := r.Hello(types.HelloReport{Server: "cs1:7000", TotalSpace: 100, UsedSpace: 10})
	require.False(t, reconnect)
	require.Equal(t, Active, s.State)
	require.InDelta(t, 0.1, s.UsedRatio(), 1e-9)

	_, reconnect = r.Hello(types.HelloReport{Server: "cs1:7000", TotalSpace: 100, UsedSpace: 20})
	require.True(t, reconnect)

	infos := r.All()
	require.Len(t, infos, 1)
	require.Equal(t, int64(20), infos[0].UsedSpace)
}

func TestMissedHeartbeatsEvictAtThreshold(t *testing.T) {
	r := NewRegistry()
	r.Hello(types.HelloReport{Server: "cs1:7000"})

	for i := 0; i < common.MissedHeartbeatLimit-1; i++ {
		require.False(t, r.MissHeartbeat("cs1:7000"))
	}
	require.True(t, r.MissHeartbeat("cs1:7000"))

	_, ok := r.Get("cs1:7000")
	require.False(t, ok)

	// A successful reply resets the miss count.
	r.Hello(types.HelloReport{Server: "cs2:7000"})
	require.False(t, r.MissHeartbeat("cs2:7000"))
	r.Heartbeat("cs2:7000", 2*time.Millisecond)
	for i := 0; i < common.MissedHeartbeatLimit-1; i++ {
		require.False(t, r.MissHeartbeat("cs2:7000"))
	}
}

func TestOutboundQueueMatchesRepliesBySeq(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Hello(types.HelloReport{Server: "cs1:7000"})

	a := s.Enqueue("ALLOCATE", types.AllocateCmd{ChunkID: 1, Version: 1})
	b := s.Enqueue("DELETE", types.DeleteCmd{ChunkID: 2})
	require.Equal(t, int64(1), a.Seq)
	require.Equal(t, int64(2), b.Seq)

	got, ok := s.Ack(b.Seq)
	require.True(t, ok)
	require.Equal(t, "DELETE", got.Verb)

	_, ok = s.Ack(b.Seq)
	require.False(t, ok)

	got, ok = s.Ack(a.Seq)
	require.True(t, ok)
	require.Equal(t, "ALLOCATE", got.Verb)
}
