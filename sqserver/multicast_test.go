package sqserver

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"squall/sqsst"
)

type deliveredMsg struct {
	subgroup int
	seq      int64
	sender   uint32
	payload  string
}

type engineNode struct {
	id     uint32
	view   *View
	table  *sqsst.Table
	engine *MulticastEngine

	mu  sync.Mutex
	got []deliveredMsg
}

func (n *engineNode) delivered() []deliveredMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]deliveredMsg(nil), n.got...)
}

func oneShardTypes(n int, mode Mode, sendersOnly int) []SubgroupType {
	return []SubgroupType{{
		Tag:    "kv",
		Shards: []ShardPolicy{{MinNodes: n, MaxNodes: n, Mode: mode, SendersOnly: sendersOnly}},
	}}
}

func startEngineCluster(t *testing.T, types []SubgroupType, n int, params EngineParams) []*engineNode {
	fabricHub := sqsst.NewMemHub()
	blockHub := NewBlockHub()
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}

	nodes := make([]*engineNode, n)
	for i := range nodes {
		v := testView(0, i, ids...)
		require.NoError(t, ComputeLayout(v, types))
		_, senderSlots := senderSlotBases(v)
		layout := sqsst.Layout{
			NumMembers:     n,
			NumSubgroups:   len(types),
			NumSenderSlots: senderSlots,
			ChangesCap:     8,
			WindowSize:     params.WindowSize,
			SlotSize:       params.InlineThreshold,
		}
		node := &engineNode{id: ids[i], view: v}
		node.table = sqsst.NewTable(layout, ids, i, fabricHub.NewFabric(ids[i]))
		block := blockHub.NewTransport(ids[i], map[int][]uint32{0: ids})
		node.engine = NewMulticastEngine(v, node.table, block, params,
			func(subgroup int, seq int64, sender uint32, payload []byte) {
				node.mu.Lock()
				node.got = append(node.got, deliveredMsg{subgroup, seq, sender, string(payload)})
				node.mu.Unlock()
			})
		require.NoError(t, block.Start(node.engine.OnBlock))
		require.NoError(t, node.table.Start())
		node.engine.Start()
		t.Cleanup(func() {
			node.engine.Stop()
			block.Close()
			node.table.Stop()
		})
		nodes[i] = node
	}
	return nodes
}

func defaultEngineParams() EngineParams {
	return EngineParams{WindowSize: 4, MaxPayload: 1 << 20, InlineThreshold: 256}
}

func TestOrderedDeliveryRoundRobin(t *testing.T) {
	nodes := startEngineCluster(t, oneShardTypes(3, ModeOrdered, 0), 3, defaultEngineParams())

	require.NoError(t, nodes[0].engine.Send(0, []byte("a0")))
	require.NoError(t, nodes[1].engine.Send(0, []byte("b0")))
	require.NoError(t, nodes[2].engine.Send(0, []byte("c0")))
	require.NoError(t, nodes[0].engine.Send(0, []byte("a1")))

	want := []deliveredMsg{
		{0, 0, 1, "a0"},
		{0, 1, 2, "b0"},
		{0, 2, 3, "c0"},
		{0, 3, 1, "a1"},
	}
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			return len(n.delivered()) == len(want)
		}, 3*time.Second, time.Millisecond)
		require.Equal(t, want, n.delivered())
	}

	counts := nodes[1].engine.DeliveredCount(0)
	require.Equal(t, []int64{2, 1, 1}, counts)
	require.Nil(t, nodes[1].engine.DeliveredCount(9))
}

func TestLargePayloadsTakeBlockPath(t *testing.T) {
	params := defaultEngineParams()
	params.InlineThreshold = 8
	nodes := startEngineCluster(t, oneShardTypes(2, ModeOrdered, 0), 2, params)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, nodes[0].engine.Send(0, big))
	require.NoError(t, nodes[1].engine.Send(0, []byte("tiny")))

	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			return len(n.delivered()) == 2
		}, 3*time.Second, time.Millisecond)
		got := n.delivered()
		require.Equal(t, string(big), got[0].payload)
		require.Equal(t, uint32(1), got[0].sender)
		require.Equal(t, "tiny", got[1].payload)
	}
}

func TestSendRejections(t *testing.T) {
	nodes := startEngineCluster(t, oneShardTypes(2, ModeOrdered, 1), 2, defaultEngineParams())

	// Only the first shard member is a sender.
	err := nodes[1].engine.Send(0, []byte("nope"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSubgroupNotMember))

	err = nodes[0].engine.Send(7, []byte("nope"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSubgroupNotMember))

	huge := make([]byte, defaultEngineParams().MaxPayload+1)
	err = nodes[0].engine.Send(0, huge)
	require.Error(t, err)
}

func TestSendFailsOnceWedged(t *testing.T) {
	nodes := startEngineCluster(t, oneShardTypes(2, ModeOrdered, 0), 2, defaultEngineParams())

	require.False(t, nodes[0].engine.Wedged())
	nodes[0].engine.Wedge()
	require.True(t, nodes[0].engine.Wedged())

	err := nodes[0].engine.Send(0, []byte("late"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrWedged))

	// The wedged flag reaches every replica.
	require.Eventually(t, func() bool {
		wedged := false
		nodes[1].table.Scan(func(rows []sqsst.Row) {
			wedged = rows[0].Wedged
		})
		return wedged
	}, time.Second, time.Millisecond)
}

func TestRaggedEdgeDeliversNoDuplicates(t *testing.T) {
	nodes := startEngineCluster(t, oneShardTypes(2, ModeOrdered, 0), 2, defaultEngineParams())

	require.NoError(t, nodes[0].engine.Send(0, []byte("m0")))
	require.NoError(t, nodes[1].engine.Send(0, []byte("m1")))
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			return len(n.delivered()) == 2
		}, 3*time.Second, time.Millisecond)
	}

	for _, n := range nodes {
		n.engine.Wedge()
	}
	// Every survivor received one message per sender; the cleanup pass must
	// find nothing left to deliver.
	for _, n := range nodes {
		n.engine.DeliverRaggedEdge(0, []int32{1, 1})
		require.Len(t, n.delivered(), 2)
	}
}

func TestRawModeBypassesSequencing(t *testing.T) {
	nodes := startEngineCluster(t, oneShardTypes(2, ModeRaw, 0), 2, defaultEngineParams())

	require.NoError(t, nodes[0].engine.Send(0, []byte("raw")))
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			got := n.delivered()
			return len(got) == 1 && got[0].payload == "raw"
		}, time.Second, time.Millisecond)
	}
}

func TestUpdatePersistedPublishes(t *testing.T) {
	nodes := startEngineCluster(t, oneShardTypes(2, ModeOrdered, 0), 2, defaultEngineParams())

	nodes[0].engine.UpdatePersisted(0, 5)
	require.Eventually(t, func() bool {
		var got int64
		nodes[1].table.Scan(func(rows []sqsst.Row) {
			got = rows[0].PersistedNum[0]
		})
		return got == 5
	}, time.Second, time.Millisecond)

	// Unknown subgroups are ignored.
	nodes[0].engine.UpdatePersisted(3, 9)
}

func TestManySendersManyMessages(t *testing.T) {
	const n = 3
	const perSender = 10
	nodes := startEngineCluster(t, oneShardTypes(n, ModeOrdered, 0), n, defaultEngineParams())

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node *engineNode) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := node.engine.Send(0, []byte(fmt.Sprintf("%v-%v", i, j))); err != nil {
					t.Error(err)
					return
				}
			}
		}(i, node)
	}
	wg.Wait()

	total := n * perSender
	for _, node := range nodes {
		node := node
		require.Eventually(t, func() bool {
			return len(node.delivered()) == total
		}, 5*time.Second, time.Millisecond)
	}

	// Identical delivery order everywhere, and per-sender FIFO.
	first := nodes[0].delivered()
	for _, node := range nodes[1:] {
		require.Equal(t, first, node.delivered())
	}
	next := make(map[uint32]int)
	for _, d := range first {
		require.Equal(t, fmt.Sprintf("%v-%v", d.sender-1, next[d.sender]), d.payload)
		next[d.sender]++
	}
}
