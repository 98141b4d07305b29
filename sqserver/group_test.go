package sqserver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"squall/sqsst"
)

func groupNode(id uint32) Node {
	return Node{
		ID:           id,
		Addr:         "127.0.0.1",
		GMSPort:      uint16(21000 + id),
		RDMCPort:     uint16(21100 + id),
		SSTPort:      uint16(21200 + id),
		ExternalPort: uint16(21300 + id),
	}
}

func newTestGroup(t *testing.T, self Node) *Group {
	types := []SubgroupType{{
		Tag:     "log",
		Factory: newLogObject,
		Shards:  []ShardPolicy{{MinNodes: 1, MaxNodes: 8, Mode: ModeOrdered}},
	}}
	params := GroupParams{
		Manager: ManagerParams{
			Engine:           EngineParams{WindowSize: 4, MaxPayload: 1 << 20, InlineThreshold: 256},
			ChangesCapacity:  8,
			HeartbeatTimeout: 5 * time.Second,
		},
	}
	fabricFor := func(v *View) sqsst.Fabric {
		peers := make(map[uint32]string)
		for rank, id := range v.Members {
			peers[id] = v.Nodes[rank].SSTAddr()
		}
		return sqsst.NewTCPFabric(self.ID, self.SSTAddr(), peers)
	}
	blockFor := func(v *View) BlockTransport {
		return NewTCPBlockTransport(self, v)
	}
	g := NewGroup(self, types, params, fabricFor, blockFor, nil)
	g.RegisterHandler("log", fnAppend, func(obj ReplicatedObject, ctx *CallContext, args []byte) ([]byte, error) {
		o := obj.(*logObject)
		o.mu.Lock()
		o.entries = append(o.entries, string(args))
		o.mu.Unlock()
		return nil, nil
	})
	g.RegisterHandler("log", fnRead, func(obj ReplicatedObject, ctx *CallContext, args []byte) ([]byte, error) {
		o := obj.(*logObject)
		o.mu.Lock()
		defer o.mu.Unlock()
		if len(o.entries) == 0 {
			return nil, nil
		}
		return []byte(o.entries[len(o.entries)-1]), nil
	})
	t.Cleanup(g.Stop)
	return g
}

func entriesOf(g *Group) []string {
	obj := g.Object(0)
	if obj == nil {
		return nil
	}
	return obj.(*logObject).snapshot()
}

func TestGroupCreateSendAndJoin(t *testing.T) {
	founders := []Node{groupNode(1), groupNode(2)}
	g1 := newTestGroup(t, founders[0])
	g2 := newTestGroup(t, founders[1])
	require.NoError(t, g1.Create(founders))
	require.NoError(t, g2.Create(founders))

	require.NoError(t, g1.OrderedSend(nil, 0, fnAppend, []byte("alpha")))
	for _, g := range []*Group{g1, g2} {
		g := g
		require.Eventually(t, func() bool {
			e := entriesOf(g)
			return len(e) == 1 && e[0] == "alpha"
		}, 10*time.Second, 5*time.Millisecond)
	}

	// Point-to-point read against the other member.
	p, err := g1.P2PQuery(nil, 2, 0, fnRead, nil)
	require.NoError(t, err)
	r := p.Get()
	require.NoError(t, r.Err)
	require.Equal(t, []byte("alpha"), r.Body)

	_, err = g1.P2PQuery(nil, 9, 0, fnRead, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNodeRemoved))

	// A third member joins through the non-leader, which redirects it to the
	// leader. State transfer hands it the log built so far.
	g3 := newTestGroup(t, groupNode(3))
	require.NoError(t, g3.Join(founders[1]))
	require.Equal(t, 3, g3.CurrentView().NumMembers())
	require.Equal(t, []string{"alpha"}, entriesOf(g3))

	for _, g := range []*Group{g1, g2} {
		g := g
		require.Eventually(t, func() bool {
			return g.CurrentView().NumMembers() == 3
		}, 10*time.Second, 5*time.Millisecond)
	}

	// The joiner is a full member: its ordered sends reach everyone.
	require.NoError(t, g3.OrderedSend(nil, 0, fnAppend, []byte("beta")))
	for _, g := range []*Group{g1, g2, g3} {
		g := g
		require.Eventually(t, func() bool {
			e := entriesOf(g)
			return len(e) == 2 && e[1] == "beta"
		}, 10*time.Second, 5*time.Millisecond)
	}
}

func TestCallsRefusedInsideHandlers(t *testing.T) {
	ctx := &CallContext{InHandler: true}
	g := &Group{pending: newPendingSet(), rpcWin: newWindow(1), p2pWin: newWindow(1)}

	err := g.OrderedSend(ctx, 0, fnAppend, nil)
	require.Error(t, err)

	_, err = g.P2PQuery(ctx, 2, 0, fnRead, nil)
	require.Error(t, err)
}
