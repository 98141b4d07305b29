package sqserver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func twoShardTypes() []SubgroupType {
	return []SubgroupType{
		{
			Tag: "kv",
			Shards: []ShardPolicy{
				{MinNodes: 1, MaxNodes: 2, Mode: ModeOrdered},
				{MinNodes: 1, MaxNodes: 2, Mode: ModeOrdered},
			},
		},
	}
}

func TestLayoutConsumesRanksInOrder(t *testing.T) {
	v := testView(0, 0, 1, 2, 3, 4)
	require.NoError(t, ComputeLayout(v, twoShardTypes()))

	shards := v.SubgroupShardViews[0]
	require.Len(t, shards, 2)
	require.Equal(t, []uint32{1, 2}, shards[0].Members)
	require.Equal(t, []uint32{3, 4}, shards[1].Members)
	require.Equal(t, map[int]int{0: 0}, v.MySubgroups)
	require.Equal(t, 0, shards[0].MyRank)
	require.Equal(t, -1, shards[1].MyRank)
}

func TestLayoutIdenticalAcrossMembers(t *testing.T) {
	ids := []uint32{1, 2, 3, 4}
	var first [][]SubView
	for myRank := range ids {
		v := testView(0, myRank, ids...)
		require.NoError(t, ComputeLayout(v, twoShardTypes()))
		if myRank == 0 {
			first = v.SubgroupShardViews
			continue
		}
		for sg := range first {
			for shard := range first[sg] {
				require.Equal(t, first[sg][shard].Members, v.SubgroupShardViews[sg][shard].Members)
				require.Equal(t, first[sg][shard].IsSender, v.SubgroupShardViews[sg][shard].IsSender)
			}
		}
	}
}

func TestLayoutSkipsFailedMembers(t *testing.T) {
	v := testView(0, 0, 1, 2, 3, 4)
	v.Failed[1] = true
	v.NumFailed = 1
	require.NoError(t, ComputeLayout(v, twoShardTypes()))

	shards := v.SubgroupShardViews[0]
	require.Equal(t, []uint32{1, 3}, shards[0].Members)
	require.Equal(t, []uint32{4}, shards[1].Members)
}

func TestLayoutInadequatelyProvisioned(t *testing.T) {
	types := []SubgroupType{{
		Tag:    "kv",
		Shards: []ShardPolicy{{MinNodes: 3, MaxNodes: 3, Mode: ModeOrdered}},
	}}
	v := testView(0, 0, 1, 2)
	err := ComputeLayout(v, types)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInadequatelyProvisioned))
}

func TestLayoutSendersOnly(t *testing.T) {
	types := []SubgroupType{{
		Tag:    "kv",
		Shards: []ShardPolicy{{MinNodes: 3, MaxNodes: 3, Mode: ModeOrdered, SendersOnly: 1}},
	}}
	v := testView(0, 0, 1, 2, 3)
	require.NoError(t, ComputeLayout(v, types))

	sv := v.SubgroupShardViews[0][0]
	require.Equal(t, []bool{true, false, false}, sv.IsSender)
	require.Equal(t, 1, sv.NumSenders())
}

func TestLayoutCustomAllocator(t *testing.T) {
	types := []SubgroupType{{
		Tag: "kv",
		Custom: func(v *View) ([]SubView, error) {
			sv, err := v.MakeSubView(ModeOrdered, v.Members, nil)
			if err != nil {
				return nil, err
			}
			return []SubView{sv}, nil
		},
	}}
	v := testView(0, 1, 1, 2, 3)
	require.NoError(t, ComputeLayout(v, types))
	require.Equal(t, []uint32{1, 2, 3}, v.SubgroupShardViews[0][0].Members)
	require.Equal(t, 1, v.SubgroupShardViews[0][0].MyRank)
}

func TestShardLeaderRankSkipsFailed(t *testing.T) {
	v := testView(0, 0, 1, 2, 3, 4)
	require.NoError(t, ComputeLayout(v, twoShardTypes()))
	require.Equal(t, 0, v.ShardLeaderRank(0, 0))

	v.Failed[0] = true
	v.NumFailed = 1
	require.Equal(t, 1, v.ShardLeaderRank(0, 0))
	require.Equal(t, -1, v.ShardLeaderRank(5, 0))
}

func TestSenderSlotBases(t *testing.T) {
	types := []SubgroupType{
		{Tag: "a", Shards: []ShardPolicy{{MinNodes: 2, MaxNodes: 2, Mode: ModeOrdered}}},
		{Tag: "b", Shards: []ShardPolicy{{MinNodes: 2, MaxNodes: 2, Mode: ModeOrdered, SendersOnly: 1}}},
	}
	v := testView(0, 0, 1, 2, 3, 4)
	require.NoError(t, ComputeLayout(v, types))

	bases, total := senderSlotBases(v)
	require.Equal(t, 0, bases[0][0])
	require.Equal(t, 2, bases[1][0])
	require.Equal(t, 3, total)
}
