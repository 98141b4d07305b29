package sqserver

import (
	"github.com/pkg/errors"
)

// ShardPolicy declares the default allocator's constraints for one shard:
// between MinNodes and MaxNodes members, all of them senders unless
// SendersOnly limits multicasting to the first SendersOnly members.
type ShardPolicy struct {
	MinNodes    int
	MaxNodes    int
	Mode        Mode
	SendersOnly int // 0 means every member is a sender
}

// SubgroupType registers one replicated type with the layout function.
// Exactly one of Custom or Shards drives the slicing: Custom is the
// explicit-callback policy, Shards the declarative default allocator.
type SubgroupType struct {
	Tag     string
	Factory ObjectFactory
	Custom  func(v *View) ([]SubView, error)
	Shards  []ShardPolicy
}

// ComputeLayout is the pure function from a view and the registered types to
// the per-subgroup shard membership. Every member computes it independently
// and must arrive at an identical result; it consumes members strictly in
// rank order from the view's allocator cursor. On failure the candidate view
// is abandoned and the old view stays in place.
func ComputeLayout(v *View, types []SubgroupType) error {
	v.SubgroupShardViews = make([][]SubView, len(types))
	v.MySubgroups = make(map[int]int)
	v.NextUnassignedRank = 0

	for sg, typ := range types {
		var shards []SubView
		var err error
		if typ.Custom != nil {
			shards, err = typ.Custom(v)
		} else {
			shards, err = defaultAllocator(v, typ.Shards)
		}
		if err != nil {
			return errors.Wrapf(err, "layout of subgroup %v (%v)", sg, typ.Tag)
		}
		for shard := range shards {
			sv := &shards[shard]
			sv.MyRank = -1
			if v.MyRank >= 0 {
				sv.MyRank = sv.RankOf(v.Members[v.MyRank])
				if sv.MyRank >= 0 {
					v.MySubgroups[sg] = shard
				}
			}
		}
		v.SubgroupShardViews[sg] = shards
	}
	return nil
}

// defaultAllocator slices the view into shards from the allocator cursor.
// Failed members are skipped; a shard that cannot reach MinNodes makes the
// whole candidate view inadequately provisioned.
func defaultAllocator(v *View, policies []ShardPolicy) ([]SubView, error) {
	shards := make([]SubView, 0, len(policies))
	for _, pol := range policies {
		var picked []uint32
		for v.NextUnassignedRank < len(v.Members) && len(picked) < pol.MaxNodes {
			rank := v.NextUnassignedRank
			v.NextUnassignedRank++
			if v.Failed[rank] {
				continue
			}
			picked = append(picked, v.Members[rank])
		}
		if len(picked) < pol.MinNodes {
			return nil, errors.Wrapf(ErrInadequatelyProvisioned,
				"shard wants >= %v nodes, view %v has %v unassigned", pol.MinNodes, v.Vid, len(picked))
		}
		var isSender []bool
		if pol.SendersOnly > 0 {
			isSender = make([]bool, len(picked))
			for i := 0; i < pol.SendersOnly && i < len(picked); i++ {
				isSender[i] = true
			}
		}
		sv, err := v.MakeSubView(pol.Mode, picked, isSender)
		if err != nil {
			return nil, err
		}
		shards = append(shards, sv)
	}
	return shards, nil
}

// senderSlotBases computes, per (subgroup, shard), the base index of that
// shard's sender slots inside the SST per-sender vectors, plus the total slot
// count. The slot layout must be identical at every member, so it is derived
// from the computed shard views alone.
func senderSlotBases(v *View) ([][]int, int) {
	bases := make([][]int, len(v.SubgroupShardViews))
	total := 0
	for sg := range v.SubgroupShardViews {
		bases[sg] = make([]int, len(v.SubgroupShardViews[sg]))
		for shard := range v.SubgroupShardViews[sg] {
			bases[sg][shard] = total
			total += v.SubgroupShardViews[sg][shard].NumSenders()
		}
	}
	return bases, total
}
