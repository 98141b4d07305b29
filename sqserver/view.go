package sqserver

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pkg/errors"
)

// SubView is the membership of one shard of one subgroup. Members keep their
// view-relative identity through the parallel Nodes slice; IsSender marks
// which members may multicast in this shard.
type SubView struct {
	Mode     Mode
	Members  []uint32
	IsSender []bool
	Nodes    []Node
	// MyRank is the local node's index in Members, -1 if not a member.
	// Never serialized; every receiver recomputes it.
	MyRank int
}

func NewSubView(mode Mode, members []uint32, isSender []bool, nodes []Node) SubView {
	if isSender == nil {
		isSender = make([]bool, len(members))
		for i := range isSender {
			isSender[i] = true
		}
	}
	return SubView{
		Mode:     mode,
		Members:  members,
		IsSender: isSender,
		Nodes:    nodes,
		MyRank:   -1,
	}
}

func (sv *SubView) RankOf(who uint32) int {
	for rank, id := range sv.Members {
		if id == who {
			return rank
		}
	}
	return -1
}

// SenderRankOf maps a shard rank to its dense sender rank, -1 if the member
// is not a sender.
func (sv *SubView) SenderRankOf(rank int) int {
	if !sv.IsSender[rank] {
		return -1
	}
	num := 0
	for i := 0; i < rank; i++ {
		if sv.IsSender[i] {
			num++
		}
	}
	return num
}

func (sv *SubView) NumSenders() int {
	num := 0
	for _, s := range sv.IsSender {
		if s {
			num++
		}
	}
	return num
}

// View is one agreed-upon, numbered snapshot of the membership with its
// derived subgroup/shard structure. Rank is identity within a view.
type View struct {
	Vid       int32
	Members   []uint32
	Nodes     []Node // parallel to Members
	Failed    []bool
	NumFailed int
	Joined    []uint32
	Departed  []uint32

	// MyRank is overwritten by the receiver after deserializing.
	MyRank int
	// NextUnassignedRank is the layout allocator cursor. Never serialized;
	// each node re-runs the allocation functions independently.
	NextUnassignedRank int

	SubgroupTypeOrder  []string
	SubgroupShardViews [][]SubView // outer: subgroup id, inner: shard index
	MySubgroups        map[int]int // subgroup id -> shard index for this node

	rankOfID map[uint32]int
}

func NewView(vid int32, members []uint32, nodes []Node, failed []bool,
	joined, departed []uint32, myRank int, typeOrder []string) *View {
	v := &View{
		Vid:               vid,
		Members:           members,
		Nodes:             nodes,
		Failed:            failed,
		Joined:            joined,
		Departed:          departed,
		MyRank:            myRank,
		SubgroupTypeOrder: typeOrder,
		MySubgroups:       make(map[int]int),
	}
	if v.Failed == nil {
		v.Failed = make([]bool, len(members))
	}
	for _, f := range v.Failed {
		if f {
			v.NumFailed++
		}
	}
	v.rebuildRankIndex()
	return v
}

func (v *View) rebuildRankIndex() {
	v.rankOfID = make(map[uint32]int, len(v.Members))
	for rank, id := range v.Members {
		v.rankOfID[id] = rank
	}
}

func (v *View) NumMembers() int {
	return len(v.Members)
}

func (v *View) RankOf(who uint32) int {
	if rank, ok := v.rankOfID[who]; ok {
		return rank
	}
	return -1
}

// LeaderRank is the rank of the lowest-ranked non-failed member.
func (v *View) LeaderRank() int {
	for r := 0; r < len(v.Members); r++ {
		if !v.Failed[r] {
			return r
		}
	}
	return -1
}

func (v *View) IAmLeader() bool {
	return v.LeaderRank() == v.MyRank
}

// AdequatelyProvisioned reports whether the view can still make progress:
// at most half of the members (rounded down) may be failed.
func (v *View) AdequatelyProvisioned() bool {
	return v.NumFailed <= len(v.Members)/2
}

// MakeSubView slices this view into a shard over the given members. All ids
// must be members of the view.
func (v *View) MakeSubView(mode Mode, withMembers []uint32, isSender []bool) (SubView, error) {
	nodes := make([]Node, len(withMembers))
	for i, id := range withMembers {
		rank := v.RankOf(id)
		if rank < 0 {
			return SubView{}, errors.Wrapf(ErrInadequatelyProvisioned, "node %v not in view %v", id, v.Vid)
		}
		nodes[i] = v.Nodes[rank]
	}
	return NewSubView(mode, withMembers, isSender, nodes), nil
}

// ShardLeaderRank is the shard rank of the lowest-ranked non-failed member
// of the shard, -1 if all failed.
func (v *View) ShardLeaderRank(subgroup, shard int) int {
	if subgroup >= len(v.SubgroupShardViews) || shard >= len(v.SubgroupShardViews[subgroup]) {
		return -1
	}
	sv := &v.SubgroupShardViews[subgroup][shard]
	for rank, id := range sv.Members {
		if !v.Failed[v.RankOf(id)] {
			return rank
		}
	}
	return -1
}

// ChangeEntry is one decoded slot of the SST change log. A node id already
// in the view is a departure; otherwise it is a join and Joiner carries the
// address recovered from the packed joiner columns.
type ChangeEntry struct {
	NodeID uint32
	Joiner Node
}

// ApplyChanges computes the successor membership: departures removed,
// survivors keep their relative order, joiners appended in log order.
// The result carries fresh Joined/Departed lists and no layout; the caller
// re-runs the layout function.
func (v *View) ApplyChanges(changes []ChangeEntry, myID uint32) *View {
	departedSet := make(map[uint32]bool)
	var joined []uint32
	var departed []uint32
	var joinerNodes []Node
	for _, c := range changes {
		if v.RankOf(c.NodeID) >= 0 {
			if !departedSet[c.NodeID] {
				departedSet[c.NodeID] = true
				departed = append(departed, c.NodeID)
			}
		} else {
			joined = append(joined, c.NodeID)
			joinerNodes = append(joinerNodes, c.Joiner)
		}
	}

	var members []uint32
	var nodes []Node
	for rank, id := range v.Members {
		if departedSet[id] {
			continue
		}
		members = append(members, id)
		nodes = append(nodes, v.Nodes[rank])
	}
	members = append(members, joined...)
	nodes = append(nodes, joinerNodes...)

	myRank := -1
	for rank, id := range members {
		if id == myID {
			myRank = rank
		}
	}

	next := NewView(v.Vid+1, members, nodes, nil, joined, departed, myRank, v.SubgroupTypeOrder)
	return next
}

// viewWire is the serialized form of a View. MyRank, NextUnassignedRank and
// the computed layout are deliberately absent.
type viewWire struct {
	Vid       int32
	Members   []uint32
	Nodes     []Node
	Failed    []bool
	Joined    []uint32
	Departed  []uint32
	TypeOrder []string
}

// Encode serializes the view for the join handshake and state transfer.
func (v *View) Encode() ([]byte, error) {
	w := viewWire{
		Vid:       v.Vid,
		Members:   v.Members,
		Nodes:     v.Nodes,
		Failed:    v.Failed,
		Joined:    v.Joined,
		Departed:  v.Departed,
		TypeOrder: v.SubgroupTypeOrder,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, errors.Wrap(err, "encode view")
	}
	return buf.Bytes(), nil
}

// DecodeView deserializes a view and recomputes the receiver-local fields.
func DecodeView(data []byte, myID uint32) (*View, error) {
	var w viewWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, errors.Wrap(err, "decode view")
	}
	myRank := -1
	for rank, id := range w.Members {
		if id == myID {
			myRank = rank
		}
	}
	return NewView(w.Vid, w.Members, w.Nodes, w.Failed, w.Joined, w.Departed, myRank, w.TypeOrder), nil
}

func (v *View) DebugString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "View %v: MyRank=%v. Members={ ", v.Vid, v.MyRank)
	for _, m := range v.Members {
		fmt.Fprintf(&buf, "%v  ", m)
	}
	fmt.Fprintf(&buf, "}, Failed={ ")
	for _, f := range v.Failed {
		if f {
			buf.WriteString("T ")
		} else {
			buf.WriteString("F ")
		}
	}
	fmt.Fprintf(&buf, "}, num_failed=%v, Departed: %v, Joined: %v\n", v.NumFailed, v.Departed, v.Joined)
	for sg := range v.SubgroupShardViews {
		for shard := range v.SubgroupShardViews[sg] {
			sv := &v.SubgroupShardViews[sg][shard]
			fmt.Fprintf(&buf, "Shard (%v, %v): Members=%v, is_sender=%v.  ", sg, shard, sv.Members, sv.IsSender)
		}
	}
	return buf.String()
}
