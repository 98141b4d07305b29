package sqserver

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"squall/sqlogger"
	"squall/sqsst"
)

// ChangeState is the per-view position in the membership protocol.
type ChangeState int

const (
	StateActive ChangeState = iota
	StateProposing
	StateCommitted
	StateWedging
	StateCleaning
	StateInstalled
)

var changeStateNames = [...]string{
	"ACTIVE", "PROPOSING", "COMMITTED", "WEDGING", "CLEANING", "INSTALLED",
}

func (s ChangeState) String() string {
	return changeStateNames[int(s)]
}

// ViewUpcall runs after every successful install. The new view's engine is
// already bound and accepting sends when it runs.
type ViewUpcall func(v *View)

// InstallHook observes an install with the departed node ids; the p2p layer
// uses it to complete calls to removed nodes.
type InstallHook func(next *View, departed []uint32)

// FabricFactory builds the SST fabric endpoint of one view; BlockFactory the
// block-multicast endpoint. Each view gets fresh transports.
type FabricFactory func(v *View) sqsst.Fabric

type BlockFactory func(v *View) BlockTransport

// ManagerParams collects the membership-side knobs next to the engine's.
type ManagerParams struct {
	Engine           EngineParams
	ChangesCapacity  int
	HeartbeatTimeout time.Duration
}

// ChangeLogState is the circular change log and its watermarks as one
// serializable unit, handed to joiners so their first row agrees with the
// survivors'.
type ChangeLogState struct {
	Changes      []uint32
	JoinerIPs    []uint32
	JoinerPorts  []uint16
	NumChanges   int32
	NumCommitted int32
	NumAcked     int32
	NumInstalled int32
}

// ViewManager owns the current view, its SST and its engine, and drives the
// wedge, ragged-edge cleanup, install protocol through SST predicates. It is
// the hub: the engine borrows the SST for exactly one view and never calls
// back in.
type ViewManager struct {
	self      Node
	types     []SubgroupType
	params    ManagerParams
	fabricFor FabricFactory
	blockFor  BlockFactory
	deliver   DeliveryFunc
	upcall    ViewUpcall

	mu      sync.Mutex
	view    *View
	sst     *sqsst.Table
	block   BlockTransport
	engine  *MulticastEngine
	state   ChangeState
	handles []*sqsst.Handle

	pendingJoins  []Node
	raggedDone    map[int]bool
	installedUpTo int32 // NumCommitted value of the last install attempt
	installHooks  []InstallHook

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	debuglog *sqlogger.DebugLogger
}

// NewViewManager builds the hub for one process. Start or StartJoined must be
// called before any other method.
func NewViewManager(self Node, types []SubgroupType, params ManagerParams,
	fabricFor FabricFactory, blockFor BlockFactory,
	deliver DeliveryFunc, upcall ViewUpcall) *ViewManager {
	m := &ViewManager{
		self:      self,
		types:     types,
		params:    params,
		fabricFor: fabricFor,
		blockFor:  blockFor,
		deliver:   deliver,
		upcall:    upcall,
		stop:      make(chan struct{}),
		debuglog:  sqlogger.NewDebugLogger(),
	}
	m.debuglog.SetContext("gms", 0, self.ID)
	return m
}

// AddInstallHook registers an install observer. Must run before Start.
func (m *ViewManager) AddInstallHook(h InstallHook) {
	m.installHooks = append(m.installHooks, h)
}

// Start bootstraps a founding member: the initial view is the configured
// cluster, the change log starts empty.
func (m *ViewManager) Start(initial *View) error {
	return m.StartJoined(initial, ChangeLogState{})
}

// StartJoined brings the process up inside an already-running group: the view
// and the change log state come from the join handshake.
func (m *ViewManager) StartJoined(v *View, log ChangeLogState) error {
	if v.MyRank < 0 {
		return errors.Errorf("node %v is not a member of view %v", m.self.ID, v.Vid)
	}
	if err := ComputeLayout(v, m.types); err != nil {
		return errors.Wrap(err, "initial layout")
	}
	m.mu.Lock()
	if err := m.bindViewLocked(v, nil, &log, 0); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.failureDetectorLoop()
	m.debuglog.InfoViewChange("started in view %v as rank %v", v.Vid, v.MyRank)
	return nil
}

// Stop tears the hub down: engine first, then the SST and transports. The
// mutex is released before the blocking teardown so in-flight predicate
// actions can finish.
func (m *ViewManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.mu.Lock()
	handles := m.handles
	engine := m.engine
	block := m.block
	sst := m.sst
	m.handles = nil
	m.engine = nil
	m.block = nil
	m.sst = nil
	m.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	if engine != nil {
		engine.Stop()
	}
	if block != nil {
		block.Close()
	}
	if sst != nil {
		sst.Stop()
	}
}

// CurrentView returns the installed view. The returned pointer is shared;
// callers treat it as read-only.
func (m *ViewManager) CurrentView() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Engine returns the current view's multicast engine.
func (m *ViewManager) Engine() *MulticastEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// State reports the membership protocol position within the current view.
func (m *ViewManager) State() ChangeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ChangeLog snapshots the local row's change log, for the join handshake.
func (m *ViewManager) ChangeLog() ChangeLogState {
	m.mu.Lock()
	sst := m.sst
	m.mu.Unlock()
	var log ChangeLogState
	sst.Scan(func(rows []sqsst.Row) {
		r := rows[sst.MyRank()]
		log = ChangeLogState{
			Changes:      append([]uint32{}, r.Changes...),
			JoinerIPs:    append([]uint32{}, r.JoinerIPs...),
			JoinerPorts:  append([]uint16{}, r.JoinerPorts...),
			NumChanges:   r.NumChanges,
			NumCommitted: r.NumCommitted,
			NumAcked:     r.NumAcked,
			NumInstalled: r.NumInstalled,
		}
	})
	return log
}

// EnqueueJoin hands a join request to the leader's proposal predicate. On a
// non-leader the request is refused; the joiner retries against the leader.
func (m *ViewManager) EnqueueJoin(joiner Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.view.IAmLeader() {
		return errors.Errorf("node %v is not the leader of view %v", m.self.ID, m.view.Vid)
	}
	if m.view.RankOf(joiner.ID) >= 0 {
		return errors.Errorf("node %v is already a member of view %v", joiner.ID, m.view.Vid)
	}
	for _, p := range m.pendingJoins {
		if p.ID == joiner.ID {
			return nil
		}
	}
	m.pendingJoins = append(m.pendingJoins, joiner)
	m.debuglog.InfoJoin("queued join of node %v (%v)", joiner.ID, joiner.Addr)
	return nil
}

// bindViewLocked wires a new view: SST table, block transport, engine,
// membership predicates. old is nil on startup; installed is the number of
// change-log entries consumed by this install.
func (m *ViewManager) bindViewLocked(v *View, old *sqsst.Table, joinLog *ChangeLogState, installed int) error {
	_, senderSlots := senderSlotBases(v)
	layout := sqsst.Layout{
		NumMembers:     v.NumMembers(),
		NumSubgroups:   len(m.types),
		NumSenderSlots: senderSlots,
		ChangesCap:     m.params.ChangesCapacity,
		WindowSize:     m.params.Engine.WindowSize,
		SlotSize:       m.params.Engine.InlineThreshold,
	}
	fabric := m.fabricFor(v)
	table := sqsst.NewTable(layout, v.Members, v.MyRank, fabric)

	if old != nil {
		table.InitLocalRowFromPrevious(old, installed)
	} else if joinLog != nil && joinLog.Changes != nil {
		table.Mutate(func(local *sqsst.Row) {
			copy(local.Changes, joinLog.Changes)
			copy(local.JoinerIPs, joinLog.JoinerIPs)
			copy(local.JoinerPorts, joinLog.JoinerPorts)
			local.NumChanges = joinLog.NumChanges
			local.NumCommitted = joinLog.NumCommitted
			local.NumAcked = joinLog.NumAcked
			local.NumInstalled = joinLog.NumInstalled
		})
	}
	table.Mutate(func(local *sqsst.Row) {
		local.Vid = v.Vid
	})

	block := m.blockFor(v)
	engine := NewMulticastEngine(v, table, block, m.params.Engine, m.deliver)
	if err := block.Start(engine.OnBlock); err != nil {
		table.Stop()
		return errors.Wrap(err, "start block transport")
	}
	if err := table.Start(); err != nil {
		block.Close()
		return errors.Wrap(err, "start sst")
	}
	engine.Start()

	m.view = v
	m.sst = table
	m.block = block
	m.engine = engine
	m.state = StateActive
	m.raggedDone = make(map[int]bool)
	m.installedUpTo = -1
	m.debuglog.SetContext("gms", v.Vid, m.self.ID)
	m.registerPredicatesLocked()

	// Announce the local row so peers stop seeing zeroes.
	table.Put(sqsst.FieldVid, sqsst.FieldNumChanges, sqsst.FieldNumCommitted,
		sqsst.FieldNumAcked, sqsst.FieldNumInstalled)
	return nil
}

func (m *ViewManager) registerPredicatesLocked() {
	sst := m.sst
	reg := func(name string, pred sqsst.Predicate, action sqsst.Action) {
		m.handles = append(m.handles, sst.RegisterPredicate(name, pred, action, sqsst.Recurring))
	}
	reg("suspicion", m.suspicionPending, m.propagateSuspicions)
	reg("propose", m.proposalPending, m.proposeChanges)
	reg("acknowledge", m.ackPending, m.acknowledgeChanges)
	reg("commit", m.commitPending, m.commitChanges)
	reg("start-wedge", m.wedgePending, m.startWedge)
	reg("all-wedged", m.allWedged, m.publishGlobalMins)
	reg("ragged-edge", m.raggedPending, m.finishViewChange)
}

// ---- suspicion propagation ----

// suspicionPending fires when any live row (or a frozen row, about itself)
// suspects a member this row does not yet suspect.
func (m *ViewManager) suspicionPending(rows []sqsst.Row) bool {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	m.mu.Unlock()
	me := sst.MyRank()
	for r := range rows {
		if r != me && sst.Frozen(r) && !rows[me].Suspected[r] {
			return true
		}
		if v.Failed[r] {
			continue
		}
		for i, s := range rows[r].Suspected {
			if s && !rows[me].Suspected[i] {
				return true
			}
		}
	}
	return false
}

// propagateSuspicions copies every observed suspicion into the local row,
// freezes the suspects' rows, and marks them failed in the view. Losing more
// than half the membership is a partitioning risk and aborts the process.
func (m *ViewManager) propagateSuspicions() {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	m.mu.Unlock()
	me := sst.MyRank()

	// Merge remote suspicions under the scan, then apply in a mutate. Two
	// steps because Scan must not nest inside Mutate.
	newlyFailed := []int{}
	var merged []bool
	sst.Scan(func(rows []sqsst.Row) {
		merged = make([]bool, len(rows[me].Suspected))
		copy(merged, rows[me].Suspected)
		for r := range rows {
			if r != me && sst.Frozen(r) {
				merged[r] = true
			}
			if v.Failed[r] {
				continue
			}
			for i, s := range rows[r].Suspected {
				if s {
					merged[i] = true
				}
			}
		}
	})
	sst.Mutate(func(local *sqsst.Row) {
		for i, s := range merged {
			if s && !local.Suspected[i] {
				local.Suspected[i] = true
			}
		}
	})

	m.mu.Lock()
	for i, s := range merged {
		if s && !v.Failed[i] {
			v.Failed[i] = true
			v.NumFailed++
			newlyFailed = append(newlyFailed, i)
		}
	}
	provisioned := v.AdequatelyProvisioned()
	m.mu.Unlock()

	for _, r := range newlyFailed {
		m.debuglog.InfoSuspect("member %v (node %v) suspected, %v/%v failed",
			r, v.Members[r], v.NumFailed, v.NumMembers())
		sst.Freeze(r)
	}
	if !provisioned {
		panic(errors.Errorf("partitioning risk: %v of %v members of view %v failed",
			v.NumFailed, v.NumMembers(), v.Vid).Error())
	}
	if len(newlyFailed) > 0 {
		sst.Put(sqsst.FieldSuspected)
	}
}

// ---- change proposal ----

// proposalPending fires when a failure or a queued join has not yet been
// appended to the local change log. Failures are proposed by everyone;
// joins only by the leader.
func (m *ViewManager) proposalPending(rows []sqsst.Row) bool {
	m.mu.Lock()
	v := m.view
	joins := len(m.pendingJoins)
	m.mu.Unlock()
	me := rows[m.sstRank()]
	if v.IAmLeader() && joins > 0 {
		return true
	}
	for r := range v.Failed {
		if v.Failed[r] && !changeLogged(&me, v.Members[r], m.params.ChangesCapacity) {
			return true
		}
	}
	return false
}

func (m *ViewManager) sstRank() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sst.MyRank()
}

// changeLogged reports whether id sits in the pending region of the log.
func changeLogged(r *sqsst.Row, id uint32, cap int) bool {
	for j := r.NumInstalled; j < r.NumChanges; j++ {
		if r.Changes[int(j)%cap] == id {
			return true
		}
	}
	return false
}

// proposeChanges is merge_changes: adopt the longest proposal history among
// live rows, then append our own unproposed failures and queued joins.
// Publication order is the log body first, the watermarks second.
func (m *ViewManager) proposeChanges() {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	joins := m.pendingJoins
	m.pendingJoins = nil
	capacity := m.params.ChangesCapacity
	m.mu.Unlock()
	me := sst.MyRank()

	// Longest log wins.
	var longest sqsst.Row
	sst.Scan(func(rows []sqsst.Row) {
		longest = rows[me]
		for r := range rows {
			if r == me || v.Failed[r] || sst.Frozen(r) {
				continue
			}
			if rows[r].NumChanges > longest.NumChanges {
				longest = rows[r]
			}
		}
	})

	appended := false
	sst.Mutate(func(local *sqsst.Row) {
		if longest.NumChanges > local.NumChanges {
			copy(local.Changes, longest.Changes)
			copy(local.JoinerIPs, longest.JoinerIPs)
			copy(local.JoinerPorts, longest.JoinerPorts)
			local.NumChanges = longest.NumChanges
			if longest.NumCommitted > local.NumCommitted {
				local.NumCommitted = longest.NumCommitted
			}
			appended = true
		}
		for r := range v.Failed {
			if !v.Failed[r] || changeLogged(local, v.Members[r], capacity) {
				continue
			}
			assertf(local.NumChanges-local.NumInstalled < int32(capacity),
				"change log overflow: %v pending, capacity %v",
				local.NumChanges-local.NumInstalled, capacity)
			slot := int(local.NumChanges) % capacity
			local.Changes[slot] = v.Members[r]
			local.JoinerIPs[slot] = 0
			local.NumChanges++
			appended = true
		}
		if v.IAmLeader() {
			for _, j := range joins {
				if changeLogged(local, j.ID, capacity) {
					continue
				}
				assertf(local.NumChanges-local.NumInstalled < int32(capacity),
					"change log overflow: %v pending, capacity %v",
					local.NumChanges-local.NumInstalled, capacity)
				slot := int(local.NumChanges) % capacity
				local.Changes[slot] = j.ID
				local.JoinerIPs[slot] = PackIPv4(j.Addr)
				pbase := slot * sqsst.PortsPerChange
				local.JoinerPorts[pbase+0] = j.GMSPort
				local.JoinerPorts[pbase+1] = j.RDMCPort
				local.JoinerPorts[pbase+2] = j.SSTPort
				local.JoinerPorts[pbase+3] = j.ExternalPort
				local.NumChanges++
				appended = true
			}
		}
		if v.IAmLeader() {
			local.NumAcked = local.NumChanges
		}
	})
	if !appended {
		return
	}

	m.setStateAtLeast(StateProposing)
	m.debuglog.InfoViewChange("proposed changes, state %v", StateProposing)
	sst.Put(sqsst.FieldChanges, sqsst.FieldJoinerIPs, sqsst.FieldJoinerPorts)
	sst.Put(sqsst.FieldNumChanges, sqsst.FieldNumCommitted, sqsst.FieldNumAcked)
}

func (m *ViewManager) setStateAtLeast(s ChangeState) {
	m.mu.Lock()
	if m.state < s {
		m.state = s
	}
	m.mu.Unlock()
}

// ---- acknowledge / commit ----

// ackPending fires on a non-leader when the leader's log runs ahead of ours.
func (m *ViewManager) ackPending(rows []sqsst.Row) bool {
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	lr := v.LeaderRank()
	if lr < 0 || lr == v.MyRank {
		return false
	}
	me := rows[m.sstRank()]
	return rows[lr].NumChanges > me.NumAcked ||
		rows[lr].NumCommitted > me.NumCommitted
}

// acknowledgeChanges copies the leader's log and acknowledges it. The log
// body goes out before the watermarks.
func (m *ViewManager) acknowledgeChanges() {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	m.mu.Unlock()
	lr := v.LeaderRank()
	if lr < 0 || lr == v.MyRank {
		return
	}

	var leader sqsst.Row
	sst.Scan(func(rows []sqsst.Row) {
		leader = rows[lr]
	})
	sst.Mutate(func(local *sqsst.Row) {
		if leader.NumChanges > local.NumChanges {
			copy(local.Changes, leader.Changes)
			copy(local.JoinerIPs, leader.JoinerIPs)
			copy(local.JoinerPorts, leader.JoinerPorts)
			local.NumChanges = leader.NumChanges
		}
		if local.NumChanges > local.NumAcked {
			local.NumAcked = local.NumChanges
		}
		if leader.NumCommitted > local.NumCommitted {
			local.NumCommitted = leader.NumCommitted
		}
	})
	m.setStateAtLeast(StateProposing)
	sst.Put(sqsst.FieldChanges, sqsst.FieldJoinerIPs, sqsst.FieldJoinerPorts)
	sst.Put(sqsst.FieldNumChanges, sqsst.FieldNumAcked, sqsst.FieldNumCommitted)
}

// commitPending fires on the leader when every live row has acknowledged
// past our commit watermark.
func (m *ViewManager) commitPending(rows []sqsst.Row) bool {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	m.mu.Unlock()
	if !v.IAmLeader() {
		return false
	}
	me := rows[sst.MyRank()]
	if me.NumChanges == me.NumCommitted {
		return false
	}
	minAcked := me.NumChanges
	for r := range rows {
		if v.Failed[r] || sst.Frozen(r) {
			continue
		}
		minAcked = min32(minAcked, rows[r].NumAcked)
	}
	return minAcked > me.NumCommitted
}

// commitChanges advances num_committed to the lowest acknowledged watermark.
func (m *ViewManager) commitChanges() {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	m.mu.Unlock()

	var commit int32
	sst.Scan(func(rows []sqsst.Row) {
		me := rows[sst.MyRank()]
		commit = me.NumChanges
		for r := range rows {
			if v.Failed[r] || sst.Frozen(r) {
				continue
			}
			commit = min32(commit, rows[r].NumAcked)
		}
	})
	advanced := false
	sst.Mutate(func(local *sqsst.Row) {
		if commit > local.NumCommitted {
			local.NumCommitted = commit
			advanced = true
		}
	})
	if !advanced {
		return
	}
	m.setStateAtLeast(StateCommitted)
	m.debuglog.InfoViewChange("committed through change %v", commit)
	sst.Put(sqsst.FieldNumCommitted)
}

// ---- wedge ----

// wedgePending fires once the local row has committed changes it has not
// installed and the engine has not wedged yet.
func (m *ViewManager) wedgePending(rows []sqsst.Row) bool {
	m.mu.Lock()
	engine := m.engine
	sst := m.sst
	m.mu.Unlock()
	me := rows[sst.MyRank()]
	return me.NumCommitted > me.NumInstalled && !engine.Wedged()
}

func (m *ViewManager) startWedge() {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	m.setStateAtLeast(StateWedging)
	m.debuglog.InfoWedge("wedging for view change")
	engine.Wedge()
}

// ---- ragged edge ----

// allWedged fires when every surviving member's row shows wedged and some
// shard this node currently leads has no published global_min yet. It keeps
// firing if the original shard leader died before publishing and leadership
// fell to this node.
func (m *ViewManager) allWedged(rows []sqsst.Row) bool {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	state := m.state
	m.mu.Unlock()
	if state < StateWedging || state >= StateInstalled {
		return false
	}
	for r := range rows {
		if v.Failed[r] || sst.Frozen(r) {
			continue
		}
		if !rows[r].Wedged {
			return false
		}
	}
	for sg, shard := range v.MySubgroups {
		sv := &v.SubgroupShardViews[sg][shard]
		if v.ShardLeaderRank(sg, shard) == sv.MyRank && m.readyRank(rows, v, sg, shard) < 0 {
			return true
		}
	}
	return false
}

// publishGlobalMins runs once all survivors wedged: for every shard this node
// leads that has no published ceiling, compute the per-sender delivery
// ceiling over surviving rows and publish it, the vector strictly before the
// ready flag.
func (m *ViewManager) publishGlobalMins() {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	m.mu.Unlock()
	m.setStateAtLeast(StateCleaning)
	m.debuglog.InfoViewChange("all survivors wedged, cleaning")

	bases, _ := senderSlotBases(v)
	for sg, shard := range v.MySubgroups {
		sv := &v.SubgroupShardViews[sg][shard]
		if v.ShardLeaderRank(sg, shard) != sv.MyRank {
			continue
		}
		published := false
		sst.Scan(func(rows []sqsst.Row) {
			published = m.readyRank(rows, v, sg, shard) >= 0
		})
		if published {
			continue
		}
		base := bases[sg][shard]
		numSenders := sv.NumSenders()
		mins := make([]int32, numSenders)
		sst.Scan(func(rows []sqsst.Row) {
			for k := range mins {
				mins[k] = int32(1<<31 - 1)
			}
			for _, id := range sv.Members {
				r := v.RankOf(id)
				if v.Failed[r] || sst.Frozen(r) {
					continue
				}
				for k := range mins {
					mins[k] = min32(mins[k], rows[r].NumReceived[base+k])
				}
			}
		})
		sst.Mutate(func(local *sqsst.Row) {
			for k, mn := range mins {
				local.GlobalMin[base+k] = mn
			}
		})
		sst.Put(sqsst.FieldGlobalMin)
		sst.Mutate(func(local *sqsst.Row) {
			local.GlobalMinReady[sg] = true
		})
		sst.Put(sqsst.FieldGlobalMinReady)
		m.debuglog.InfoViewChange("published global_min %v for subgroup %v", mins, sg)
	}
}

// raggedPending fires, once this node has wedged, when every subgroup it
// belongs to has a published global_min it has not consumed. Shard leaders
// are in CLEANING by then; other members are still in WEDGING. A row that
// published the ready flag before failing still counts; its vector survives
// in the local replica.
func (m *ViewManager) raggedPending(rows []sqsst.Row) bool {
	m.mu.Lock()
	v := m.view
	state := m.state
	done := m.raggedDone
	lastTried := m.installedUpTo
	m.mu.Unlock()
	if state < StateWedging || state >= StateInstalled {
		return false
	}
	me := rows[m.sstRank()]
	if me.NumCommitted == lastTried {
		// A previous install attempt was inadequately provisioned; wait
		// for the change set to grow.
		return false
	}
	for sg, shard := range v.MySubgroups {
		if done[sg] {
			continue
		}
		if m.readyRank(rows, v, sg, shard) < 0 {
			return false
		}
	}
	return true
}

// readyRank is the view rank of the lowest-shard-ranked row that published
// global_min_ready for the subgroup, failed or not.
func (m *ViewManager) readyRank(rows []sqsst.Row, v *View, sg, shard int) int {
	sv := &v.SubgroupShardViews[sg][shard]
	for _, id := range sv.Members {
		r := v.RankOf(id)
		if rows[r].GlobalMinReady[sg] {
			return r
		}
	}
	return -1
}

// finishViewChange delivers the ragged edge of every local subgroup and
// installs the successor view.
func (m *ViewManager) finishViewChange() {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	engine := m.engine
	m.mu.Unlock()

	bases, _ := senderSlotBases(v)
	for sg, shard := range v.MySubgroups {
		m.mu.Lock()
		done := m.raggedDone[sg]
		m.mu.Unlock()
		if done {
			continue
		}
		sv := &v.SubgroupShardViews[sg][shard]
		base := bases[sg][shard]
		numSenders := sv.NumSenders()
		var mins []int32
		sst.Scan(func(rows []sqsst.Row) {
			r := m.readyRank(rows, v, sg, shard)
			if r < 0 {
				return
			}
			mins = append([]int32{}, rows[r].GlobalMin[base:base+numSenders]...)
		})
		if mins == nil {
			return
		}
		m.debuglog.InfoDelivery("subgroup %v ragged edge at %v", sg, mins)
		engine.DeliverRaggedEdge(sg, mins)
		m.mu.Lock()
		m.raggedDone[sg] = true
		m.mu.Unlock()
	}
	m.installView()
}

// ---- install ----

// pendingChangeEntries decodes changes[num_installed .. num_committed) from
// the local row into join/departure entries, in log order.
func pendingChangeEntries(r *sqsst.Row, v *View, capacity int) []ChangeEntry {
	var entries []ChangeEntry
	for j := r.NumInstalled; j < r.NumCommitted; j++ {
		slot := int(j) % capacity
		id := r.Changes[slot]
		entry := ChangeEntry{NodeID: id}
		if v.RankOf(id) < 0 {
			pbase := slot * sqsst.PortsPerChange
			entry.Joiner = Node{
				ID:           id,
				Addr:         UnpackIPv4(r.JoinerIPs[slot]),
				GMSPort:      r.JoinerPorts[pbase+0],
				RDMCPort:     r.JoinerPorts[pbase+1],
				SSTPort:      r.JoinerPorts[pbase+2],
				ExternalPort: r.JoinerPorts[pbase+3],
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// installView applies the committed changes, recomputes the layout, and
// swaps in a fresh SST and engine. An inadequately provisioned layout leaves
// the old view in place; the attempt is retried once more changes commit.
func (m *ViewManager) installView() {
	m.mu.Lock()
	v := m.view
	sst := m.sst
	capacity := m.params.ChangesCapacity
	m.mu.Unlock()

	var local sqsst.Row
	sst.Scan(func(rows []sqsst.Row) {
		local = rows[sst.MyRank()]
	})
	entries := pendingChangeEntries(&local, v, capacity)
	next := v.ApplyChanges(entries, m.self.ID)

	if err := ComputeLayout(next, m.types); err != nil {
		m.mu.Lock()
		m.installedUpTo = local.NumCommitted
		m.mu.Unlock()
		m.debuglog.Error("install of view %v deferred: %v", next.Vid, err)
		return
	}
	m.setStateAtLeast(StateInstalled)

	m.mu.Lock()
	old := m.sst
	oldEngine := m.engine
	oldBlock := m.block
	handles := m.handles
	m.handles = nil
	m.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	oldEngine.Stop()
	oldBlock.Close()
	// Release the SST listen address before the successor binds it.
	old.CloseFabric()

	departed := append([]uint32{}, next.Departed...)
	installed := int(local.NumCommitted - local.NumInstalled)
	m.mu.Lock()
	err := m.bindViewLocked(next, old, nil, installed)
	m.mu.Unlock()
	// The old predicate thread is executing this very install; it exits on
	// its next round, so the old table is stopped from the outside.
	go old.Stop()
	if err != nil {
		panic(errors.Wrapf(err, "bind view %v", next.Vid).Error())
	}

	m.debuglog.InfoViewChange("installed view %v: %v", next.Vid, next.DebugString())
	for _, h := range m.installHooks {
		h(next, departed)
	}
	if m.upcall != nil {
		m.upcall(next)
	}
}

// ---- failure detection ----

// heartbeatLoop keeps the local stability frontier fresh so quiet subgroups
// do not look dead.
func (m *ViewManager) heartbeatLoop() {
	defer m.wg.Done()
	interval := m.params.HeartbeatTimeout / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		sst := m.sst
		m.mu.Unlock()
		if sst == nil {
			continue
		}
		now := time.Now().UnixNano()
		sst.Mutate(func(local *sqsst.Row) {
			for i := range local.StabilityFrontier {
				local.StabilityFrontier[i] = now
			}
		})
		sst.Put(sqsst.FieldStabilityFrontier)
	}
}

// failureDetectorLoop suspects any member whose row has shown no progress for
// longer than the heartbeat timeout. The suspicion propagates through the
// regular suspicion predicate.
func (m *ViewManager) failureDetectorLoop() {
	defer m.wg.Done()
	timeout := m.params.HeartbeatTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		sst := m.sst
		m.mu.Unlock()
		if sst == nil {
			continue
		}
		deadline := time.Now().Add(-timeout).UnixNano()
		var stale []int
		sst.Scan(func(rows []sqsst.Row) {
			me := sst.MyRank()
			for r := range rows {
				if r == me || rows[me].Suspected[r] {
					continue
				}
				fresh := false
				for _, ts := range rows[r].StabilityFrontier {
					if ts >= deadline {
						fresh = true
						break
					}
				}
				if !fresh {
					stale = append(stale, r)
				}
			}
		})
		if len(stale) == 0 {
			continue
		}
		sst.Mutate(func(local *sqsst.Row) {
			for _, r := range stale {
				local.Suspected[r] = true
			}
		})
		for _, r := range stale {
			m.debuglog.InfoSuspect("no progress from member %v for %v, suspecting", r, timeout)
		}
		sst.Put(sqsst.FieldSuspected)
	}
}
