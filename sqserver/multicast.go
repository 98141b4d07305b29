package sqserver

import (
	"sync"
	"time"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"

	"squall/sqlogger"
	"squall/sqsst"
)

// EngineParams fixes the per-view multicast parameters.
type EngineParams struct {
	WindowSize      int
	MaxPayload      int
	InlineThreshold int // payloads at or below this ride the SST slots
}

// DeliveryFunc is the global_stability upcall: invoked in delivery order,
// single-threaded per subgroup.
type DeliveryFunc func(subgroup int, seq int64, sender uint32, payload []byte)

type pendingMsg struct {
	g       int64
	sender  uint32
	payload []byte
}

func (m pendingMsg) Less(than llrb.Item) bool {
	return m.g < than.(pendingMsg).g
}

// subgroupState is the engine's per-subgroup bookkeeping for the one shard
// of the subgroup this node belongs to.
type subgroupState struct {
	id         int
	shard      int
	sub        *SubView
	slotBase   int // base of this shard's sender slots in the SST vectors
	numSenders int
	mySender   int // my dense sender rank, -1 if not a sender

	nextIndex int64      // next message index this node will send
	pending   *llrb.LLRB // locally stable but undelivered, keyed by g
	delivered int64      // mirror of own DeliveredNum
	stable    int64      // mirror of own StableNum
	deliverCh chan struct{}
}

// MulticastEngine sequences and delivers multicasts for one view. It is
// built at view install and destroyed at the next install; it never outlives
// its view.
type MulticastEngine struct {
	view    *View
	sst     *sqsst.Table
	block   BlockTransport
	params  EngineParams
	deliver DeliveryFunc

	mu     sync.Mutex
	cond   *sync.Cond
	wedged bool
	groups map[int]*subgroupState

	handles []*sqsst.Handle
	stop    chan struct{}
	wg      sync.WaitGroup

	debuglog *sqlogger.DebugLogger
}

// NewMulticastEngine wires the engine onto the view's SST and block
// transport. The caller starts the block transport with engine.OnBlock as
// sink before calling Start.
func NewMulticastEngine(view *View, table *sqsst.Table, block BlockTransport,
	params EngineParams, deliver DeliveryFunc) *MulticastEngine {
	e := &MulticastEngine{
		view:     view,
		sst:      table,
		block:    block,
		params:   params,
		deliver:  deliver,
		groups:   make(map[int]*subgroupState),
		stop:     make(chan struct{}),
		debuglog: sqlogger.NewDebugLogger(),
	}
	e.cond = sync.NewCond(&e.mu)
	e.debuglog.SetContext("engine", view.Vid, table.MyID())

	bases, _ := senderSlotBases(view)
	for sg, shard := range view.MySubgroups {
		sv := &view.SubgroupShardViews[sg][shard]
		st := &subgroupState{
			id:         sg,
			shard:      shard,
			sub:        sv,
			slotBase:   bases[sg][shard],
			numSenders: sv.NumSenders(),
			mySender:   sv.SenderRankOf(sv.MyRank),
			pending:    llrb.New(),
			delivered:  -1,
			stable:     -1,
			deliverCh:  make(chan struct{}, 1),
		}
		e.groups[sg] = st
	}
	return e
}

// Start registers the SST predicates and launches one delivery worker per
// subgroup.
func (e *MulticastEngine) Start() {
	for _, st := range e.groups {
		st := st
		h1 := e.sst.RegisterPredicate(
			"inline-receive",
			func(rows []sqsst.Row) bool { return e.inlinePending(rows, st) },
			func() { e.receiveInline(st) },
			sqsst.Recurring,
		)
		h2 := e.sst.RegisterPredicate(
			"stability",
			func(rows []sqsst.Row) bool { return e.stabilityPending(rows, st) },
			func() { e.advanceStability(st) },
			sqsst.Recurring,
		)
		e.handles = append(e.handles, h1, h2)
		e.wg.Add(1)
		go e.deliveryLoop(st)
	}
}

// Stop cancels the predicates and stops the delivery workers. The SST and
// block transport are owned by the view manager and closed there.
func (e *MulticastEngine) Stop() {
	for _, h := range e.handles {
		h.Cancel()
	}
	close(e.stop)
	for _, st := range e.groups {
		select {
		case st.deliverCh <- struct{}{}:
		default:
		}
	}
	e.wg.Wait()
}

// Send multicasts payload to the local shard of subgroup. Blocks while the
// sender window is full; fails once the view is wedged.
func (e *MulticastEngine) Send(subgroup int, payload []byte) error {
	st, ok := e.groups[subgroup]
	if !ok {
		return errors.Wrapf(ErrSubgroupNotMember, "subgroup %v", subgroup)
	}
	if st.mySender < 0 {
		return errors.Wrapf(ErrSubgroupNotMember, "subgroup %v: not a sender", subgroup)
	}
	if len(payload) > e.params.MaxPayload {
		return errors.Errorf("payload %v exceeds max %v", len(payload), e.params.MaxPayload)
	}

	e.mu.Lock()
	for {
		if e.wedged {
			e.mu.Unlock()
			return errors.Wrapf(ErrWedged, "send on subgroup %v", subgroup)
		}
		if e.windowOpen(st) {
			break
		}
		e.cond.Wait()
	}
	index := st.nextIndex
	st.nextIndex++
	e.mu.Unlock()

	if st.sub.Mode == ModeRaw {
		return e.sendRaw(st, index, payload)
	}
	if len(payload) <= e.params.InlineThreshold {
		return e.sendInline(st, index, payload)
	}
	return e.sendBlock(st, index, payload)
}

// windowOpen reports whether message nextIndex may occupy its slot: the
// message that used the slot a full window ago must be stable everywhere.
func (e *MulticastEngine) windowOpen(st *subgroupState) bool {
	if st.nextIndex < int64(e.params.WindowSize) {
		return true
	}
	reuse := st.nextIndex - int64(e.params.WindowSize)
	return stableIndexCount(st.stable, st.mySender, st.numSenders) > reuse
}

// stableIndexCount is the number of messages from sender k covered by the
// contiguous stable prefix ending at g.
func stableIndexCount(g int64, k, numSenders int) int64 {
	if g < int64(k) {
		return 0
	}
	return (g-int64(k))/int64(numSenders) + 1
}

func (e *MulticastEngine) sendInline(st *subgroupState, index int64, payload []byte) error {
	slot := st.id*e.params.WindowSize + int(index%int64(e.params.WindowSize))
	col := st.slotBase + st.mySender
	e.sst.Mutate(func(local *sqsst.Row) {
		local.Slots[slot] = sqsst.MessageSlot{Buf: append([]byte{}, payload...), Len: int32(len(payload))}
		local.NumReceivedSST[col]++
		local.NumReceived[col]++
		e.noteReceivedLocked(st, local)
	})
	if err := e.sst.PutSlot(slot); err != nil {
		return err
	}
	e.enqueueOwn(st, index, payload)
	return e.sst.Put(sqsst.FieldNumReceivedSST, sqsst.FieldNumReceived, sqsst.FieldSeqNum, sqsst.FieldStabilityFrontier)
}

func (e *MulticastEngine) sendBlock(st *subgroupState, index int64, payload []byte) error {
	if err := e.block.Send(st.id, index, payload); err != nil {
		return errors.Wrap(err, "block multicast")
	}
	col := st.slotBase + st.mySender
	e.sst.Mutate(func(local *sqsst.Row) {
		local.NumReceived[col]++
		e.noteReceivedLocked(st, local)
	})
	e.enqueueOwn(st, index, payload)
	return e.sst.Put(sqsst.FieldNumReceived, sqsst.FieldSeqNum, sqsst.FieldStabilityFrontier)
}

// sendRaw bypasses sequencing: the payload goes straight to the shard and
// upward at each receiver.
func (e *MulticastEngine) sendRaw(st *subgroupState, index int64, payload []byte) error {
	if err := e.block.Send(st.id, index, payload); err != nil {
		return errors.Wrap(err, "raw multicast")
	}
	e.deliver(st.id, globalSeq(st.mySender, index, st.numSenders), e.sst.MyID(), payload)
	return nil
}

// enqueueOwn records the local copy of a just-sent message so the sender
// delivers its own multicast in order like everyone else.
func (e *MulticastEngine) enqueueOwn(st *subgroupState, index int64, payload []byte) {
	g := globalSeq(st.mySender, index, st.numSenders)
	e.mu.Lock()
	st.pending.ReplaceOrInsert(pendingMsg{g: g, sender: e.sst.MyID(), payload: append([]byte{}, payload...)})
	e.mu.Unlock()
	e.maybeDeliverLocal(st)
}

// OnBlock is the block transport sink; it feeds large messages into the
// same receive path the inline slots use.
func (e *MulticastEngine) OnBlock(subgroup int, sender uint32, index int64, payload []byte) {
	st, ok := e.groups[subgroup]
	if !ok {
		return
	}
	shardRank := st.sub.RankOf(sender)
	if shardRank < 0 {
		return
	}
	if st.sub.Mode == ModeRaw {
		k := st.sub.SenderRankOf(shardRank)
		e.deliver(subgroup, globalSeq(k, index, st.numSenders), sender, payload)
		return
	}
	k := st.sub.SenderRankOf(shardRank)
	if k < 0 {
		return
	}
	col := st.slotBase + k
	g := globalSeq(k, index, st.numSenders)
	e.mu.Lock()
	st.pending.ReplaceOrInsert(pendingMsg{g: g, sender: sender, payload: append([]byte{}, payload...)})
	e.mu.Unlock()
	e.sst.Mutate(func(local *sqsst.Row) {
		local.NumReceived[col]++
		e.noteReceivedLocked(st, local)
	})
	e.sst.Put(sqsst.FieldNumReceived, sqsst.FieldSeqNum, sqsst.FieldStabilityFrontier)
	e.maybeDeliverLocal(st)
}

// inlinePending fires when some sender's published slot counter is ahead of
// what this node has consumed.
func (e *MulticastEngine) inlinePending(rows []sqsst.Row, st *subgroupState) bool {
	me := e.sst.MyRank()
	for shardRank, id := range st.sub.Members {
		k := st.sub.SenderRankOf(shardRank)
		if k < 0 {
			continue
		}
		viewRank := e.view.RankOf(id)
		if viewRank == me {
			continue
		}
		col := st.slotBase + k
		if rows[viewRank].NumReceivedSST[col] > rows[me].NumReceived[col] {
			return true
		}
	}
	return false
}

// receiveInline consumes newly published inline messages, sender by sender.
// Observing num_received_sst advance from i-1 to i makes message (k, i)
// locally stable here.
func (e *MulticastEngine) receiveInline(st *subgroupState) {
	me := e.sst.MyRank()
	type take struct {
		k       int
		sender  uint32
		index   int64
		payload []byte
	}
	var taken []take
	e.sst.Scan(func(rows []sqsst.Row) {
		for shardRank, id := range st.sub.Members {
			k := st.sub.SenderRankOf(shardRank)
			if k < 0 {
				continue
			}
			viewRank := e.view.RankOf(id)
			if viewRank == me {
				continue
			}
			col := st.slotBase + k
			have := rows[me].NumReceived[col]
			avail := rows[viewRank].NumReceivedSST[col]
			for i := have; i < avail; i++ {
				slot := st.id*e.params.WindowSize + int(int64(i)%int64(e.params.WindowSize))
				cell := rows[viewRank].Slots[slot]
				taken = append(taken, take{
					k:       k,
					sender:  id,
					index:   int64(i),
					payload: append([]byte{}, cell.Buf[:cell.Len]...),
				})
			}
		}
	})
	if len(taken) == 0 {
		return
	}

	e.mu.Lock()
	for _, tk := range taken {
		g := globalSeq(tk.k, tk.index, st.numSenders)
		st.pending.ReplaceOrInsert(pendingMsg{g: g, sender: tk.sender, payload: tk.payload})
	}
	e.mu.Unlock()

	e.sst.Mutate(func(local *sqsst.Row) {
		for _, tk := range taken {
			local.NumReceived[st.slotBase+tk.k]++
		}
		e.noteReceivedLocked(st, local)
	})
	e.sst.Put(sqsst.FieldNumReceived, sqsst.FieldSeqNum, sqsst.FieldStabilityFrontier)
	e.maybeDeliverLocal(st)
}

// noteReceivedLocked advances the local seq_num to the highest contiguous
// global sequence number and touches the stability frontier. Runs inside a
// Mutate closure.
func (e *MulticastEngine) noteReceivedLocked(st *subgroupState, local *sqsst.Row) {
	seq := local.SeqNum[st.id]
	for {
		g := seq + 1
		k := seqSender(g, st.numSenders)
		idx := seqIndex(g, st.numSenders)
		if int64(local.NumReceived[st.slotBase+k]) > idx {
			seq = g
			continue
		}
		break
	}
	if seq > local.SeqNum[st.id] {
		local.SeqNum[st.id] = seq
		local.StabilityFrontier[st.id] = time.Now().UnixNano()
	}
}

// stabilityPending fires when the minimum seq_num over live rows is past
// the local stable_num.
func (e *MulticastEngine) stabilityPending(rows []sqsst.Row, st *subgroupState) bool {
	return e.minSeq(rows, st) > rows[e.sst.MyRank()].StableNum[st.id]
}

func (e *MulticastEngine) minSeq(rows []sqsst.Row, st *subgroupState) int64 {
	min := int64(-1)
	first := true
	for _, id := range st.sub.Members {
		viewRank := e.view.RankOf(id)
		if e.view.Failed[viewRank] || e.sst.Frozen(viewRank) {
			continue
		}
		s := rows[viewRank].SeqNum[st.id]
		if first || s < min {
			min = s
			first = false
		}
	}
	return min
}

// advanceStability publishes the new stable_num and wakes delivery and any
// sender blocked on the window.
func (e *MulticastEngine) advanceStability(st *subgroupState) {
	var stable int64
	e.sst.Scan(func(rows []sqsst.Row) {
		stable = e.minSeq(rows, st)
	})
	advanced := false
	e.sst.Mutate(func(local *sqsst.Row) {
		if stable > local.StableNum[st.id] {
			local.StableNum[st.id] = stable
			local.StabilityFrontier[st.id] = time.Now().UnixNano()
			advanced = true
		}
	})
	if !advanced {
		return
	}
	e.sst.Put(sqsst.FieldStableNum, sqsst.FieldStabilityFrontier)
	e.mu.Lock()
	if stable > st.stable {
		st.stable = stable
	}
	e.mu.Unlock()
	e.cond.Broadcast()
	e.debuglog.DebugStability("subgroup %v stable -> %v", st.id, stable)
	select {
	case st.deliverCh <- struct{}{}:
	default:
	}
}

// maybeDeliverLocal wakes delivery for UNORDERED shards, which deliver as
// soon as the local prefix is contiguous instead of waiting for global
// stability.
func (e *MulticastEngine) maybeDeliverLocal(st *subgroupState) {
	if st.sub.Mode != ModeUnordered {
		return
	}
	select {
	case st.deliverCh <- struct{}{}:
	default:
	}
}

// deliveryLoop is the single delivery thread of one subgroup. Upcalls block;
// the next message in order waits for the previous upcall to return.
func (e *MulticastEngine) deliveryLoop(st *subgroupState) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-st.deliverCh:
		}
		var target int64
		e.sst.Scan(func(rows []sqsst.Row) {
			r := rows[e.sst.MyRank()]
			if st.sub.Mode == ModeUnordered {
				target = r.SeqNum[st.id]
			} else {
				target = r.StableNum[st.id]
			}
		})
		e.deliverUpTo(st, target)
	}
}

func (e *MulticastEngine) deliverUpTo(st *subgroupState, target int64) {
	for {
		e.mu.Lock()
		if st.delivered >= target {
			e.mu.Unlock()
			return
		}
		g := st.delivered + 1
		item := st.pending.Get(pendingMsg{g: g})
		if item == nil {
			e.mu.Unlock()
			return
		}
		msg := item.(pendingMsg)
		st.pending.Delete(msg)
		st.delivered = g
		e.mu.Unlock()

		e.debuglog.InfoDelivery("subgroup %v deliver g=%v from %v", st.id, g, msg.sender)
		e.deliver(st.id, g, msg.sender, msg.payload)
		e.sst.Mutate(func(local *sqsst.Row) {
			local.DeliveredNum[st.id] = g
		})
		e.sst.Put(sqsst.FieldDeliveredNum)
	}
}

// Wedge refuses new sends, wakes senders blocked on the window so they fail
// with ErrWedged, and publishes the wedged flag. Sends that already passed
// the window check are not waited for. num_received goes out strictly before
// wedged.
func (e *MulticastEngine) Wedge() {
	e.mu.Lock()
	if e.wedged {
		e.mu.Unlock()
		return
	}
	e.wedged = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.sst.Put(sqsst.FieldNumReceived)
	e.sst.Mutate(func(local *sqsst.Row) {
		local.Wedged = true
	})
	e.sst.Put(sqsst.FieldWedged)
	e.debuglog.InfoWedge("engine wedged")
}

// Wedged reports whether the engine has stopped accepting sends.
func (e *MulticastEngine) Wedged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wedged
}

// DeliverRaggedEdge delivers, in global order, every not-yet-delivered
// message (k, i) with i < globalMin[k], so all survivors of the view change
// deliver the same multiset. Must run after Wedge; it is the final delivery
// activity of this engine.
func (e *MulticastEngine) DeliverRaggedEdge(subgroup int, globalMin []int32) {
	st, ok := e.groups[subgroup]
	if !ok {
		return
	}
	maxIdx := int32(0)
	for _, m := range globalMin {
		if m > maxIdx {
			maxIdx = m
		}
	}
	limit := int64(maxIdx) * int64(st.numSenders)

	for {
		e.mu.Lock()
		g := st.delivered + 1
		if g > limit {
			e.mu.Unlock()
			break
		}
		k := seqSender(g, st.numSenders)
		idx := seqIndex(g, st.numSenders)
		if idx >= int64(globalMin[k]) {
			st.delivered = g
			e.mu.Unlock()
			continue
		}
		item := st.pending.Get(pendingMsg{g: g})
		if item == nil {
			e.mu.Unlock()
			assertf(false, "ragged edge: message g=%v missing though global_min[%v]=%v", g, k, globalMin[k])
		}
		msg := item.(pendingMsg)
		st.pending.Delete(msg)
		st.delivered = g
		e.mu.Unlock()

		e.debuglog.InfoDelivery("subgroup %v ragged-edge deliver g=%v from %v", st.id, g, msg.sender)
		e.deliver(st.id, g, msg.sender, msg.payload)
	}

	e.sst.Mutate(func(local *sqsst.Row) {
		if st.delivered > local.DeliveredNum[st.id] {
			local.DeliveredNum[st.id] = st.delivered
		}
	})
	e.sst.Put(sqsst.FieldDeliveredNum)
}

// UpdatePersisted records the persistence sink's durable watermark for the
// subgroup and publishes it.
func (e *MulticastEngine) UpdatePersisted(subgroup int, version int64) {
	if _, ok := e.groups[subgroup]; !ok {
		return
	}
	e.sst.Mutate(func(local *sqsst.Row) {
		if version > local.PersistedNum[subgroup] {
			local.PersistedNum[subgroup] = version
		}
	})
	e.sst.Put(sqsst.FieldPersistedNum)
	e.debuglog.DebugPersist("subgroup %v persisted -> %v", subgroup, version)
}

// DeliveredCount reports how many messages from each sender of the subgroup
// have been delivered here, derived from the contiguous delivered prefix.
func (e *MulticastEngine) DeliveredCount(subgroup int) []int64 {
	st, ok := e.groups[subgroup]
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make([]int64, st.numSenders)
	for k := range counts {
		counts[k] = stableIndexCount(st.delivered, k, st.numSenders)
	}
	return counts
}
