package sqsst

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"squall/sqlogger"
)

// FieldID names one publishable group of row fields. Every Put carries an
// ordered list of field ids; the fabric preserves per-origin order, so a
// caller that puts data fields strictly before a ready-style flag gets the
// same publication order at every observer.
type FieldID int

const (
	FieldSeqNum FieldID = iota
	FieldStableNum
	FieldDeliveredNum
	FieldPersistedNum
	FieldVid
	FieldSuspected
	FieldChanges
	FieldJoinerIPs
	FieldJoinerPorts
	FieldNumChanges
	FieldNumCommitted
	FieldNumAcked
	FieldNumInstalled
	FieldNumReceived
	FieldWedged
	FieldGlobalMin
	FieldGlobalMinReady
	FieldSlots
	FieldNumReceivedSST
	FieldStabilityFrontier
	numFieldIDs
)

var fieldNames = [...]string{
	"SeqNum", "StableNum", "DeliveredNum", "PersistedNum", "Vid",
	"Suspected", "Changes", "JoinerIPs", "JoinerPorts", "NumChanges",
	"NumCommitted", "NumAcked", "NumInstalled", "NumReceived", "Wedged",
	"GlobalMin", "GlobalMinReady", "Slots", "NumReceivedSST",
	"StabilityFrontier",
}

func (f FieldID) String() string {
	return fieldNames[int(f)]
}

// PortsPerChange is the number of packed port slots carried per change-log
// entry (gms, rdmc, sst, external).
const PortsPerChange = 4

// Layout fixes the shape of every row in one table. All rows of a table share
// one layout; the layout is frozen for the lifetime of the view.
type Layout struct {
	NumMembers     int
	NumSubgroups   int
	NumSenderSlots int // total sender slots across all subgroups
	ChangesCap     int // capacity of the circular change log
	WindowSize     int
	SlotSize       int // max inline payload bytes
}

// MessageSlot is one inline small-message cell of the SST multicast path.
// Buf is published first, then the companion NumReceivedSST counter; the
// counter acts as the ready flag for the cell.
type MessageSlot struct {
	Buf []byte
	Len int32
}

// Row is one member's slice of the shared state table. The owner is the only
// writer; everyone reads every row. Counters are monotone non-decreasing
// within a view.
type Row struct {
	SeqNum       []int64 // per subgroup, highest in-order received
	StableNum    []int64 // per subgroup, highest received everywhere
	DeliveredNum []int64 // per subgroup, highest delivered here
	PersistedNum []int64 // per subgroup, highest durably persisted here

	Vid       int32
	Suspected []bool   // per member rank
	Changes   []uint32 // circular log of proposed joins/departures (node ids)
	JoinerIPs []uint32 // packed IPv4, parallel to Changes
	// Packed ports for join entries, PortsPerChange per change slot.
	JoinerPorts  []uint16
	NumChanges   int32
	NumCommitted int32
	NumAcked     int32
	NumInstalled int32

	NumReceived []int32 // per sender slot
	Wedged      bool
	GlobalMin   []int32 // per sender slot, ragged-edge ceiling
	// Per subgroup: the shard leader has published GlobalMin for this
	// subgroup. Must be put strictly after GlobalMin.
	GlobalMinReady []bool

	Slots          []MessageSlot // NumSubgroups * WindowSize
	NumReceivedSST []int32       // per sender slot

	StabilityFrontier []int64 // per subgroup, unix nanos of last progress
}

func newRow(l Layout) Row {
	r := Row{
		SeqNum:            make([]int64, l.NumSubgroups),
		StableNum:         make([]int64, l.NumSubgroups),
		DeliveredNum:      make([]int64, l.NumSubgroups),
		PersistedNum:      make([]int64, l.NumSubgroups),
		Suspected:         make([]bool, l.NumMembers),
		Changes:           make([]uint32, l.ChangesCap),
		JoinerIPs:         make([]uint32, l.ChangesCap),
		JoinerPorts:       make([]uint16, l.ChangesCap*PortsPerChange),
		NumReceived:       make([]int32, l.NumSenderSlots),
		GlobalMin:         make([]int32, l.NumSenderSlots),
		GlobalMinReady:    make([]bool, l.NumSubgroups),
		Slots:             make([]MessageSlot, l.NumSubgroups*l.WindowSize),
		NumReceivedSST:    make([]int32, l.NumSenderSlots),
		StabilityFrontier: make([]int64, l.NumSubgroups),
	}
	for i := range r.SeqNum {
		r.SeqNum[i] = -1
		r.StableNum[i] = -1
		r.DeliveredNum[i] = -1
		r.PersistedNum[i] = -1
	}
	now := time.Now().UnixNano()
	for i := range r.StabilityFrontier {
		r.StabilityFrontier[i] = now
	}
	return r
}

// rowUpdate is the wire frame of one Put: the masked fields of the origin's
// row. Vid scopes the frame to one view; receivers drop frames from any
// other view. SlotIndex selects a single inline cell when FieldSlots is
// masked; -1 means the whole vector.
type rowUpdate struct {
	From      uint32
	Vid       int32
	Mask      uint32
	SlotIndex int32
	Patch     Row
}

// Table is the local replica of the shared state table for one view. Each
// rank owns exactly one row; remote updates arrive through the fabric and
// are applied under the table lock.
type Table struct {
	mu     sync.RWMutex
	layout Layout
	rows   []Row

	// frozen has its own lock so predicates evaluated under mu may query it.
	frozenMu sync.Mutex
	frozen   []bool

	members []uint32 // node id per rank
	myRank  int

	fabric Fabric
	preds  *predicateSet
	tick   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	debuglog *sqlogger.DebugLogger
}

// NewTable builds the table for one view. members lists node ids in rank
// order; myRank is this process's rank.
func NewTable(layout Layout, members []uint32, myRank int, fabric Fabric) *Table {
	if len(members) != layout.NumMembers {
		panic(fmt.Sprintf("table layout wants %v members, got %v", layout.NumMembers, len(members)))
	}
	t := &Table{
		layout:   layout,
		rows:     make([]Row, layout.NumMembers),
		frozen:   make([]bool, layout.NumMembers),
		members:  append([]uint32{}, members...),
		myRank:   myRank,
		fabric:   fabric,
		preds:    newPredicateSet(),
		tick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		debuglog: sqlogger.NewDebugLogger(),
	}
	for i := range t.rows {
		t.rows[i] = newRow(layout)
	}
	t.debuglog.SetContext("sst", 0, members[myRank])
	return t
}

// InitLocalRowFromPrevious carries the change-log state of the previous
// view's local row into this table's local row: NumChanges, NumCommitted and
// NumAcked are copied, NumInstalled advances by the number of changes just
// installed, and the still-pending tail of the circular log is kept in place.
// Multicast fields start from their zero state.
func (t *Table) InitLocalRowFromPrevious(old *Table, changesInstalled int) {
	old.mu.RLock()
	prev := old.rows[old.myRank]
	t.mu.Lock()
	local := &t.rows[t.myRank]
	local.NumChanges = prev.NumChanges
	local.NumCommitted = prev.NumCommitted
	local.NumAcked = prev.NumAcked
	local.NumInstalled = prev.NumInstalled + int32(changesInstalled)
	copy(local.Changes, prev.Changes)
	copy(local.JoinerIPs, prev.JoinerIPs)
	copy(local.JoinerPorts, prev.JoinerPorts)
	t.mu.Unlock()
	old.mu.RUnlock()
}

// Start connects the table to the fabric and launches the predicate loop.
func (t *Table) Start() error {
	if err := t.fabric.Start(t.applyFrame); err != nil {
		return errors.Wrap(err, "start sst fabric")
	}
	t.wg.Add(1)
	go t.predicateLoop()
	return nil
}

// Stop tears the table down. The fabric is closed first so no new frames
// arrive while predicates drain.
func (t *Table) Stop() {
	t.fabric.Close()
	close(t.stop)
	t.wg.Wait()
}

// CloseFabric releases the fabric endpoint ahead of Stop, so a successor
// table can bind the same address while this table's predicate thread is
// still finishing its last round.
func (t *Table) CloseFabric() {
	t.fabric.Close()
}

func (t *Table) Layout() Layout  { return t.layout }
func (t *Table) MyRank() int     { return t.myRank }
func (t *Table) MyID() uint32    { return t.members[t.myRank] }
func (t *Table) NumRows() int    { return len(t.rows) }
func (t *Table) Members() []uint32 {
	return append([]uint32{}, t.members...)
}

// Scan runs f over all rows under the read lock. f must not block and must
// not call back into Put or Mutate.
func (t *Table) Scan(f func(rows []Row)) {
	t.mu.RLock()
	f(t.rows)
	t.mu.RUnlock()
}

// Mutate runs f on the local row under the write lock. The change is local
// until a Put covering the touched fields is issued.
func (t *Table) Mutate(f func(local *Row)) {
	t.mu.Lock()
	f(&t.rows[t.myRank])
	t.mu.Unlock()
	t.wake()
}

// Frozen reports whether rank's row has been marked unreachable.
func (t *Table) Frozen(rank int) bool {
	t.frozenMu.Lock()
	defer t.frozenMu.Unlock()
	return t.frozen[rank]
}

// Freeze marks rank's row unreachable after a fabric write failure. The
// protocols read a frozen row as suspecting itself on every bit.
func (t *Table) Freeze(rank int) {
	t.frozenMu.Lock()
	already := t.frozen[rank]
	t.frozen[rank] = true
	t.frozenMu.Unlock()
	if !already {
		t.debuglog.InfoSuspect("froze row %v (node %v)", rank, t.members[rank])
		t.wake()
	}
}

// Put publishes the named field groups of the local row to every other
// member, in the given order within a single frame. Field order inside one
// frame is applied atomically at the observer, so "data then flag" sequences
// should be split across separate Puts.
func (t *Table) Put(fields ...FieldID) error {
	return t.put(fields, -1)
}

// PutSlot publishes a single inline message cell. The companion counter is
// not included; publish FieldNumReceivedSST with a later Put.
func (t *Table) PutSlot(slot int) error {
	return t.put([]FieldID{FieldSlots}, slot)
}

func (t *Table) put(fields []FieldID, slotIndex int) error {
	t.mu.RLock()
	frame, err := encodeUpdate(t.members[t.myRank], &t.rows[t.myRank], fields, slotIndex)
	t.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "encode sst update")
	}

	var firstErr error
	for rank, id := range t.members {
		if rank == t.myRank {
			continue
		}
		if t.Frozen(rank) {
			continue
		}
		if err := t.fabric.Send(id, frame); err != nil {
			t.debuglog.Error("put to node %v failed: %v", id, err)
			t.Freeze(rank)
			if firstErr == nil {
				firstErr = errors.Wrapf(ErrFabricUnreachable, "put to node %v: %v", id, err)
			}
		}
	}
	t.wake()
	return firstErr
}

// ErrFabricUnreachable reports that a peer's row could not be written. The
// caller treats it as a failure suspicion, not an application error.
var ErrFabricUnreachable = errors.New("sst: peer row unreachable")

func encodeUpdate(from uint32, local *Row, fields []FieldID, slotIndex int) ([]byte, error) {
	up := rowUpdate{From: from, Vid: local.Vid, SlotIndex: int32(slotIndex)}
	for _, f := range fields {
		up.Mask |= 1 << uint(f)
	}
	copyMasked(&up.Patch, local, up.Mask, slotIndex, slotIndex)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&up); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// copyMasked copies the masked fields from src into dst. For FieldSlots,
// srcSlot selects the cell read from src and dstSlot the cell written in dst;
// -1 copies the whole vector.
func copyMasked(dst, src *Row, mask uint32, srcSlot, dstSlot int) {
	has := func(f FieldID) bool { return mask&(1<<uint(f)) != 0 }
	if has(FieldSeqNum) {
		dst.SeqNum = append([]int64{}, src.SeqNum...)
	}
	if has(FieldStableNum) {
		dst.StableNum = append([]int64{}, src.StableNum...)
	}
	if has(FieldDeliveredNum) {
		dst.DeliveredNum = append([]int64{}, src.DeliveredNum...)
	}
	if has(FieldPersistedNum) {
		dst.PersistedNum = append([]int64{}, src.PersistedNum...)
	}
	if has(FieldVid) {
		dst.Vid = src.Vid
	}
	if has(FieldSuspected) {
		dst.Suspected = append([]bool{}, src.Suspected...)
	}
	if has(FieldChanges) {
		dst.Changes = append([]uint32{}, src.Changes...)
	}
	if has(FieldJoinerIPs) {
		dst.JoinerIPs = append([]uint32{}, src.JoinerIPs...)
	}
	if has(FieldJoinerPorts) {
		dst.JoinerPorts = append([]uint16{}, src.JoinerPorts...)
	}
	if has(FieldNumChanges) {
		dst.NumChanges = src.NumChanges
	}
	if has(FieldNumCommitted) {
		dst.NumCommitted = src.NumCommitted
	}
	if has(FieldNumAcked) {
		dst.NumAcked = src.NumAcked
	}
	if has(FieldNumInstalled) {
		dst.NumInstalled = src.NumInstalled
	}
	if has(FieldNumReceived) {
		dst.NumReceived = append([]int32{}, src.NumReceived...)
	}
	if has(FieldWedged) {
		dst.Wedged = src.Wedged
	}
	if has(FieldGlobalMin) {
		dst.GlobalMin = append([]int32{}, src.GlobalMin...)
	}
	if has(FieldGlobalMinReady) {
		dst.GlobalMinReady = append([]bool{}, src.GlobalMinReady...)
	}
	if has(FieldSlots) {
		if srcSlot >= 0 {
			if dst.Slots == nil {
				dst.Slots = make([]MessageSlot, len(src.Slots))
			}
			cell := src.Slots[srcSlot]
			dst.Slots[dstSlot] = MessageSlot{Buf: append([]byte{}, cell.Buf...), Len: cell.Len}
		} else {
			dst.Slots = make([]MessageSlot, len(src.Slots))
			for i, cell := range src.Slots {
				dst.Slots[i] = MessageSlot{Buf: append([]byte{}, cell.Buf...), Len: cell.Len}
			}
		}
	}
	if has(FieldNumReceivedSST) {
		dst.NumReceivedSST = append([]int32{}, src.NumReceivedSST...)
	}
	if has(FieldStabilityFrontier) {
		dst.StabilityFrontier = append([]int64{}, src.StabilityFrontier...)
	}
}

// applyFrame installs a remote row update. Monotone counters regressing at a
// remote row is a protocol violation and aborts the process.
func (t *Table) applyFrame(frame []byte) {
	var up rowUpdate
	if err := gob.NewDecoder(bytes.NewReader(frame)).Decode(&up); err != nil {
		t.debuglog.Error("bad sst frame: %v", err)
		return
	}

	t.mu.Lock()
	if up.Vid != t.rows[t.myRank].Vid {
		// Straggler from a superseded view.
		t.mu.Unlock()
		return
	}
	rank := -1
	for r, id := range t.members {
		if id == up.From {
			rank = r
			break
		}
	}
	if rank < 0 || rank == t.myRank {
		t.mu.Unlock()
		return
	}
	row := &t.rows[rank]
	checkMonotone(row, &up.Patch, up.Mask, up.From)
	slot := int(up.SlotIndex)
	copyMasked(row, &up.Patch, up.Mask, slot, slot)
	t.mu.Unlock()
	t.wake()
}

func checkMonotone(cur, next *Row, mask uint32, from uint32) {
	has := func(f FieldID) bool { return mask&(1<<uint(f)) != 0 }
	fail := func(field FieldID, old, new interface{}) {
		panic(fmt.Sprintf("protocol violation: node %v regressed %v from %v to %v", from, field, old, new))
	}
	checkVec := func(field FieldID, old, new []int64) {
		for i := range old {
			if new[i] < old[i] {
				fail(field, old[i], new[i])
			}
		}
	}
	if has(FieldSeqNum) {
		checkVec(FieldSeqNum, cur.SeqNum, next.SeqNum)
	}
	if has(FieldStableNum) {
		checkVec(FieldStableNum, cur.StableNum, next.StableNum)
	}
	if has(FieldDeliveredNum) {
		checkVec(FieldDeliveredNum, cur.DeliveredNum, next.DeliveredNum)
	}
	if has(FieldPersistedNum) {
		checkVec(FieldPersistedNum, cur.PersistedNum, next.PersistedNum)
	}
	if has(FieldNumChanges) && next.NumChanges < cur.NumChanges {
		fail(FieldNumChanges, cur.NumChanges, next.NumChanges)
	}
	if has(FieldNumCommitted) && next.NumCommitted < cur.NumCommitted {
		fail(FieldNumCommitted, cur.NumCommitted, next.NumCommitted)
	}
	if has(FieldNumAcked) && next.NumAcked < cur.NumAcked {
		fail(FieldNumAcked, cur.NumAcked, next.NumAcked)
	}
	if has(FieldNumInstalled) && next.NumInstalled < cur.NumInstalled {
		fail(FieldNumInstalled, cur.NumInstalled, next.NumInstalled)
	}
	if has(FieldWedged) && cur.Wedged && !next.Wedged {
		fail(FieldWedged, true, false)
	}
	if has(FieldSuspected) {
		for i := range cur.Suspected {
			if cur.Suspected[i] && !next.Suspected[i] {
				fail(FieldSuspected, true, false)
			}
		}
	}
}

func (t *Table) wake() {
	select {
	case t.tick <- struct{}{}:
	default:
	}
}

// String renders the local row, for debugging.
func (t *Table) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.rows[t.myRank]
	return fmt.Sprintf("row[%d]{vid=%v seq=%v stable=%v delivered=%v nChanges=%v nCommitted=%v nAcked=%v nInstalled=%v wedged=%v}",
		t.myRank, r.Vid, r.SeqNum, r.StableNum, r.DeliveredNum,
		r.NumChanges, r.NumCommitted, r.NumAcked, r.NumInstalled, r.Wedged)
}
