package sqserver

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/pkg/errors"

	"squall/sqlogger"
)

// CallContext travels down every handler invocation. Handlers that issue
// further sends can be recognized by InHandler; cascading point-to-point
// sends are refused with it.
type CallContext struct {
	InHandler bool
	Sender    uint32
	Subgroup  int
}

// ReplicatedObject is the application-facing contract of one subgroup's
// state. Mutations arrive through registered handlers in delivery order;
// state moves whole during joins.
type ReplicatedObject interface {
	SerializeState() ([]byte, error)
	ApplyState(data []byte) error
}

// ObjectFactory builds a fresh, empty replicated object for one shard.
type ObjectFactory func() ReplicatedObject

// HandlerFunc is one registered operation on a replicated object. Ordered
// handlers run on the delivery thread of their subgroup; each p2p query runs
// its handler on a goroutine of its own (see Group.onQuery).
type HandlerFunc func(obj ReplicatedObject, ctx *CallContext, args []byte) ([]byte, error)

// dispatchKey addresses one operation of one subgroup instance.
type dispatchKey struct {
	Tag      string
	Subgroup int
	Fn       uint16
}

// rpcEnvelope is the payload of an ordered multicast carrying an operation.
type rpcEnvelope struct {
	Fn   uint16
	Args []byte
}

func encodeEnvelope(fn uint16, args []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rpcEnvelope{Fn: fn, Args: args}); err != nil {
		return nil, errors.Wrap(err, "encode rpc envelope")
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (*rpcEnvelope, error) {
	var env rpcEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "decode rpc envelope")
	}
	return &env, nil
}

// Dispatcher owns the replicated object instances of the local node and the
// runtime dispatch table keyed (type tag, subgroup index, function id).
// It consumes ordered deliveries from the engine and answers p2p queries.
type Dispatcher struct {
	mu       sync.Mutex
	types    []SubgroupType
	handlers map[string]map[uint16]HandlerFunc
	table    map[dispatchKey]HandlerFunc
	objects  map[int]ReplicatedObject

	debuglog *sqlogger.DebugLogger
}

func NewDispatcher(types []SubgroupType, selfID uint32) *Dispatcher {
	d := &Dispatcher{
		types:    types,
		handlers: make(map[string]map[uint16]HandlerFunc),
		table:    make(map[dispatchKey]HandlerFunc),
		objects:  make(map[int]ReplicatedObject),
		debuglog: sqlogger.NewDebugLogger(),
	}
	d.debuglog.SetContext("rpc", 0, selfID)
	return d
}

// RegisterHandler binds a function id of a type tag. Must run before the
// first view is bound.
func (d *Dispatcher) RegisterHandler(tag string, fn uint16, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[tag] == nil {
		d.handlers[tag] = make(map[uint16]HandlerFunc)
	}
	d.handlers[tag][fn] = h
}

// BindView rebuilds the dispatch table for the subgroups this node belongs
// to. Object instances survive across views; new subgroups get fresh objects
// from their factory.
func (d *Dispatcher) BindView(v *View) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.debuglog.SetContext("rpc", v.Vid, 0)
	d.table = make(map[dispatchKey]HandlerFunc)
	live := make(map[int]bool)
	for sg := range v.MySubgroups {
		live[sg] = true
		typ := d.types[sg]
		if _, ok := d.objects[sg]; !ok && typ.Factory != nil {
			d.objects[sg] = typ.Factory()
		}
		for fn, h := range d.handlers[typ.Tag] {
			d.table[dispatchKey{Tag: typ.Tag, Subgroup: sg, Fn: fn}] = h
		}
	}
	for sg := range d.objects {
		if !live[sg] {
			delete(d.objects, sg)
		}
	}
}

// Object returns the local instance of one subgroup, nil if this node is not
// a member.
func (d *Dispatcher) Object(subgroup int) ReplicatedObject {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects[subgroup]
}

func (d *Dispatcher) lookup(subgroup int, fn uint16) (HandlerFunc, ReplicatedObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if subgroup < 0 || subgroup >= len(d.types) {
		return nil, nil, errors.Errorf("no subgroup %v", subgroup)
	}
	tag := d.types[subgroup].Tag
	h, ok := d.table[dispatchKey{Tag: tag, Subgroup: subgroup, Fn: fn}]
	if !ok {
		return nil, nil, errors.Wrapf(ErrSubgroupNotMember, "no handler (%v, %v, %v)", tag, subgroup, fn)
	}
	return h, d.objects[subgroup], nil
}

// OnDeliver is the engine's delivery upcall: decode the envelope and run the
// ordered handler. Handler errors are logged, not propagated; the delivery
// order must advance regardless.
func (d *Dispatcher) OnDeliver(subgroup int, seq int64, sender uint32, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		d.debuglog.Error("subgroup %v seq %v: %v", subgroup, seq, err)
		return
	}
	h, obj, err := d.lookup(subgroup, env.Fn)
	if err != nil {
		d.debuglog.Error("subgroup %v seq %v: %v", subgroup, seq, err)
		return
	}
	ctx := &CallContext{InHandler: true, Sender: sender, Subgroup: subgroup}
	if _, err := h(obj, ctx, env.Args); err != nil {
		d.debuglog.Error("subgroup %v seq %v fn %v: %v", subgroup, seq, env.Fn, err)
	}
}

// HandleQuery runs a p2p handler and returns its reply bytes.
func (d *Dispatcher) HandleQuery(subgroup int, fn uint16, sender uint32, args []byte) ([]byte, error) {
	h, obj, err := d.lookup(subgroup, fn)
	if err != nil {
		return nil, err
	}
	ctx := &CallContext{InHandler: true, Sender: sender, Subgroup: subgroup}
	return h(obj, ctx, args)
}

// SerializeSubgroupState snapshots one subgroup's object for state transfer.
func (d *Dispatcher) SerializeSubgroupState(subgroup int) ([]byte, error) {
	obj := d.Object(subgroup)
	if obj == nil {
		return nil, errors.Wrapf(ErrSubgroupNotMember, "subgroup %v", subgroup)
	}
	return obj.SerializeState()
}

// ApplySubgroupState installs transferred state into the subgroup's object,
// creating it from the factory if there is none yet.
func (d *Dispatcher) ApplySubgroupState(subgroup int, data []byte) error {
	d.mu.Lock()
	typ := d.types[subgroup]
	obj, ok := d.objects[subgroup]
	if !ok && typ.Factory != nil {
		obj = typ.Factory()
		d.objects[subgroup] = obj
	}
	d.mu.Unlock()
	if obj == nil {
		return errors.Wrapf(ErrSubgroupNotMember, "subgroup %v has no factory", subgroup)
	}
	return obj.ApplyState(data)
}

// P2PReply completes one pending call.
type P2PReply struct {
	Body []byte
	Err  error
}

// PendingResult is the caller's handle on an outstanding p2p call.
type PendingResult struct {
	Target uint32
	Seq    uint64
	ch     chan P2PReply
	done   func()
	once   sync.Once
}

func (p *PendingResult) finish() {
	p.once.Do(func() {
		if p.done != nil {
			p.done()
		}
	})
}

// Get blocks until the reply or the view-change completion arrives.
func (p *PendingResult) Get() P2PReply {
	return <-p.ch
}

// pendingSet tracks outstanding p2p calls by call tag. A view install
// completes every call whose target departed.
type pendingSet struct {
	mu      sync.Mutex
	nextSeq uint64
	calls   map[string]*PendingResult
}

func newPendingSet() *pendingSet {
	return &pendingSet{calls: make(map[string]*PendingResult)}
}

func (s *pendingSet) add(target uint32, done func()) *PendingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	p := &PendingResult{Target: target, Seq: s.nextSeq, ch: make(chan P2PReply, 1), done: done}
	s.calls[GenCallTag(target, p.Seq)] = p
	return p
}

func (s *pendingSet) complete(target uint32, seq uint64, reply P2PReply) {
	tag := GenCallTag(target, seq)
	s.mu.Lock()
	p, ok := s.calls[tag]
	if ok {
		delete(s.calls, tag)
	}
	s.mu.Unlock()
	if ok {
		p.finish()
		p.ch <- reply
	}
}

// completeDeparted resolves every call targeting a removed node. No further
// reply is expected from them.
func (s *pendingSet) completeDeparted(departed []uint32) {
	gone := make(map[uint32]bool, len(departed))
	for _, id := range departed {
		gone[id] = true
	}
	s.mu.Lock()
	var victims []*PendingResult
	for tag, p := range s.calls {
		if gone[p.Target] {
			delete(s.calls, tag)
			victims = append(victims, p)
		}
	}
	s.mu.Unlock()
	for _, p := range victims {
		p.finish()
		p.ch <- P2PReply{Err: errors.Wrapf(ErrNodeRemoved, "node %v", p.Target)}
	}
}

// window is a counting semaphore bounding outstanding calls.
type window chan struct{}

func newWindow(n int) window {
	w := make(window, n)
	for i := 0; i < n; i++ {
		w <- struct{}{}
	}
	return w
}

func (w window) acquire() { <-w }
func (w window) release() { w <- struct{}{} }
