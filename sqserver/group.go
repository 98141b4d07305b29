package sqserver

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"squall/sqlogger"
)

// GroupParams collects every knob of one group member.
type GroupParams struct {
	Manager     ManagerParams
	RPCWindow   int // outstanding ordered sends
	P2PWindow   int // outstanding p2p calls
	JoinPoll    time.Duration
	JoinTimeout time.Duration
}

func (p *GroupParams) fillDefaults() {
	if p.RPCWindow <= 0 {
		p.RPCWindow = 16
	}
	if p.P2PWindow <= 0 {
		p.P2PWindow = 16
	}
	if p.JoinPoll <= 0 {
		p.JoinPoll = 50 * time.Millisecond
	}
	if p.JoinTimeout <= 0 {
		p.JoinTimeout = 10 * time.Second
	}
}

// Group is one process's handle on the replicated group: the view manager
// drives membership, the dispatcher runs replicated objects, the peer pool
// carries p2p calls and state transfer, and the membership-port listener
// serves joiners.
type Group struct {
	self   Node
	types  []SubgroupType
	params GroupParams

	manager    *ViewManager
	dispatcher *Dispatcher
	pool       *PeerPool
	pending    *pendingSet

	rpcWin  window
	p2pWin  window
	chained []DeliveryFunc

	ln       net.Listener
	stop     chan struct{}
	stopOnce sync.Once

	debuglog *sqlogger.DebugLogger
}

// NewGroup assembles a member but does not start it; register handlers, then
// call Create or Join.
func NewGroup(self Node, types []SubgroupType, params GroupParams,
	fabricFor FabricFactory, blockFor BlockFactory, upcall ViewUpcall) *Group {
	params.fillDefaults()
	g := &Group{
		self:     self,
		types:    types,
		params:   params,
		pending:  newPendingSet(),
		rpcWin:   newWindow(params.RPCWindow),
		p2pWin:   newWindow(params.P2PWindow),
		stop:     make(chan struct{}),
		debuglog: sqlogger.NewDebugLogger(),
	}
	g.debuglog.SetContext("group", 0, self.ID)
	g.dispatcher = NewDispatcher(types, self.ID)
	g.pool = NewPeerPool(self, func(id uint32) (Node, bool) {
		v := g.manager.CurrentView()
		r := v.RankOf(id)
		if r < 0 {
			return Node{}, false
		}
		return v.Nodes[r], true
	})
	g.pool.SetSinks(g.onQuery, g.onReply, g.onState)
	deliver := func(subgroup int, seq int64, sender uint32, payload []byte) {
		g.dispatcher.OnDeliver(subgroup, seq, sender, payload)
		for _, f := range g.chained {
			f(subgroup, seq, sender, payload)
		}
	}
	g.manager = NewViewManager(self, types, params.Manager,
		fabricFor, blockFor, deliver, upcall)
	g.manager.AddInstallHook(g.onInstall)
	return g
}

// RegisterHandler binds one operation of a subgroup type. Must run before
// Create or Join.
func (g *Group) RegisterHandler(tag string, fn uint16, h HandlerFunc) {
	g.dispatcher.RegisterHandler(tag, fn, h)
}

// ChainDelivery appends a sink behind the dispatcher on the delivery path;
// the persistence manager is the usual tap. Must run before Create or Join.
func (g *Group) ChainDelivery(f DeliveryFunc) {
	g.chained = append(g.chained, f)
}

// CurrentView returns the installed view, read-only.
func (g *Group) CurrentView() *View {
	return g.manager.CurrentView()
}

// Engine returns the current view's multicast engine.
func (g *Group) Engine() *MulticastEngine {
	return g.manager.Engine()
}

// Object returns the local replicated object of one subgroup, nil if this
// node is not a member of it.
func (g *Group) Object(subgroup int) ReplicatedObject {
	return g.dispatcher.Object(subgroup)
}

// Create bootstraps a fresh group from the configured founding members. Every
// founder calls Create with the same node list; ids must be distinct.
func (g *Group) Create(initial []Node) error {
	members := make([]uint32, len(initial))
	myRank := -1
	for i, n := range initial {
		members[i] = n.ID
		if n.ID == g.self.ID {
			myRank = i
		}
	}
	typeOrder := make([]string, len(g.types))
	for i, t := range g.types {
		typeOrder[i] = t.Tag
	}
	v := NewView(0, members, initial, nil, members, nil, myRank, typeOrder)
	if err := ComputeLayout(v, g.types); err != nil {
		return errors.Wrap(err, "initial layout")
	}
	g.dispatcher.BindView(v)
	if err := g.listen(); err != nil {
		return err
	}
	return g.manager.Start(v)
}

// Join brings this process into a running group through one of its members.
// A non-leader contact redirects to the leader; the handshake then yields
// the new view, the change log, and the replicated state of every subgroup
// shared with the contact.
func (g *Group) Join(contact Node) error {
	reply, err := g.requestJoin(contact)
	if err != nil {
		return err
	}
	newView, err := DecodeView(reply.NewView, g.self.ID)
	if err != nil {
		return err
	}
	if newView.MyRank < 0 {
		return errors.Errorf("join reply view %v does not include node %v", newView.Vid, g.self.ID)
	}
	if err := ComputeLayout(newView, g.types); err != nil {
		return errors.Wrap(err, "joined layout")
	}
	g.dispatcher.BindView(newView)
	for sg, state := range reply.States {
		if err := g.dispatcher.ApplySubgroupState(sg, state); err != nil {
			return errors.Wrapf(err, "state transfer of subgroup %v", sg)
		}
	}
	if err := g.listen(); err != nil {
		return err
	}
	if err := g.manager.StartJoined(newView, reply.Log); err != nil {
		return err
	}
	g.debuglog.InfoJoin("joined view %v as rank %v", newView.Vid, newView.MyRank)
	return nil
}

// requestJoin runs the one-shot join conversation, following at most one
// leader redirect.
func (g *Group) requestJoin(contact Node) (*joinReply, error) {
	for hop := 0; hop < 2; hop++ {
		reply, redirect, err := g.joinOnce(contact)
		if err != nil {
			return nil, err
		}
		if redirect == nil {
			return reply, nil
		}
		contact = *redirect
	}
	return nil, errors.Errorf("join via node %v: leader moved twice", contact.ID)
}

func (g *Group) joinOnce(contact Node) (*joinReply, *Node, error) {
	conn, err := net.Dial("tcp", contact.GMSAddr())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "join dial node %v", contact.ID)
	}
	defer conn.Close()
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)
	if err := enc.Encode(&peerHello{Kind: connKindJoin, From: g.self.ID}); err != nil {
		return nil, nil, errors.Wrap(err, "join hello")
	}
	if err := enc.Encode(&joinRequest{Joiner: g.self}); err != nil {
		return nil, nil, errors.Wrap(err, "join request")
	}
	var reply joinReply
	if err := dec.Decode(&reply); err != nil {
		return nil, nil, errors.Wrapf(err, "join reply from node %v", contact.ID)
	}
	if reply.ErrMsg != "" {
		return nil, nil, errors.Errorf("join refused by node %v: %v", contact.ID, reply.ErrMsg)
	}
	if reply.NewView == nil {
		// Redirect: OldView carries the contact's current view so the joiner
		// can find the leader.
		v, err := DecodeView(reply.OldView, g.self.ID)
		if err != nil {
			return nil, nil, err
		}
		lr := v.LeaderRank()
		if lr < 0 {
			return nil, nil, errors.Errorf("view %v has no live leader", v.Vid)
		}
		leader := v.Nodes[lr]
		return nil, &leader, nil
	}
	return &reply, nil, nil
}

// listen binds the membership port and serves join and peer connections.
func (g *Group) listen() error {
	ln, err := net.Listen("tcp", g.self.GMSAddr())
	if err != nil {
		return errors.Wrapf(err, "membership listen on %v", g.self.GMSAddr())
	}
	g.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go g.serveConn(conn)
		}
	}()
	return nil
}

func (g *Group) serveConn(conn net.Conn) {
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)
	var hello peerHello
	if err := dec.Decode(&hello); err != nil {
		conn.Close()
		return
	}
	switch hello.Kind {
	case connKindJoin:
		defer conn.Close()
		g.serveJoin(conn, enc, dec)
	case connKindPeer:
		g.pool.Adopt(hello.From, conn, enc, dec)
	default:
		conn.Close()
	}
}

// serveJoin handles one joiner conversation. A non-leader replies with its
// current view only; the joiner redirects itself to the leader.
func (g *Group) serveJoin(conn net.Conn, enc *gob.Encoder, dec *gob.Decoder) {
	var req joinRequest
	if err := dec.Decode(&req); err != nil {
		return
	}
	oldView := g.manager.CurrentView()
	oldBytes, err := oldView.Encode()
	if err != nil {
		enc.Encode(&joinReply{ErrMsg: err.Error()})
		return
	}
	if !oldView.IAmLeader() {
		enc.Encode(&joinReply{OldView: oldBytes})
		return
	}
	if err := g.manager.EnqueueJoin(req.Joiner); err != nil {
		enc.Encode(&joinReply{ErrMsg: err.Error()})
		return
	}
	g.debuglog.InfoJoin("node %v joining via leader", req.Joiner.ID)

	newView, err := g.awaitMembership(req.Joiner.ID)
	if err != nil {
		enc.Encode(&joinReply{ErrMsg: err.Error()})
		return
	}
	newBytes, err := newView.Encode()
	if err != nil {
		enc.Encode(&joinReply{ErrMsg: err.Error()})
		return
	}
	states, err := g.statesSharedWith(newView, req.Joiner.ID)
	if err != nil {
		enc.Encode(&joinReply{ErrMsg: err.Error()})
		return
	}
	enc.Encode(&joinReply{
		OldView: oldBytes,
		NewView: newBytes,
		Log:     g.manager.ChangeLog(),
		States:  states,
	})
}

// awaitMembership polls until the joiner appears in an installed view.
func (g *Group) awaitMembership(joiner uint32) (*View, error) {
	deadline := time.Now().Add(g.params.JoinTimeout)
	for {
		v := g.manager.CurrentView()
		if v.RankOf(joiner) >= 0 {
			return v, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("join of node %v did not install within %v",
				joiner, g.params.JoinTimeout)
		}
		select {
		case <-g.stop:
			return nil, errors.New("group stopped")
		case <-time.After(g.params.JoinPoll):
		}
	}
}

// statesSharedWith serializes the subgroups this node shares with the joiner.
// Shards the leader does not belong to transfer through the joiner's shard
// leader instead, via the install hook.
func (g *Group) statesSharedWith(v *View, joiner uint32) (map[int][]byte, error) {
	states := make(map[int][]byte)
	for sg, shard := range v.MySubgroups {
		sv := &v.SubgroupShardViews[sg][shard]
		if sv.RankOf(joiner) < 0 {
			continue
		}
		data, err := g.dispatcher.SerializeSubgroupState(sg)
		if err != nil {
			return nil, errors.Wrapf(err, "serialize subgroup %v", sg)
		}
		states[sg] = data
	}
	return states, nil
}

// onInstall runs after every view install: departed members lose their links
// and their pending calls, the dispatcher rebinds, and shard leaders push
// state to joiners that landed in their shards.
func (g *Group) onInstall(next *View, departed []uint32) {
	g.pending.completeDeparted(departed)
	for _, id := range departed {
		g.pool.Drop(id)
	}
	g.dispatcher.BindView(next)

	joined := make(map[uint32]bool, len(next.Joined))
	for _, id := range next.Joined {
		joined[id] = true
	}
	if len(joined) == 0 {
		return
	}
	for sg, shard := range next.MySubgroups {
		sv := &next.SubgroupShardViews[sg][shard]
		if next.ShardLeaderRank(sg, shard) != sv.MyRank {
			continue
		}
		var targets []uint32
		for _, id := range sv.Members {
			if joined[id] {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			continue
		}
		data, err := g.dispatcher.SerializeSubgroupState(sg)
		if err != nil {
			g.debuglog.Error("state push of subgroup %v: %v", sg, err)
			continue
		}
		for _, id := range targets {
			if err := g.pool.SendState(id, sg, data); err != nil {
				g.debuglog.Error("state push of subgroup %v to node %v: %v", sg, id, err)
			}
		}
	}
}

// ---- peer frame sinks ----

// onQuery runs a p2p handler off the connection reader and ships the reply.
func (g *Group) onQuery(from uint32, seq uint64, subgroup int, fn uint16, body []byte) {
	go func() {
		reply, err := g.dispatcher.HandleQuery(subgroup, fn, from, body)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		if serr := g.pool.SendReply(from, seq, reply, errMsg); serr != nil {
			g.debuglog.Error("reply to node %v seq %v: %v", from, seq, serr)
		}
	}()
}

func (g *Group) onReply(from uint32, seq uint64, body []byte, errMsg string) {
	var err error
	if errMsg != "" {
		err = errors.New(errMsg)
	}
	g.pending.complete(from, seq, P2PReply{Body: body, Err: err})
}

func (g *Group) onState(from uint32, subgroup int, body []byte) {
	if err := g.dispatcher.ApplySubgroupState(subgroup, body); err != nil {
		g.debuglog.Error("state from node %v for subgroup %v: %v", from, subgroup, err)
	}
}

// ---- application surface ----

// OrderedSend multicasts one operation to a subgroup in total order. It
// blocks while the send window is full and fails with ErrWedged during a
// membership change. Handlers must not call it; ordered sends from inside a
// handler would deadlock the delivery thread.
func (g *Group) OrderedSend(ctx *CallContext, subgroup int, fn uint16, args []byte) error {
	if ctx != nil && ctx.InHandler {
		return errors.New("ordered send from inside a handler")
	}
	payload, err := encodeEnvelope(fn, args)
	if err != nil {
		return err
	}
	g.rpcWin.acquire()
	defer g.rpcWin.release()
	engine := g.manager.Engine()
	if engine == nil {
		return errors.Wrap(ErrWedged, "no engine bound")
	}
	return engine.Send(subgroup, payload)
}

// P2PQuery sends one point-to-point call and returns a handle the caller
// blocks on. Calls from inside a handler are refused; a cascading call could
// deadlock against the sender's own delivery order.
func (g *Group) P2PQuery(ctx *CallContext, target uint32, subgroup int, fn uint16, args []byte) (*PendingResult, error) {
	if ctx != nil && ctx.InHandler {
		return nil, errors.New("p2p call from inside a handler")
	}
	v := g.manager.CurrentView()
	if v.RankOf(target) < 0 {
		return nil, errors.Wrapf(ErrNodeRemoved, "node %v", target)
	}
	g.p2pWin.acquire()
	p := g.pending.add(target, g.p2pWin.release)
	if err := g.pool.SendQuery(target, p.Seq, subgroup, fn, args); err != nil {
		g.pending.complete(target, p.Seq, P2PReply{Err: err})
		<-p.ch
		return nil, err
	}
	return p, nil
}

// Leave departs cleanly: the member simply stops responding and the failure
// detector removes it. Stop tears down the local runtime.
func (g *Group) Leave() {
	g.Stop()
}

// Stop shuts the member down.
func (g *Group) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	if g.ln != nil {
		g.ln.Close()
	}
	g.pool.Close()
	g.manager.Stop()
}
