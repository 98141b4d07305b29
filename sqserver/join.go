package sqserver

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"squall/sqlogger"
)

// Connection kinds on the membership port. A joiner opens a one-shot join
// conversation; members open persistent peer links for p2p calls and state
// transfer.
const (
	connKindJoin byte = iota
	connKindPeer
)

// Peer frame kinds.
const (
	frameQuery byte = iota
	frameReply
	frameState
)

type peerHello struct {
	Kind byte
	From uint32
}

type peerFrame struct {
	Kind     byte
	From     uint32
	Seq      uint64
	Subgroup int32
	Fn       uint16
	Body     []byte
	ErrMsg   string
}

type joinRequest struct {
	Joiner Node
}

// joinReply carries everything a joiner needs to come up inside the group:
// the view it joined during, the view it belongs to, the change log matching
// the new view, and the replicated state of every subgroup the replying
// member shares with the joiner.
type joinReply struct {
	OldView []byte
	NewView []byte
	Log     ChangeLogState
	States  map[int][]byte
	ErrMsg  string
}

// PeerPool keeps one persistent TCP connection per member pair, reused
// across views, carrying p2p queries, replies and state-transfer pushes.
type PeerPool struct {
	self Node

	mu    sync.Mutex
	conns map[uint32]*peerConn

	onQuery func(from uint32, seq uint64, subgroup int, fn uint16, body []byte)
	onReply func(from uint32, seq uint64, body []byte, errMsg string)
	onState func(from uint32, subgroup int, body []byte)

	addrOf func(id uint32) (Node, bool)

	debuglog *sqlogger.DebugLogger
}

func NewPeerPool(self Node, addrOf func(id uint32) (Node, bool)) *PeerPool {
	p := &PeerPool{
		self:     self,
		conns:    make(map[uint32]*peerConn),
		addrOf:   addrOf,
		debuglog: sqlogger.NewDebugLogger(),
	}
	p.debuglog.SetContext("pool", 0, self.ID)
	return p
}

// SetSinks wires the pool's inbound frames. Must run before the first
// connection is adopted.
func (p *PeerPool) SetSinks(
	onQuery func(from uint32, seq uint64, subgroup int, fn uint16, body []byte),
	onReply func(from uint32, seq uint64, body []byte, errMsg string),
	onState func(from uint32, subgroup int, body []byte),
) {
	p.onQuery = onQuery
	p.onReply = onReply
	p.onState = onState
}

type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
	wmu  sync.Mutex
}

func (c *peerConn) send(f *peerFrame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(f)
}

// Adopt takes ownership of an accepted peer connection and starts its read
// loop. The decoder already consumed the hello, so the caller hands both
// codec halves over. An existing link to the same peer is kept; the
// duplicate is closed.
func (p *PeerPool) Adopt(from uint32, conn net.Conn, enc *gob.Encoder, dec *gob.Decoder) {
	pc := &peerConn{conn: conn, enc: enc, dec: dec}
	p.mu.Lock()
	if _, ok := p.conns[from]; ok {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conns[from] = pc
	p.mu.Unlock()
	go p.readLoop(from, pc)
}

func (p *PeerPool) readLoop(from uint32, pc *peerConn) {
	defer p.dropConn(from, pc)
	for {
		var f peerFrame
		if err := pc.dec.Decode(&f); err != nil {
			return
		}
		switch f.Kind {
		case frameQuery:
			if p.onQuery != nil {
				p.onQuery(f.From, f.Seq, int(f.Subgroup), f.Fn, f.Body)
			}
		case frameReply:
			if p.onReply != nil {
				p.onReply(f.From, f.Seq, f.Body, f.ErrMsg)
			}
		case frameState:
			if p.onState != nil {
				p.onState(f.From, int(f.Subgroup), f.Body)
			}
		}
	}
}

func (p *PeerPool) dropConn(id uint32, pc *peerConn) {
	pc.conn.Close()
	p.mu.Lock()
	if p.conns[id] == pc {
		delete(p.conns, id)
	}
	p.mu.Unlock()
}

// Drop closes the link to a departed member.
func (p *PeerPool) Drop(id uint32) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// conn returns the link to id, dialing it on first use.
func (p *PeerPool) conn(id uint32) (*peerConn, error) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	p.mu.Unlock()
	if ok {
		return pc, nil
	}
	node, ok := p.addrOf(id)
	if !ok {
		return nil, errors.Wrapf(ErrNodeRemoved, "node %v has no address", id)
	}
	var c net.Conn
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		c, err = net.Dial("tcp", node.GMSAddr())
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "peer dial node %v", id)
	}
	pc = &peerConn{conn: c, enc: gob.NewEncoder(c), dec: gob.NewDecoder(c)}
	if err := pc.enc.Encode(&peerHello{Kind: connKindPeer, From: p.self.ID}); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "peer hello to node %v", id)
	}
	p.mu.Lock()
	if existing, ok := p.conns[id]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	p.conns[id] = pc
	p.mu.Unlock()
	go p.readLoop(id, pc)
	return pc, nil
}

// SendQuery ships one p2p call frame to the target.
func (p *PeerPool) SendQuery(target uint32, seq uint64, subgroup int, fn uint16, body []byte) error {
	pc, err := p.conn(target)
	if err != nil {
		return err
	}
	f := peerFrame{Kind: frameQuery, From: p.self.ID, Seq: seq,
		Subgroup: int32(subgroup), Fn: fn, Body: body}
	if err := pc.send(&f); err != nil {
		p.dropConn(target, pc)
		return errors.Wrapf(err, "p2p query to node %v", target)
	}
	return nil
}

// SendReply answers a received query.
func (p *PeerPool) SendReply(target uint32, seq uint64, body []byte, errMsg string) error {
	pc, err := p.conn(target)
	if err != nil {
		return err
	}
	f := peerFrame{Kind: frameReply, From: p.self.ID, Seq: seq, Body: body, ErrMsg: errMsg}
	if err := pc.send(&f); err != nil {
		p.dropConn(target, pc)
		return errors.Wrapf(err, "p2p reply to node %v", target)
	}
	return nil
}

// SendState pushes one subgroup's serialized object to a joiner.
func (p *PeerPool) SendState(target uint32, subgroup int, body []byte) error {
	pc, err := p.conn(target)
	if err != nil {
		return err
	}
	f := peerFrame{Kind: frameState, From: p.self.ID, Subgroup: int32(subgroup), Body: body}
	if err := pc.send(&f); err != nil {
		p.dropConn(target, pc)
		return errors.Wrapf(err, "state push to node %v", target)
	}
	return nil
}

// Close tears down every link.
func (p *PeerPool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[uint32]*peerConn)
	p.mu.Unlock()
	for _, pc := range conns {
		pc.conn.Close()
	}
}
