package sqserver

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// BlockSink receives one block from a remote sender. Blocks from a single
// sender arrive in send order.
type BlockSink func(subgroup int, sender uint32, index int64, payload []byte)

// BlockTransport is the reliable block-multicast path for payloads above the
// inline threshold. A transport instance is bound to one view; the receiver
// set of each subgroup is fixed at construction.
type BlockTransport interface {
	Start(sink BlockSink) error
	Send(subgroup int, index int64, payload []byte) error
	Close() error
}

type blockFrame struct {
	Subgroup int32
	Sender   uint32
	Index    int64
	Payload  []byte
}

// BlockHub connects in-process block transports, mirroring the fabric hub.
type BlockHub struct {
	mu      sync.Mutex
	inboxes map[uint32]chan blockFrame
}

func NewBlockHub() *BlockHub {
	return &BlockHub{inboxes: make(map[uint32]chan blockFrame)}
}

// NewTransport returns node self's endpoint. receivers maps each subgroup to
// the node ids of the local shard (self included; self is skipped on send).
func (h *BlockHub) NewTransport(self uint32, receivers map[int][]uint32) BlockTransport {
	return &memBlockTransport{hub: h, self: self, receivers: receivers, stop: make(chan struct{})}
}

type memBlockTransport struct {
	hub       *BlockHub
	self      uint32
	receivers map[int][]uint32
	stop      chan struct{}
	once      sync.Once
}

func (t *memBlockTransport) Start(sink BlockSink) error {
	inbox := make(chan blockFrame, 1024)
	t.hub.mu.Lock()
	t.hub.inboxes[t.self] = inbox
	t.hub.mu.Unlock()
	go func() {
		for {
			select {
			case <-t.stop:
				return
			case f := <-inbox:
				sink(int(f.Subgroup), f.Sender, f.Index, f.Payload)
			}
		}
	}()
	return nil
}

func (t *memBlockTransport) Send(subgroup int, index int64, payload []byte) error {
	frame := blockFrame{
		Subgroup: int32(subgroup),
		Sender:   t.self,
		Index:    index,
		Payload:  append([]byte{}, payload...),
	}
	for _, id := range t.receivers[subgroup] {
		if id == t.self {
			continue
		}
		t.hub.mu.Lock()
		inbox, ok := t.hub.inboxes[id]
		t.hub.mu.Unlock()
		if !ok {
			return errors.Errorf("block hub: no endpoint for node %v", id)
		}
		select {
		case inbox <- frame:
		case <-t.stop:
			return errors.New("block hub: closed")
		}
	}
	return nil
}

func (t *memBlockTransport) Close() error {
	t.once.Do(func() {
		close(t.stop)
		t.hub.mu.Lock()
		delete(t.hub.inboxes, t.self)
		t.hub.mu.Unlock()
	})
	return nil
}

// TCPBlockTransport streams blocks over persistent per-receiver TCP
// connections on the rdmc port. One connection per receiver keeps
// per-sender block order.
type TCPBlockTransport struct {
	self      Node
	receivers map[int][]Node

	mu    sync.Mutex
	conns map[uint32]net.Conn
	ln    net.Listener
	stop  chan struct{}
	once  sync.Once
}

func NewTCPBlockTransport(self Node, view *View) *TCPBlockTransport {
	receivers := make(map[int][]Node)
	for sg, shard := range view.MySubgroups {
		sv := &view.SubgroupShardViews[sg][shard]
		receivers[sg] = append([]Node{}, sv.Nodes...)
	}
	return &TCPBlockTransport{
		self:      self,
		receivers: receivers,
		conns:     make(map[uint32]net.Conn),
		stop:      make(chan struct{}),
	}
}

func (t *TCPBlockTransport) Start(sink BlockSink) error {
	ln, err := net.Listen("tcp", t.self.RDMCAddr())
	if err != nil {
		return errors.Wrapf(err, "block transport listen on %v", t.self.RDMCAddr())
	}
	t.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go t.readLoop(conn, sink)
		}
	}()
	return nil
}

func (t *TCPBlockTransport) readLoop(conn net.Conn, sink BlockSink) {
	defer conn.Close()
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		raw := make([]byte, n)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return
		}
		var f blockFrame
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil {
			return
		}
		sink(int(f.Subgroup), f.Sender, f.Index, f.Payload)
	}
}

func (t *TCPBlockTransport) Send(subgroup int, index int64, payload []byte) error {
	frame := blockFrame{
		Subgroup: int32(subgroup),
		Sender:   t.self.ID,
		Index:    index,
		Payload:  payload,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&frame); err != nil {
		return errors.Wrap(err, "encode block frame")
	}
	raw := buf.Bytes()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))

	for _, node := range t.receivers[subgroup] {
		if node.ID == t.self.ID {
			continue
		}
		conn, err := t.conn(node)
		if err != nil {
			return err
		}
		t.mu.Lock()
		_, err = conn.Write(hdr[:])
		if err == nil {
			_, err = conn.Write(raw)
		}
		if err != nil {
			conn.Close()
			delete(t.conns, node.ID)
			t.mu.Unlock()
			return errors.Wrapf(err, "block send to node %v", node.ID)
		}
		t.mu.Unlock()
	}
	return nil
}

func (t *TCPBlockTransport) conn(node Node) (net.Conn, error) {
	t.mu.Lock()
	conn, ok := t.conns[node.ID]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}
	// A freshly installed view may race the peer binding its listener.
	var c net.Conn
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		c, err = net.Dial("tcp", node.RDMCAddr())
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "block dial node %v", node.ID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[node.ID]; ok {
		c.Close()
		return existing, nil
	}
	t.conns[node.ID] = c
	return c, nil
}

func (t *TCPBlockTransport) Close() error {
	t.once.Do(func() {
		close(t.stop)
		if t.ln != nil {
			t.ln.Close()
		}
		t.mu.Lock()
		for _, c := range t.conns {
			c.Close()
		}
		t.conns = make(map[uint32]net.Conn)
		t.mu.Unlock()
	})
	return nil
}
