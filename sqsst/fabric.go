package sqsst

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Fabric is the one-sided write transport under the SST. Send delivers a
// frame to the table of the destination node; per-origin order is preserved.
// The fabric does not interpret frame contents.
type Fabric interface {
	Start(sink func(frame []byte)) error
	Send(dest uint32, frame []byte) error
	Close() error
}

// MemHub wires the fabrics of an in-process cluster together. Frames travel
// over per-destination channels so per-origin order is kept. Inboxes outlive
// individual fabric endpoints: frames sent to a node that has not attached
// yet wait in its inbox, and successive views of the same node drain the
// same inbox (stale frames carry an old vid and are dropped by the table).
// A pair of nodes can be disconnected to simulate a partition or a crashed
// peer.
type MemHub struct {
	mu         sync.Mutex
	inboxes    map[uint32]chan []byte
	disconnect map[uint32]map[uint32]bool
}

func NewMemHub() *MemHub {
	return &MemHub{
		inboxes:    make(map[uint32]chan []byte),
		disconnect: make(map[uint32]map[uint32]bool),
	}
}

// SetDisconn makes every later send from -> to fail, as a dead fabric link
// would.
func (h *MemHub) SetDisconn(from, to uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disconnect[from] == nil {
		h.disconnect[from] = make(map[uint32]bool)
	}
	h.disconnect[from][to] = true
}

func (h *MemHub) SetConn(from, to uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disconnect[from] != nil {
		h.disconnect[from][to] = false
	}
}

// NewFabric returns the fabric endpoint of one node on this hub.
func (h *MemHub) NewFabric(self uint32) Fabric {
	return &memFabric{hub: h, self: self, stop: make(chan struct{})}
}

type memFabric struct {
	hub  *MemHub
	self uint32
	stop chan struct{}
	once sync.Once
}

func (h *MemHub) inbox(id uint32) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	box, ok := h.inboxes[id]
	if !ok {
		box = make(chan []byte, 1024)
		h.inboxes[id] = box
	}
	return box
}

func (f *memFabric) Start(sink func(frame []byte)) error {
	inbox := f.hub.inbox(f.self)
	go func() {
		for {
			select {
			case <-f.stop:
				return
			case frame := <-inbox:
				sink(frame)
			}
		}
	}()
	return nil
}

func (f *memFabric) Send(dest uint32, frame []byte) error {
	f.hub.mu.Lock()
	disconnected := f.hub.disconnect[f.self] != nil && f.hub.disconnect[f.self][dest]
	f.hub.mu.Unlock()
	if disconnected {
		return errors.Errorf("mem fabric: %v -> %v disconnected", f.self, dest)
	}
	select {
	case f.hub.inbox(dest) <- frame:
		return nil
	case <-f.stop:
		return errors.New("mem fabric: closed")
	}
}

func (f *memFabric) Close() error {
	f.once.Do(func() {
		close(f.stop)
	})
	return nil
}

// TCPFabric emulates one-sided remote writes over persistent TCP
// connections, one per peer, with length-prefixed frames. A write error
// marks the peer unreachable for the rest of the view.
type TCPFabric struct {
	self      uint32
	listenOn  string
	peerAddrs map[uint32]string

	mu    sync.Mutex
	conns map[uint32]net.Conn
	ln    net.Listener
	stop  chan struct{}
	once  sync.Once
}

func NewTCPFabric(self uint32, listenOn string, peerAddrs map[uint32]string) *TCPFabric {
	return &TCPFabric{
		self:      self,
		listenOn:  listenOn,
		peerAddrs: peerAddrs,
		conns:     make(map[uint32]net.Conn),
		stop:      make(chan struct{}),
	}
}

func (f *TCPFabric) Start(sink func(frame []byte)) error {
	ln, err := net.Listen("tcp", f.listenOn)
	if err != nil {
		return errors.Wrapf(err, "sst fabric listen on %v", f.listenOn)
	}
	f.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-f.stop:
				default:
				}
				return
			}
			go f.readLoop(conn, sink)
		}
	}()
	return nil
}

func (f *TCPFabric) readLoop(conn net.Conn, sink func(frame []byte)) {
	defer conn.Close()
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		sink(frame)
	}
}

func (f *TCPFabric) Send(dest uint32, frame []byte) error {
	conn, err := f.conn(dest)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := conn.Write(hdr[:]); err != nil {
		f.drop(dest, conn)
		return errors.Wrapf(err, "sst write to node %v", dest)
	}
	if _, err := conn.Write(frame); err != nil {
		f.drop(dest, conn)
		return errors.Wrapf(err, "sst write to node %v", dest)
	}
	return nil
}

func (f *TCPFabric) conn(dest uint32) (net.Conn, error) {
	f.mu.Lock()
	conn, ok := f.conns[dest]
	f.mu.Unlock()
	if ok {
		return conn, nil
	}
	addr, ok := f.peerAddrs[dest]
	if !ok {
		return nil, errors.Errorf("sst fabric: unknown node %v", dest)
	}
	// A freshly installed view may race the peer binding its listener.
	var c net.Conn
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		c, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sst dial node %v", dest)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.conns[dest]; ok {
		c.Close()
		return existing, nil
	}
	f.conns[dest] = c
	return c, nil
}

func (f *TCPFabric) drop(dest uint32, conn net.Conn) {
	conn.Close()
	if f.conns[dest] == conn {
		delete(f.conns, dest)
	}
}

func (f *TCPFabric) Close() error {
	f.once.Do(func() {
		close(f.stop)
		if f.ln != nil {
			f.ln.Close()
		}
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.conns = make(map[uint32]net.Conn)
		f.mu.Unlock()
	})
	return nil
}
