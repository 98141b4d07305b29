package sqserver

import (
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"

	"squall/sqlogger"

	"github.com/pkg/errors"
)

// External message types on the client port.
const (
	MsgTypeGetView = iota
	MsgTypeQuery
	MsgTypeOrderedSend
)

// ExternalMsg is the wire unit of the external client surface, request and
// reply both.
type ExternalMsg struct {
	Type     int
	Subgroup int
	Fn       uint16
	Args     []byte

	View   []byte
	Body   []byte
	ErrMsg string
}

// ExternalInfo hands one external call from the rpc goroutine to the serve
// loop; the reply travels back over Res.
type ExternalInfo struct {
	Msg  *ExternalMsg
	Res  chan *ExternalMsg
	UUID uint64
}

// ExternalEndpoint is the net/rpc receiver. It only forwards into the serve
// loop's channel; all group state stays on the loop.
type ExternalEndpoint struct {
	MsgChan chan *ExternalInfo

	uuid uint64
}

func (p *ExternalEndpoint) ClientCall(args *ExternalMsg, reply *ExternalMsg) error {
	uuid := atomic.AddUint64(&p.uuid, 1)
	res := make(chan *ExternalMsg)
	p.MsgChan <- &ExternalInfo{
		Msg:  args,
		Res:  res,
		UUID: uuid,
	}
	info := <-res
	*reply = *info
	return nil
}

// ExternalServer serves clients on the external port: view queries, reads of
// replicated objects, and ordered sends relayed into the group.
type ExternalServer struct {
	group    *Group
	msgCh    chan *ExternalInfo
	ln       net.Listener
	stop     chan struct{}
	stopOnce sync.Once

	debuglog *sqlogger.DebugLogger
}

func NewExternalServer(g *Group) *ExternalServer {
	s := &ExternalServer{
		group:    g,
		msgCh:    make(chan *ExternalInfo, 64),
		stop:     make(chan struct{}),
		debuglog: sqlogger.NewDebugLogger(),
	}
	s.debuglog.SetContext("external", 0, g.self.ID)
	return s
}

func (s *ExternalServer) Start() error {
	srv := rpc.NewServer()
	if err := srv.Register(&ExternalEndpoint{MsgChan: s.msgCh}); err != nil {
		return errors.Wrap(err, "register external endpoint")
	}
	ln, err := net.Listen("tcp", s.group.self.ExternalAddr())
	if err != nil {
		return errors.Wrapf(err, "external listen on %v", s.group.self.ExternalAddr())
	}
	s.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	go s.serveLoop()
	return nil
}

func (s *ExternalServer) serveLoop() {
	for {
		select {
		case <-s.stop:
			return
		case info := <-s.msgCh:
			info.Res <- s.handle(info.Msg)
		}
	}
}

func (s *ExternalServer) handle(msg *ExternalMsg) *ExternalMsg {
	reply := &ExternalMsg{Type: msg.Type}
	switch msg.Type {
	case MsgTypeGetView:
		data, err := s.group.CurrentView().Encode()
		if err != nil {
			reply.ErrMsg = err.Error()
			return reply
		}
		reply.View = data
	case MsgTypeQuery:
		body, err := s.group.dispatcher.HandleQuery(msg.Subgroup, msg.Fn, s.group.self.ID, msg.Args)
		if err != nil {
			reply.ErrMsg = err.Error()
			return reply
		}
		reply.Body = body
	case MsgTypeOrderedSend:
		if err := s.group.OrderedSend(nil, msg.Subgroup, msg.Fn, msg.Args); err != nil {
			reply.ErrMsg = err.Error()
			return reply
		}
	default:
		reply.ErrMsg = "unknown external message type"
	}
	return reply
}

func (s *ExternalServer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.ln != nil {
		s.ln.Close()
	}
}
