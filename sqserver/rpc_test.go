package sqserver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	fnAppend uint16 = 1
	fnRead   uint16 = 2
)

// logObject records delivered payloads in order.
type logObject struct {
	mu      sync.Mutex
	entries []string
}

func newLogObject() ReplicatedObject {
	return &logObject{}
}

func (o *logObject) SerializeState() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var buf []byte
	for _, e := range o.entries {
		buf = append(buf, byte(len(e)))
		buf = append(buf, e...)
	}
	return buf, nil
}

func (o *logObject) ApplyState(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = nil
	for len(data) > 0 {
		n := int(data[0])
		o.entries = append(o.entries, string(data[1:1+n]))
		data = data[1+n:]
	}
	return nil
}

func (o *logObject) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.entries...)
}

func boundDispatcher(t *testing.T) (*Dispatcher, *View) {
	types := []SubgroupType{{
		Tag:     "log",
		Factory: newLogObject,
		Shards:  []ShardPolicy{{MinNodes: 1, MaxNodes: 2, Mode: ModeOrdered}},
	}}
	d := NewDispatcher(types, 1)
	d.RegisterHandler("log", fnAppend, func(obj ReplicatedObject, ctx *CallContext, args []byte) ([]byte, error) {
		o := obj.(*logObject)
		o.mu.Lock()
		o.entries = append(o.entries, string(args))
		o.mu.Unlock()
		return nil, nil
	})
	d.RegisterHandler("log", fnRead, func(obj ReplicatedObject, ctx *CallContext, args []byte) ([]byte, error) {
		o := obj.(*logObject)
		o.mu.Lock()
		defer o.mu.Unlock()
		if len(o.entries) == 0 {
			return nil, nil
		}
		return []byte(o.entries[len(o.entries)-1]), nil
	})

	v := testView(0, 0, 1, 2)
	require.NoError(t, ComputeLayout(v, types))
	d.BindView(v)
	return d, v
}

func TestDispatcherOrderedDelivery(t *testing.T) {
	d, _ := boundDispatcher(t)

	env1, err := encodeEnvelope(fnAppend, []byte("one"))
	require.NoError(t, err)
	env2, err := encodeEnvelope(fnAppend, []byte("two"))
	require.NoError(t, err)
	d.OnDeliver(0, 0, 2, env1)
	d.OnDeliver(0, 1, 1, env2)

	obj := d.Object(0).(*logObject)
	require.Equal(t, []string{"one", "two"}, obj.snapshot())
}

func TestDispatcherQuery(t *testing.T) {
	d, _ := boundDispatcher(t)

	env, err := encodeEnvelope(fnAppend, []byte("hello"))
	require.NoError(t, err)
	d.OnDeliver(0, 0, 1, env)

	body, err := d.HandleQuery(0, fnRead, 2, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)

	_, err = d.HandleQuery(0, 99, 2, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSubgroupNotMember))
}

func TestDispatcherStateTransfer(t *testing.T) {
	d, _ := boundDispatcher(t)
	env, err := encodeEnvelope(fnAppend, []byte("carried"))
	require.NoError(t, err)
	d.OnDeliver(0, 0, 1, env)

	state, err := d.SerializeSubgroupState(0)
	require.NoError(t, err)

	d2, _ := boundDispatcher(t)
	require.NoError(t, d2.ApplySubgroupState(0, state))
	require.Equal(t, []string{"carried"}, d2.Object(0).(*logObject).snapshot())
}

func TestDispatcherDropsObjectsOnLeave(t *testing.T) {
	d, v := boundDispatcher(t)
	require.NotNil(t, d.Object(0))

	// The next view no longer includes this node in the subgroup.
	next := NewView(v.Vid+1, v.Members, v.Nodes, nil, nil, nil, -1, v.SubgroupTypeOrder)
	next.MySubgroups = make(map[int]int)
	next.SubgroupShardViews = v.SubgroupShardViews
	d.BindView(next)
	require.Nil(t, d.Object(0))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	raw, err := encodeEnvelope(7, []byte{1, 2, 3})
	require.NoError(t, err)
	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(7), env.Fn)
	require.Equal(t, []byte{1, 2, 3}, env.Args)

	_, err = decodeEnvelope([]byte("garbage"))
	require.Error(t, err)
}

func TestPendingSetComplete(t *testing.T) {
	s := newPendingSet()
	released := 0
	p := s.add(2, func() { released++ })

	s.complete(2, p.Seq, P2PReply{Body: []byte("ok")})
	r := p.Get()
	require.NoError(t, r.Err)
	require.Equal(t, []byte("ok"), r.Body)
	require.Equal(t, 1, released)

	// A duplicate completion finds nothing to resolve.
	s.complete(2, p.Seq, P2PReply{Body: []byte("dup")})
	require.Equal(t, 1, released)
}

func TestPendingSetCompleteDeparted(t *testing.T) {
	s := newPendingSet()
	a := s.add(2, nil)
	b := s.add(3, nil)

	s.completeDeparted([]uint32{2})
	r := a.Get()
	require.Error(t, r.Err)
	require.True(t, errors.Is(r.Err, ErrNodeRemoved))

	select {
	case <-b.ch:
		t.Fatal("call to surviving node resolved by departure sweep")
	case <-time.After(20 * time.Millisecond):
	}
	s.complete(3, b.Seq, P2PReply{})
	require.NoError(t, b.Get().Err)
}

func TestWindowBoundsOutstandingCalls(t *testing.T) {
	w := newWindow(2)
	w.acquire()
	w.acquire()

	got := make(chan struct{})
	go func() {
		w.acquire()
		close(got)
	}()
	select {
	case <-got:
		t.Fatal("third acquire should block")
	case <-time.After(20 * time.Millisecond):
	}
	w.release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}
}
