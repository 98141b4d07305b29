package sqclient

import (
	"log"
	"net/rpc"
	"sync"
	"time"

	"github.com/pkg/errors"

	"squall/sqserver"
)

// GroupClient talks to the external ports of group members: it learns the
// current view, reads replicated objects, and relays ordered sends through a
// member.
type GroupClient struct {
	memberAddr []string
	members    []*rpc.Client
	view       *sqserver.View
	quorum     uint64
	id         int
	seq        int
}

func NewGroupClient(addrs []string, id int) *GroupClient {
	p := &GroupClient{}
	p.memberAddr = addrs
	p.members = make([]*rpc.Client, len(addrs))
	p.quorum = uint64(len(addrs)/2 + 1)
	p.id = id
	return p
}

// Connect dials every configured member, retrying until each comes up.
func (p *GroupClient) Connect() {
	wg := sync.WaitGroup{}
	for i := range p.memberAddr {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				client, err := rpc.Dial("tcp", p.memberAddr[i])
				if err != nil {
					log.Printf("dial %v error: %v", p.memberAddr[i], err)
					time.Sleep(time.Second)
					continue
				}
				p.members[i] = client
				return
			}
		}(i)
	}
	wg.Wait()
}

// GetView asks every member for its installed view and keeps the one with the
// highest vid among the answers. It returns once a quorum of members has
// answered; the answers are not checked for a common vid.
func (p *GroupClient) GetView() error {
	type resp struct {
		view *sqserver.View
		err  error
	}
	ch := make(chan resp, len(p.members))
	for i := range p.members {
		go func(i int) {
			args := &sqserver.ExternalMsg{Type: sqserver.MsgTypeGetView}
			reply := &sqserver.ExternalMsg{}
			err := p.members[i].Call("ExternalEndpoint.ClientCall", args, reply)
			if err != nil {
				ch <- resp{err: err}
				return
			}
			if reply.ErrMsg != "" {
				ch <- resp{err: errors.New(reply.ErrMsg)}
				return
			}
			v, err := sqserver.DecodeView(reply.View, 0)
			ch <- resp{view: v, err: err}
		}(i)
	}

	q := &quorum{target: p.quorum}
	var newest *sqserver.View
	for range p.members {
		r := <-ch
		if r.err != nil {
			q.Reject()
			if q.EnoughReject() {
				return errors.Wrap(r.err, "no quorum of members answered")
			}
			continue
		}
		q.Accept()
		if newest == nil || r.view.Vid > newest.Vid {
			newest = r.view
		}
		if q.EnoughAccept() {
			break
		}
	}
	if newest == nil {
		return errors.New("no member returned a view")
	}
	p.view = newest
	return nil
}

// View returns the last fetched view, nil before GetView.
func (p *GroupClient) View() *sqserver.View {
	return p.view
}

// memberFor picks a connected member of the subgroup, preferring shard
// leaders so reads observe the longest delivered prefix.
func (p *GroupClient) memberFor(subgroup int) (*rpc.Client, error) {
	if p.view == nil {
		return nil, errors.New("no view fetched yet")
	}
	if subgroup < 0 || subgroup >= len(p.view.SubgroupShardViews) {
		return nil, errors.Errorf("no subgroup %v in view %v", subgroup, p.view.Vid)
	}
	for _, shard := range p.view.SubgroupShardViews[subgroup] {
		for _, node := range shard.Nodes {
			for i, addr := range p.memberAddr {
				if addr == node.ExternalAddr() && p.members[i] != nil {
					return p.members[i], nil
				}
			}
		}
	}
	return nil, errors.Errorf("no connected member of subgroup %v", subgroup)
}

// Query reads a replicated object through one member of its subgroup.
func (p *GroupClient) Query(subgroup int, fn uint16, args []byte) ([]byte, error) {
	member, err := p.memberFor(subgroup)
	if err != nil {
		return nil, err
	}
	p.seq += 1
	msg := &sqserver.ExternalMsg{
		Type:     sqserver.MsgTypeQuery,
		Subgroup: subgroup,
		Fn:       fn,
		Args:     args,
	}
	reply := &sqserver.ExternalMsg{}
	if err := member.Call("ExternalEndpoint.ClientCall", msg, reply); err != nil {
		return nil, errors.Wrapf(err, "query subgroup %v", subgroup)
	}
	if reply.ErrMsg != "" {
		return nil, errors.New(reply.ErrMsg)
	}
	return reply.Body, nil
}

// OrderedSend relays one totally-ordered operation through a member of the
// subgroup. The call returns once the member accepted the send, not once it
// was delivered.
func (p *GroupClient) OrderedSend(subgroup int, fn uint16, args []byte) error {
	member, err := p.memberFor(subgroup)
	if err != nil {
		return err
	}
	p.seq += 1
	msg := &sqserver.ExternalMsg{
		Type:     sqserver.MsgTypeOrderedSend,
		Subgroup: subgroup,
		Fn:       fn,
		Args:     args,
	}
	reply := &sqserver.ExternalMsg{}
	if err := member.Call("ExternalEndpoint.ClientCall", msg, reply); err != nil {
		return errors.Wrapf(err, "ordered send to subgroup %v", subgroup)
	}
	if reply.ErrMsg != "" {
		return errors.New(reply.ErrMsg)
	}
	return nil
}

func (p *GroupClient) Close() {
	for _, c := range p.members {
		if c != nil {
			c.Close()
		}
	}
}
