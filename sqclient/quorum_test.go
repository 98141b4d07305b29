package sqclient

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuorumThresholds(t *testing.T) {
	q := &quorum{target: 2}
	require.False(t, q.EnoughAccept())
	require.False(t, q.EnoughReject())

	q.Accept()
	require.False(t, q.EnoughAccept())
	q.Accept()
	require.True(t, q.EnoughAccept())
	require.False(t, q.EnoughReject())

	q.Reject()
	q.Reject()
	require.True(t, q.EnoughReject())
}

func TestQuorumConcurrentVotes(t *testing.T) {
	const voters = 16
	q := &quorum{target: voters}

	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Accept()
		}()
	}
	wg.Wait()
	require.True(t, q.EnoughAccept())
	require.False(t, q.EnoughReject())
}
