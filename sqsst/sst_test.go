package sqsst

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLayout(members int) Layout {
	return Layout{
		NumMembers:     members,
		NumSubgroups:   2,
		NumSenderSlots: 3,
		ChangesCap:     8,
		WindowSize:     4,
		SlotSize:       64,
	}
}

func startCluster(t *testing.T, n int) (*MemHub, []*Table) {
	hub := NewMemHub()
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}
	tables := make([]*Table, n)
	for i := range tables {
		tables[i] = NewTable(testLayout(n), ids, i, hub.NewFabric(ids[i]))
		require.NoError(t, tables[i].Start())
	}
	t.Cleanup(func() {
		for _, tb := range tables {
			tb.Stop()
		}
	})
	return hub, tables
}

func TestPutPropagatesToAllRows(t *testing.T) {
	_, tables := startCluster(t, 3)

	tables[0].Mutate(func(local *Row) {
		local.SeqNum[1] = 41
	})
	require.NoError(t, tables[0].Put(FieldSeqNum))

	for _, tb := range tables[1:] {
		tb := tb
		require.Eventually(t, func() bool {
			var got int64
			tb.Scan(func(rows []Row) {
				got = rows[0].SeqNum[1]
			})
			return got == 41
		}, time.Second, time.Millisecond)
	}
}

func TestDataPublishedBeforeReadyFlag(t *testing.T) {
	_, tables := startCluster(t, 2)

	tables[0].Mutate(func(local *Row) {
		local.GlobalMin[0] = 7
		local.GlobalMin[1] = 9
	})
	require.NoError(t, tables[0].Put(FieldGlobalMin))
	tables[0].Mutate(func(local *Row) {
		local.GlobalMinReady[0] = true
	})
	require.NoError(t, tables[0].Put(FieldGlobalMinReady))

	// Whenever the observer sees the flag, the vector must already be there.
	require.Eventually(t, func() bool {
		ok := false
		tables[1].Scan(func(rows []Row) {
			if rows[0].GlobalMinReady[0] {
				require.Equal(t, int32(7), rows[0].GlobalMin[0])
				require.Equal(t, int32(9), rows[0].GlobalMin[1])
				ok = true
			}
		})
		return ok
	}, time.Second, time.Millisecond)
}

func TestSlotThenCounterPublication(t *testing.T) {
	_, tables := startCluster(t, 2)

	payload := []byte("inline message")
	tables[0].Mutate(func(local *Row) {
		local.Slots[2] = MessageSlot{Buf: payload, Len: int32(len(payload))}
	})
	require.NoError(t, tables[0].PutSlot(2))
	tables[0].Mutate(func(local *Row) {
		local.NumReceivedSST[0] = 1
	})
	require.NoError(t, tables[0].Put(FieldNumReceivedSST))

	require.Eventually(t, func() bool {
		ok := false
		tables[1].Scan(func(rows []Row) {
			if rows[0].NumReceivedSST[0] == 1 {
				require.Equal(t, payload, rows[0].Slots[2].Buf)
				ok = true
			}
		})
		return ok
	}, time.Second, time.Millisecond)
}

func TestPredicateOneShotFiresOnce(t *testing.T) {
	_, tables := startCluster(t, 1)

	var mu sync.Mutex
	fired := 0
	tables[0].RegisterPredicate("once",
		func(rows []Row) bool { return true },
		func() {
			mu.Lock()
			fired++
			mu.Unlock()
		},
		OneShot)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, fired)
}

func TestPredicatesRunInRegistrationOrder(t *testing.T) {
	_, tables := startCluster(t, 1)

	var mu sync.Mutex
	var order []string
	record := func(name string) Action {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	tables[0].RegisterPredicate("first", func(rows []Row) bool { return true }, record("first"), OneShot)
	tables[0].RegisterPredicate("second", func(rows []Row) bool { return true }, record("second"), OneShot)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestPredicateCancel(t *testing.T) {
	_, tables := startCluster(t, 1)

	var mu sync.Mutex
	fired := 0
	h := tables[0].RegisterPredicate("cancelled",
		func(rows []Row) bool { return true },
		func() {
			mu.Lock()
			fired++
			mu.Unlock()
		},
		Recurring)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired > 0
	}, time.Second, time.Millisecond)
	h.Cancel()
	mu.Lock()
	after := fired
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, fired, after+1)
}

func TestFreezeMarksRowUnreachable(t *testing.T) {
	_, tables := startCluster(t, 2)

	require.False(t, tables[0].Frozen(1))
	tables[0].Freeze(1)
	require.True(t, tables[0].Frozen(1))
}

func TestFabricFailureFreezesPeer(t *testing.T) {
	hub, tables := startCluster(t, 2)

	hub.SetDisconn(1, 2)
	tables[0].Mutate(func(local *Row) {
		local.SeqNum[0] = 1
	})
	err := tables[0].Put(FieldSeqNum)
	require.Error(t, err)
	require.True(t, tables[0].Frozen(1))
}

func TestInitLocalRowFromPrevious(t *testing.T) {
	hub := NewMemHub()
	ids := []uint32{1, 2}
	old := NewTable(testLayout(2), ids, 0, hub.NewFabric(1))
	old.Mutate(func(local *Row) {
		local.Changes[0] = 9
		local.Changes[1] = 10
		local.NumChanges = 2
		local.NumCommitted = 2
		local.NumAcked = 2
		local.NumInstalled = 0
		local.SeqNum[0] = 55
	})

	next := NewTable(testLayout(2), ids, 0, hub.NewFabric(1))
	next.InitLocalRowFromPrevious(old, 2)

	next.Scan(func(rows []Row) {
		local := rows[0]
		require.Equal(t, int32(2), local.NumChanges)
		require.Equal(t, int32(2), local.NumCommitted)
		require.Equal(t, int32(2), local.NumAcked)
		require.Equal(t, int32(2), local.NumInstalled)
		require.Equal(t, uint32(9), local.Changes[0])
		// Multicast counters restart with the view.
		require.Equal(t, int64(-1), local.SeqNum[0])
	})
}

func TestStaleViewFramesDropped(t *testing.T) {
	_, tables := startCluster(t, 2)

	// The observer is already in the next view; frames tagged with the old
	// vid must not touch its replica.
	tables[1].Mutate(func(local *Row) {
		local.Vid = 1
	})
	tables[0].Mutate(func(local *Row) {
		local.SeqNum[0] = 3
	})
	require.NoError(t, tables[0].Put(FieldSeqNum))

	time.Sleep(50 * time.Millisecond)
	tables[1].Scan(func(rows []Row) {
		require.Equal(t, int64(-1), rows[0].SeqNum[0])
	})
}
