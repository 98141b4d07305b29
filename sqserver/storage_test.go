package sqserver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func putMod(cf string, key, value []byte) Modify {
	return Modify{Data: Put{Cf: cf, Key: key, Value: value}}
}

func runStorageConformance(t *testing.T, store Storage) {
	require.NoError(t, store.Write([]Modify{
		putMod(CfLog, LogKey(0, 0), []byte("a")),
		putMod(CfLog, LogKey(0, 2), []byte("c")),
		putMod(CfLog, LogKey(0, 1), []byte("b")),
		putMod(CfLog, LogKey(1, 0), []byte("other")),
		putMod(CfMeta, MetaKey(0), []byte("meta")),
	}))

	reader, err := store.Reader()
	require.NoError(t, err)

	v, err := reader.GetCF(CfLog, LogKey(0, 1))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v)

	v, err = reader.GetCF(CfLog, LogKey(9, 9))
	require.NoError(t, err)
	require.Nil(t, v)

	// Column families don't leak into each other.
	v, err = reader.GetCF(CfDefault, LogKey(0, 0))
	require.NoError(t, err)
	require.Nil(t, v)

	it := reader.IterCF(CfLog)
	var keys [][]byte
	for ; it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	require.Len(t, keys, 4)
	require.Equal(t, LogKey(0, 0), keys[0])
	require.Equal(t, LogKey(0, 1), keys[1])
	require.Equal(t, LogKey(0, 2), keys[2])
	require.Equal(t, LogKey(1, 0), keys[3])

	it.Seek(LogKey(0, 2))
	require.True(t, it.Valid())
	require.Equal(t, LogKey(0, 2), it.Item().KeyCopy(nil))
	val, err := it.Item().ValueCopy(nil)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), val)
	it.Close()
	reader.Close()

	require.NoError(t, store.Write([]Modify{{Data: Delete{Cf: CfLog, Key: LogKey(0, 1)}}}))
	reader, err = store.Reader()
	require.NoError(t, err)
	v, err = reader.GetCF(CfLog, LogKey(0, 1))
	require.NoError(t, err)
	require.Nil(t, v)
	reader.Close()
}

func TestMemStorageConformance(t *testing.T) {
	store := NewMemStorage()
	require.NoError(t, store.Start())
	defer store.Stop()
	runStorageConformance(t, store)
}

func TestBadgerStorageConformance(t *testing.T) {
	store := NewBadgerStorage(t.TempDir())
	require.NoError(t, store.Start())
	defer store.Stop()
	runStorageConformance(t, store)
}

func TestMemReaderUnclosedIteratorPanics(t *testing.T) {
	store := NewMemStorage()
	reader, err := store.Reader()
	require.NoError(t, err)
	reader.IterCF(CfLog)
	require.Panics(t, func() { reader.Close() })
}

func TestPersistenceWatermark(t *testing.T) {
	store := NewMemStorage()

	var mu sync.Mutex
	reported := make(map[int]int64)
	p := NewPersistenceManager(store, 1, func(subgroup int, version int64) {
		mu.Lock()
		reported[subgroup] = version
		mu.Unlock()
	})
	require.NoError(t, p.Start())
	defer p.Stop()

	require.Equal(t, int64(-1), p.Persisted(0))

	p.OnDeliver(0, 0, 1, []byte("first"))
	p.OnDeliver(0, 1, 2, []byte("second"))
	p.OnDeliver(1, 0, 1, []byte("other subgroup"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reported[0] == 1 && reported[1] == 0
	}, time.Second, time.Millisecond)

	require.Equal(t, int64(1), p.Persisted(0))
	require.Equal(t, int64(0), p.Persisted(1))
	require.Equal(t, []byte("second"), store.Get(CfLog, LogKey(0, 1)))
}

func TestPersistenceRecoversWatermarks(t *testing.T) {
	store := NewMemStorage()

	first := NewPersistenceManager(store, 1, nil)
	require.NoError(t, first.Start())
	first.OnDeliver(2, 7, 1, []byte("payload"))
	require.Eventually(t, func() bool {
		return first.Persisted(2) == 7
	}, time.Second, time.Millisecond)
	require.NoError(t, first.Stop())

	second := NewPersistenceManager(store, 1, nil)
	require.NoError(t, second.Start())
	defer second.Stop()
	require.Equal(t, int64(7), second.Persisted(2))
}
