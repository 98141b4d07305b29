package sqserver

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/dgraph-io/badger/y"
	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"

	"squall/sqlogger"
)

// Storage is the durable sink behind the delivery path. The log column holds
// delivered messages keyed by (subgroup, sequence); the meta column holds the
// per-subgroup persisted watermark.
type Storage interface {
	Start() error
	Stop() error
	Write(batch []Modify) error
	Reader() (StorageReader, error)
}

type StorageReader interface {
	// When the key doesn't exist, return nil for the value
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) DBIterator
	Close()
}

type DBIterator interface {
	// Item returns pointer to the current key-value pair.
	Item() DBItem
	// Valid returns false when iteration is done.
	Valid() bool
	// Next would advance the iterator by one. Always check it.Valid() after a Next()
	// to ensure you have access to a valid it.Item().
	Next()
	// Seek would seek to the provided key if present. If absent, it would seek to the next smallest key
	// greater than provided.
	Seek([]byte)

	// Close the iterator
	Close()
}

type DBItem interface {
	// Key returns the key.
	Key() []byte
	// KeyCopy returns a copy of the key of the item, writing it to dst slice.
	// If nil is passed, or capacity of dst isn't sufficient, a new slice would be allocated and
	// returned.
	KeyCopy(dst []byte) []byte
	// Value retrieves the value of the item.
	Value() ([]byte, error)
	// ValueSize returns the size of the value.
	ValueSize() int
	// ValueCopy returns a copy of the value of the item from the value log, writing it to dst slice.
	// If nil is passed, or capacity of dst isn't sufficient, a new slice would be allocated and
	// returned.
	ValueCopy(dst []byte) ([]byte, error)
}

const (
	CfDefault string = "default"
	CfLog     string = "log"
	CfMeta    string = "meta"
)

type Modify struct {
	Data interface{}
}

type Put struct {
	Key   []byte
	Value []byte
	Cf    string
}

type Delete struct {
	Key []byte
	Cf  string
}

// LogKey addresses one delivered message in the log column.
func LogKey(subgroup int, seq int64) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[:4], uint32(subgroup))
	binary.BigEndian.PutUint64(key[4:], uint64(seq))
	return key
}

// MetaKey addresses the persisted watermark of one subgroup.
func MetaKey(subgroup int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(subgroup))
	return key
}

// MemStorage is an in-memory storage engine. Data is not written to disk; it
// is intended for testing.
type MemStorage struct {
	CfDefault *llrb.LLRB
	CfLog     *llrb.LLRB
	CfMeta    *llrb.LLRB
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		CfDefault: llrb.New(),
		CfLog:     llrb.New(),
		CfMeta:    llrb.New(),
	}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) Reader() (StorageReader, error) {
	return &memReader{s, 0}, nil
}

func (s *MemStorage) tree(cf string) *llrb.LLRB {
	switch cf {
	case CfDefault:
		return s.CfDefault
	case CfLog:
		return s.CfLog
	case CfMeta:
		return s.CfMeta
	}
	return nil
}

func (s *MemStorage) Write(batch []Modify) error {
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			tree := s.tree(data.Cf)
			if tree == nil {
				return errors.Errorf("mem storage: bad CF %v", data.Cf)
			}
			tree.ReplaceOrInsert(memItem{data.Key, data.Value})
		case Delete:
			tree := s.tree(data.Cf)
			if tree == nil {
				return errors.Errorf("mem storage: bad CF %v", data.Cf)
			}
			tree.Delete(memItem{key: data.Key})
		}
	}
	return nil
}

func (s *MemStorage) Get(cf string, key []byte) []byte {
	tree := s.tree(cf)
	if tree == nil {
		return nil
	}
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil
	}
	return result.(memItem).value
}

func (s *MemStorage) Len(cf string) int {
	tree := s.tree(cf)
	if tree == nil {
		return -1
	}
	return tree.Len()
}

// memReader is a StorageReader which reads from a MemStorage.
type memReader struct {
	inner     *MemStorage
	iterCount int
}

func (mr *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	tree := mr.inner.tree(cf)
	if tree == nil {
		return nil, errors.Errorf("mem storage: bad CF %v", cf)
	}
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (mr *memReader) IterCF(cf string) DBIterator {
	tree := mr.inner.tree(cf)
	if tree == nil {
		return nil
	}
	mr.iterCount += 1
	min := tree.Min()
	if min == nil {
		return &memIter{tree, memItem{}, mr}
	}
	return &memIter{tree, min.(memItem), mr}
}

func (r *memReader) Close() {
	if r.iterCount > 0 {
		panic("Unclosed iterator")
	}
}

type memIter struct {
	data   *llrb.LLRB
	item   memItem
	reader *memReader
}

func (it *memIter) Item() DBItem {
	return it.item
}
func (it *memIter) Valid() bool {
	return it.item.key != nil
}
func (it *memIter) Next() {
	first := true
	oldItem := it.item
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(oldItem, func(item llrb.Item) bool {
		// Skip the first item, which will be it.item
		if first {
			first = false
			return true
		}

		it.item = item.(memItem)
		return false
	})
}
func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item llrb.Item) bool {
		it.item = item.(memItem)

		return false
	})
}

func (it *memIter) Close() {
	it.reader.iterCount -= 1
}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Key() []byte {
	return it.key
}
func (it memItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, it.key)
}
func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}
func (it memItem) ValueSize() int {
	return len(it.value)
}
func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return y.SafeCopy(dst, it.value), nil
}

func (it memItem) Less(than llrb.Item) bool {
	other := than.(memItem)
	return bytes.Compare(it.key, other.key) < 0
}

// BadgerStorage keeps the delivery log on disk. Column families map to key
// prefixes inside one badger instance.
type BadgerStorage struct {
	dir string
	db  *badger.DB
}

func NewBadgerStorage(dir string) *BadgerStorage {
	return &BadgerStorage{dir: dir}
}

func (s *BadgerStorage) Start() error {
	opts := badger.DefaultOptions(s.dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Wrapf(err, "open badger at %v", s.dir)
	}
	s.db = db
	return nil
}

func (s *BadgerStorage) Stop() error {
	return s.db.Close()
}

func cfKey(cf string, key []byte) []byte {
	out := make([]byte, 0, len(cf)+1+len(key))
	out = append(out, cf...)
	out = append(out, '_')
	out = append(out, key...)
	return out
}

func (s *BadgerStorage) Write(batch []Modify) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, m := range batch {
			switch data := m.Data.(type) {
			case Put:
				if err := txn.Set(cfKey(data.Cf, data.Key), data.Value); err != nil {
					return err
				}
			case Delete:
				if err := txn.Delete(cfKey(data.Cf, data.Key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BadgerStorage) Reader() (StorageReader, error) {
	return &badgerReader{txn: s.db.NewTransaction(false)}, nil
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	item, err := r.txn.Get(cfKey(cf, key))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (r *badgerReader) IterCF(cf string) DBIterator {
	it := &badgerIter{
		iter:   r.txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: cfKey(cf, nil),
	}
	it.iter.Seek(it.prefix)
	return it
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}

type badgerIter struct {
	iter   *badger.Iterator
	prefix []byte
}

func (it *badgerIter) Item() DBItem {
	return badgerItem{it.iter.Item(), len(it.prefix)}
}
func (it *badgerIter) Valid() bool {
	return it.iter.ValidForPrefix(it.prefix)
}
func (it *badgerIter) Next() {
	it.iter.Next()
}
func (it *badgerIter) Seek(key []byte) {
	it.iter.Seek(append(append([]byte{}, it.prefix...), key...))
}
func (it *badgerIter) Close() {
	it.iter.Close()
}

// badgerItem strips the column-family prefix from the stored key.
type badgerItem struct {
	item      *badger.Item
	prefixLen int
}

func (i badgerItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}
func (i badgerItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, i.Key())
}
func (i badgerItem) Value() ([]byte, error) {
	return i.item.ValueCopy(nil)
}
func (i badgerItem) ValueSize() int {
	return int(i.item.ValueSize())
}
func (i badgerItem) ValueCopy(dst []byte) ([]byte, error) {
	v, err := i.item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return y.SafeCopy(dst, v), nil
}

// PersistenceManager drains delivered messages into a Storage and reports the
// durable watermark back so the persisted counters advance. One goroutine
// serializes all writes; delivery threads only enqueue.
type PersistenceManager struct {
	store  Storage
	report func(subgroup int, version int64)

	mu        sync.Mutex
	persisted map[int]int64
	queue     chan persistReq
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	debuglog *sqlogger.DebugLogger
}

type persistReq struct {
	subgroup int
	seq      int64
	payload  []byte
}

// NewPersistenceManager wires the sink. report is invoked from the writer
// goroutine after each batch reaches the store; the engine's UpdatePersisted
// is the usual target.
func NewPersistenceManager(store Storage, selfID uint32, report func(subgroup int, version int64)) *PersistenceManager {
	p := &PersistenceManager{
		store:     store,
		report:    report,
		persisted: make(map[int]int64),
		queue:     make(chan persistReq, 1024),
		stop:      make(chan struct{}),
		debuglog:  sqlogger.NewDebugLogger(),
	}
	p.debuglog.SetContext("persist", 0, selfID)
	return p
}

func (p *PersistenceManager) Start() error {
	if err := p.store.Start(); err != nil {
		return err
	}
	if err := p.recoverWatermarks(); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.writeLoop()
	return nil
}

// recoverWatermarks reloads the per-subgroup persisted positions after a
// restart so reporting resumes where the store left off.
func (p *PersistenceManager) recoverWatermarks() error {
	reader, err := p.store.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	it := reader.IterCF(CfMeta)
	if it == nil {
		return nil
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(key) != 4 || len(val) != 8 {
			continue
		}
		sg := int(binary.BigEndian.Uint32(key))
		p.persisted[sg] = int64(binary.BigEndian.Uint64(val))
	}
	return nil
}

// OnDeliver is a DeliveryFunc adapter: chain it after the dispatcher so every
// delivered message also reaches the store.
func (p *PersistenceManager) OnDeliver(subgroup int, seq int64, sender uint32, payload []byte) {
	req := persistReq{subgroup: subgroup, seq: seq, payload: append([]byte{}, payload...)}
	select {
	case p.queue <- req:
	case <-p.stop:
	}
}

func (p *PersistenceManager) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case req := <-p.queue:
			if err := p.persist(req); err != nil {
				p.debuglog.Error("persist subgroup %v seq %v: %v", req.subgroup, req.seq, err)
			}
		}
	}
}

func (p *PersistenceManager) persist(req persistReq) error {
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], uint64(req.seq))
	batch := []Modify{
		{Data: Put{Cf: CfLog, Key: LogKey(req.subgroup, req.seq), Value: req.payload}},
		{Data: Put{Cf: CfMeta, Key: MetaKey(req.subgroup), Value: ver[:]}},
	}
	if err := p.store.Write(batch); err != nil {
		return err
	}
	p.mu.Lock()
	cur, ok := p.persisted[req.subgroup]
	if !ok || req.seq > cur {
		p.persisted[req.subgroup] = req.seq
	}
	version := p.persisted[req.subgroup]
	p.mu.Unlock()
	if p.report != nil {
		p.report(req.subgroup, version)
	}
	return nil
}

// Persisted reports the durable watermark of one subgroup.
func (p *PersistenceManager) Persisted(subgroup int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.persisted[subgroup]; ok {
		return v
	}
	return -1
}

func (p *PersistenceManager) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return p.store.Stop()
}
