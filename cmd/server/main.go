package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"squall/sqserver"
	"squall/sqsst"
)

var confPath string
var nodeID uint
var joinVia string

// Replicated KV operations.
const (
	fnPut uint16 = 1
	fnGet uint16 = 2
)

type kvArgs struct {
	Key   string
	Value string
}

// KVStore is the demo replicated object: a map mutated in delivery order.
type KVStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newKVStore() sqserver.ReplicatedObject {
	return &KVStore{data: make(map[string]string)}
}

func (s *KVStore) SerializeState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *KVStore) ApplyState(data []byte) error {
	m := make(map[string]string)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = m
	s.mu.Unlock()
	return nil
}

func decodeArgs(raw []byte) (kvArgs, error) {
	var a kvArgs
	err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&a)
	return a, err
}

func handlePut(obj sqserver.ReplicatedObject, ctx *sqserver.CallContext, raw []byte) ([]byte, error) {
	a, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	s := obj.(*KVStore)
	s.mu.Lock()
	s.data[a.Key] = a.Value
	s.mu.Unlock()
	return nil, nil
}

func handleGet(obj sqserver.ReplicatedObject, ctx *sqserver.CallContext, raw []byte) ([]byte, error) {
	a, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	s := obj.(*KVStore)
	s.mu.Lock()
	value := s.data[a.Key]
	s.mu.Unlock()
	return []byte(value), nil
}

// ./server -conf cluster.json -id 1
// ./server -conf cluster.json -id 4 -join 'localhost:7001'
func main() {
	flag.StringVar(&confPath, "conf", "cluster.json", "cluster config file")
	flag.UintVar(&nodeID, "id", 0, "node id, overrides the config")
	flag.StringVar(&joinVia, "join", "", "join a running group via this member's gms addr")
	flag.Parse()

	cfg, err := sqserver.LoadConfig(confPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if nodeID != 0 {
		cfg.NodeID = uint32(nodeID)
	}
	self, err := cfg.Self()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	types := make([]sqserver.SubgroupType, len(cfg.Subgroups))
	for i, sc := range cfg.Subgroups {
		types[i] = sqserver.SubgroupType{
			Tag:     sc.Tag,
			Factory: newKVStore,
			Shards:  shardsOf(sc),
		}
	}

	fabricFor := func(v *sqserver.View) sqsst.Fabric {
		peers := make(map[uint32]string)
		for rank, id := range v.Members {
			peers[id] = v.Nodes[rank].SSTAddr()
		}
		return sqsst.NewTCPFabric(self.ID, self.SSTAddr(), peers)
	}
	blockFor := func(v *sqserver.View) sqserver.BlockTransport {
		return sqserver.NewTCPBlockTransport(self, v)
	}

	group := sqserver.NewGroup(self, types, cfg.GroupParams(), fabricFor, blockFor,
		func(v *sqserver.View) {
			log.Printf("view %v installed, %v members", v.Vid, v.NumMembers())
		})
	for _, sc := range cfg.Subgroups {
		group.RegisterHandler(sc.Tag, fnPut, handlePut)
		group.RegisterHandler(sc.Tag, fnGet, handleGet)
	}

	var store sqserver.Storage
	if cfg.PersistDir != "" && !cfg.MemoryPersistent {
		store = sqserver.NewBadgerStorage(cfg.PersistDir)
	} else {
		store = sqserver.NewMemStorage()
	}
	persist := sqserver.NewPersistenceManager(store, self.ID, func(subgroup int, version int64) {
		if engine := group.Engine(); engine != nil {
			engine.UpdatePersisted(subgroup, version)
		}
	})
	if err := persist.Start(); err != nil {
		log.Fatalf("start persistence: %v", err)
	}
	group.ChainDelivery(persist.OnDeliver)

	if joinVia != "" {
		contact, err := contactNode(cfg, joinVia)
		if err != nil {
			log.Fatalf("join: %v", err)
		}
		if err := group.Join(contact); err != nil {
			log.Fatalf("join via %v: %v", joinVia, err)
		}
	} else {
		if err := group.Create(cfg.NodeList()); err != nil {
			log.Fatalf("create group: %v", err)
		}
	}

	external := sqserver.NewExternalServer(group)
	if err := external.Start(); err != nil {
		log.Fatalf("start external server: %v", err)
	}
	log.Printf("node %v serving clients on %v", self.ID, self.ExternalAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	external.Stop()
	group.Stop()
	persist.Stop()
}

func shardsOf(sc sqserver.SubgroupConfig) []sqserver.ShardPolicy {
	n := sc.Shards
	if n <= 0 {
		n = 1
	}
	size := sc.ShardSize
	if size <= 0 {
		size = 3
	}
	shards := make([]sqserver.ShardPolicy, n)
	for i := range shards {
		shards[i] = sqserver.ShardPolicy{
			MinNodes: 1,
			MaxNodes: size,
			Mode:     sqserver.ModeOrdered,
		}
	}
	return shards
}

// contactNode resolves the -join address against the config node list.
func contactNode(cfg *sqserver.Config, gmsAddr string) (sqserver.Node, error) {
	for _, nc := range cfg.Nodes {
		if nc.Node().GMSAddr() == gmsAddr {
			return nc.Node(), nil
		}
	}
	return sqserver.Node{}, errors.Errorf("join contact %v not in config node list", gmsAddr)
}
