package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"squall/sqclient"
)

var testCount int
var clientNum int
var serveraddrs string
var writeMode bool
var subgroup int

const (
	fnPut uint16 = 1
	fnGet uint16 = 2
)

type kvArgs struct {
	Key   string
	Value string
}

type requestCase struct {
	key string
	id  int
}

func encodeArgs(a kvArgs) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&a); err != nil {
		panic(fmt.Sprintf("encode args: %v", err))
	}
	return buf.Bytes()
}

// ./client -count 1000 -cn 4 -saddr 'localhost:9001,localhost:9002,localhost:9003'
func main() {
	flag.IntVar(&testCount, "count", 100, "test count")
	flag.IntVar(&clientNum, "cn", 10, "client number")
	flag.StringVar(&serveraddrs, "saddr", "", "server external addrs, separated by ,")
	flag.BoolVar(&writeMode, "write", false, "all operation is write")
	flag.IntVar(&subgroup, "sg", 0, "target subgroup")
	flag.Parse()

	memberAddr := strings.Split(serveraddrs, ",")
	log.Printf("writeMode: %v, subgroup: %v", writeMode, subgroup)
	log.Printf("servers: %+v", memberAddr)

	clients := make([]*sqclient.GroupClient, clientNum)
	for i := 0; i < clientNum; i++ {
		client := sqclient.NewGroupClient(memberAddr, i)
		client.Connect()
		if err := client.GetView(); err != nil {
			log.Fatalf("get view: %v", err)
		}
		clients[i] = client
	}
	log.Printf("view %v fetched by %v clients", clients[0].View().Vid, clientNum)

	oneTest(clients)

	for i := range clients {
		clients[i].Close()
	}
}

func oneTest(clients []*sqclient.GroupClient) {
	log.Printf("%v clients connected, will send %v total requests", clientNum, testCount)

	start := time.Now()
	requests := make(chan requestCase, clientNum)
	wg := sync.WaitGroup{}
	value := strings.Repeat("a", 1000)
	latencyMonitor := make([]int64, testCount)
	for i := 0; i < clientNum; i++ {
		wg.Add(1)
		go func(client *sqclient.GroupClient, i int) {
			defer wg.Done()
			for req := range requests {
				var err error
				reqstart := time.Now()
				if writeMode {
					err = client.OrderedSend(subgroup, fnPut, encodeArgs(kvArgs{Key: req.key, Value: value}))
				} else {
					_, err = client.Query(subgroup, fnGet, encodeArgs(kvArgs{Key: req.key}))
				}
				latencyMonitor[req.id] = int64(time.Since(reqstart))
				if err != nil {
					panic(fmt.Sprintf("operation error: %v", err))
				}
			}
		}(clients[i], i)
	}

	go func() {
		for i := 0; i < testCount; i++ {
			rNum := rand.Int31n(0xfffff)
			requests <- requestCase{fmt.Sprintf("key-%08x", rNum), i}
		}
		close(requests)
	}()

	wg.Wait()

	dur := time.Since(start)
	log.Printf("total %v s, ops: %v", dur.Seconds(), float64(testCount)/dur.Seconds())

	var latencyTotal int64
	for i := 0; i < testCount; i++ {
		latencyTotal += latencyMonitor[i]
	}
	log.Printf("total latency %v, average latency: %v ns", latencyTotal, latencyTotal/int64(testCount))
}
