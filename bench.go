package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/metastore"
	"github.com/kraftlab/kraft/raft"
	"github.com/kraftlab/kraft/transport"
)

// runBench spins up an in-process quorum over loopback sockets and measures
// commit throughput of the metadata store.
func runBench(args []string) {
	flagset := flag.NewFlagSet("bench", flag.ExitOnError)
	var servers string
	var count int
	flagset.StringVar(&servers, "servers", "localhost:23451,localhost:23452,localhost:23453", "comma-seperated list of loopback addresses to bind")
	flagset.IntVar(&count, "n", 1000, "number of records to commit")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	dataDir, err := os.MkdirTemp("", "kraft-bench-*")
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	defer os.RemoveAll(dataDir)

	cfg := config{DataDir: dataDir, ElectionTimeout: 300}
	for i, addr := range strings.Split(servers, ",") {
		cfg.Cluster = append(cfg.Cluster, common.Server{
			ID:         int32(i),
			NetAddress: common.ServerAddress(addr),
		})
	}

	var clients []*raft.Client[metastore.Record]
	var stores []*metastore.Store
	var rpcServers []*transport.Server
	for _, server := range cfg.Cluster {
		client, store, rpcServer, err := startNode(cfg, server.ID)
		if err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
		clients = append(clients, client)
		stores = append(stores, store)
		rpcServers = append(rpcServers, rpcServer)
	}
	defer func() {
		for i := range clients {
			rpcServers[i].Close()
			clients[i].Close()
		}
	}()

	leader := awaitLeader(stores, 10*time.Second)
	if leader < 0 {
		fmt.Println("no leader elected within deadline")
		os.Exit(2)
	}
	fmt.Printf("leader elected: node %d\n", leader)

	writer := metastore.NewWriter(clients[leader])
	start := time.Now()
	for i := 0; i < count; i++ {
		if _, _, err := writer.Set(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i)); err != nil {
			fmt.Printf("append %d failed: %v\n", i, err)
			os.Exit(2)
		}
	}
	lastKey := fmt.Sprintf("key-%d", count-1)
	deadline := time.Now().Add(30 * time.Second)
	for _, store := range stores {
		for {
			if _, ok := store.Get(lastKey); ok {
				break
			}
			if time.Now().After(deadline) {
				fmt.Println("records not fully replicated within deadline")
				os.Exit(2)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("committed and applied %d records on %d nodes in %v (%.0f records/sec)\n",
		count, len(stores), elapsed, float64(count)/elapsed.Seconds())
}

func awaitLeader(stores []*metastore.Store, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for i, store := range stores {
			leader := store.Leader()
			if leader.LeaderID != nil && *leader.LeaderID == int32(i) {
				return i
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return -1
}
