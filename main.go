package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/kraftlab/kraft/common"
	"github.com/kraftlab/kraft/metastore"
	"github.com/kraftlab/kraft/raft"
	"github.com/kraftlab/kraft/snapshot"
	"github.com/kraftlab/kraft/storage"
	"github.com/kraftlab/kraft/transport"
)

type config struct {
	Cluster         []common.Server `yaml:"cluster"`
	ElectionTimeout int             `yaml:"electionTimeoutMs"`
	FetchTimeout    int             `yaml:"fetchTimeoutMs"`
	FetchInterval   int             `yaml:"fetchIntervalMs"`
	AppendLinger    int             `yaml:"appendLingerMs"`
	DataDir         string          `yaml:"dataDir"`
}

func (c config) raftConfig(localID int32) raft.Config {
	return raft.Config{
		LocalID:         localID,
		Cluster:         c.Cluster,
		ElectionTimeout: time.Millisecond * time.Duration(c.ElectionTimeout),
		FetchTimeout:    time.Millisecond * time.Duration(c.FetchTimeout),
		FetchInterval:   time.Millisecond * time.Duration(c.FetchInterval),
		AppendLinger:    time.Millisecond * time.Duration(c.AppendLinger),
	}
}

func loadConfig(path string) (config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return config{}, err
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return config{}, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	return cfg, nil
}

// startNode wires storage, snapshots, transport and the consensus core for
// one node and registers the metadata store as its listener.
func startNode(cfg config, localID int32) (*raft.Client[metastore.Record], *metastore.Store, *transport.Server, error) {
	dir := filepath.Join(cfg.DataDir, fmt.Sprintf("node-%d", localID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	snapshots, err := snapshot.NewStore(filepath.Join(dir, "snapshots"))
	if err != nil {
		return nil, nil, nil, err
	}
	replicatedLog, err := storage.OpenLog(filepath.Join(dir, "log.db"), snapshots)
	if err != nil {
		return nil, nil, nil, err
	}
	states, err := storage.OpenStateStore(filepath.Join(dir, "state.db"))
	if err != nil {
		replicatedLog.Close()
		return nil, nil, nil, err
	}
	channel := transport.NewChannel()
	client, err := raft.NewClient[metastore.Record](
		cfg.raftConfig(localID),
		metastore.Serde{},
		replicatedLog,
		states,
		snapshots,
		channel,
	)
	if err != nil {
		replicatedLog.Close()
		states.Close()
		return nil, nil, nil, err
	}
	store := metastore.NewStore()
	client.Register(store)

	var address common.ServerAddress
	for _, server := range cfg.Cluster {
		if server.ID == localID {
			address = server.NetAddress
		}
	}
	server, err := transport.StartServer(address, client)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	return client, store, server, nil
}

func runServer(args []string) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster & configuration details")
	me := flagset.Int("me", -1, "ID of this server in the config file")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	found := false
	for _, server := range cfg.Cluster {
		if server.ID == int32(*me) {
			found = true
		}
	}
	if !found {
		fmt.Printf("id %d not present in config file (observers must still be listed)\n", *me)
		os.Exit(2)
	}
	client, _, server, err := startNode(cfg, int32(*me))
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	fmt.Println("Stopping server ...")
	server.Close()
	if err := client.Shutdown(5 * time.Second); err != nil {
		fmt.Println(err)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	var path, servers, dataDir string
	var electionTimeout int
	flagset.StringVar(&path, "file", "config.yaml", "full path of config file to write to")
	flagset.StringVar(&servers, "servers", "localhost:12345,localhost:12346,localhost:12347", "comma-seperated list of server addresses of quorum voters")
	flagset.IntVar(&electionTimeout, "electionTimeout", 500, "value of election timeout (in milliseconds)")
	flagset.StringVar(&dataDir, "dataDir", "data", "directory for logs, state and snapshots")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	for i, addr := range strings.Split(servers, ",") {
		cfg.Cluster = append(cfg.Cluster, common.Server{
			ID:         int32(i),
			NetAddress: common.ServerAddress(addr),
		})
	}
	cfg.ElectionTimeout = electionTimeout
	cfg.DataDir = dataDir

	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := os.WriteFile(path, bytes, 0o644); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | server | bench ...\n", os.Args[0])
		os.Exit(2)
	}
	switch args[0] {
	case "config":
		generateConfig(args[1:])
	case "server":
		runServer(args[1:])
	case "bench":
		runBench(args[1:])
	default:
		fmt.Printf("unknown sub-command: %s\n", args[0])
		os.Exit(2)
	}
}
