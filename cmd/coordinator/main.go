// Command coordinator runs the SuperNode process (spec §4.7): owns
// membership, placement, the replicated metadata log, and the
// replication worker, and exposes the cluster's Upload/Download/
// Delete/Search/List/Status RPCs.
//
// Grounded on metaServer/cmd/metaServer/main.go's flag-override +
// raft-bootstrap + leader-wait + graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hyperstore/internal/config"
	"hyperstore/internal/logging"
	"hyperstore/internal/membership"
	"hyperstore/internal/metadata"
	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
	"hyperstore/internal/replication"
	"hyperstore/internal/rpcapi"

	"hyperstore/internal/coordinator"
)

var (
	configPath = flag.String("config", "config.yaml", "path to the cluster configuration file")
	nodeID     = flag.String("node-id", "coordinator-1", "this coordinator's metadata-log node id")
	dataDir    = flag.String("data-dir", "./coordinator-data", "metadata log data directory (raft log + badger)")
	raftPort   = flag.Int("raft-port", 17000, "this coordinator's raft transport port")
	listenAddr = flag.String("listen", "", "address the coordinator RPC service listens on (defaults to super_node_address)")
	bootstrap  = flag.Bool("bootstrap", false, "bootstrap a new single-node metadata quorum")
)

func main() {
	flag.Parse()

	log := logging.NewConsole("coordinator")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	reg := metrics.New()
	rpcClient := rpcapi.NewClient(reg)
	defer rpcClient.Close()

	detector := membership.New(rpcClient, cfg.HeartbeatInterval, cfg.SuspectThreshold, cfg.DeadThreshold, reg, log)
	for _, n := range cfg.Nodes {
		detector.AddNode(n.Hostname, n.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go detector.Run(ctx)
	defer detector.Stop()

	metaLog, err := metadata.Open(metadata.Config{
		NodeID:    *nodeID,
		RaftAddr:  fmt.Sprintf("0.0.0.0:%d", *raftPort),
		DataDir:   *dataDir,
		Bootstrap: *bootstrap,
	}, reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open metadata log")
	}
	defer metaLog.Shutdown()

	pool := node.NewPool(cfg.CoordinatorWorkerPoolSize)

	coord := coordinator.New(detector, metaLog, rpcClient, pool, cfg.UploadShardSize, cfg.ReplicationFactor, cfg.MinReplicas, reg, log)

	repairWorker := replication.New(metaLog.View(), detector, rpcClient, metaLog, cfg.ReplicationFactor, cfg.MinReplicas, cfg.HeartbeatInterval*5, reg, log)
	go repairWorker.Run(ctx)

	addr := *listenAddr
	if addr == "" {
		addr = cfg.SuperNodeAddress
	}

	srv := rpcapi.NewServer(log)
	log.Info().Str("addr", addr).Msg("coordinator listening")
	go func() {
		if err := srv.ListenAndServe(ctx, addr, "CoordinatorService", rpcapi.NewCoordinatorService(coord)); err != nil {
			log.Error().Err(err).Msg("rpc server stopped")
		}
	}()

	waitForShutdown()
	cancel()
	log.Info().Msg("coordinator shutdown complete")
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
