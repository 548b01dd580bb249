// Command node runs one storage node process (spec §4.1): local shard
// storage, the hybrid cache, and the bounded worker pool, exposed over
// net/rpc for the coordinator to drive.
//
// Grounded on dataServer/cmd/dataServer/main.go's flag-override +
// config-load + graceful-shutdown shape, adapted from gRPC serving to
// this module's net/rpc transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hyperstore/internal/cache"
	"hyperstore/internal/config"
	"hyperstore/internal/logging"
	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
	"hyperstore/internal/rpcapi"
)

var (
	configPath = flag.String("config", "config.yaml", "path to the cluster configuration file")
	nodeID     = flag.String("node-id", "", "this node's hostname as it appears in the config's node table")
	dataDir    = flag.String("data-dir", "", "override the on-disk shard root directory")
	port       = flag.Int("port", 0, "override this node's server_port from the config")
)

func main() {
	flag.Parse()

	log := logging.NewConsole("node")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	entry, err := resolveSelf(cfg, *nodeID, *port)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve this node's config entry")
	}

	root := *dataDir
	if root == "" {
		root = fmt.Sprintf("./data-%s", entry.Hostname)
	}

	reg := metrics.New()
	store, err := node.NewChunkStore(root, 0, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open chunk store")
	}

	c := cache.New(cfg.LRUCapacity, 0, reg, log)
	defer c.Close()

	pool := node.NewPool(cfg.NodeWorkerPoolSize)
	client := rpcapi.NewClient(reg)
	defer client.Close()

	n := node.New(store, c, pool, client, reg, log)

	srv := rpcapi.NewServer(log)
	ctx, cancel := context.WithCancel(context.Background())

	addr := entry.Addr()
	log.Info().Str("addr", addr).Msg("node listening")
	go func() {
		if err := srv.ListenAndServe(ctx, addr, "NodeService", rpcapi.NewNodeService(n)); err != nil {
			log.Error().Err(err).Msg("rpc server stopped")
		}
	}()

	waitForShutdown()
	cancel()
	log.Info().Msg("node shutdown complete")
}

func resolveSelf(cfg *config.Cluster, hostname string, portOverride int) (config.NodeEntry, error) {
	for _, n := range cfg.Nodes {
		if hostname != "" && n.Hostname != hostname {
			continue
		}
		if portOverride != 0 {
			n.ServerPort = portOverride
		}
		return n, nil
	}
	return config.NodeEntry{}, fmt.Errorf("no config entry for node-id %q", hostname)
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
