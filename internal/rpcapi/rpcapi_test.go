package rpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hyperstore/internal/cache"
	"hyperstore/internal/logging"
	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
)

func startTestNodeServer(t *testing.T) string {
	t.Helper()

	store, err := node.NewChunkStore(t.TempDir(), 0, metrics.New())
	require.NoError(t, err)
	reg := metrics.New()
	log := logging.NewConsole("rpcapi-test")
	c := cache.New(16, 0, reg, log)
	pool := node.NewPool(4)
	n := node.New(store, c, pool, nil, reg, log)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(log)
	require.NoError(t, srv.Server.RegisterName("NodeService", NewNodeService(n)))

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go srv.Server.ServeConn(conn)
		}
	}()
	t.Cleanup(func() { lis.Close() })

	return lis.Addr().String()
}

func TestClientPutGetDeleteChunkRoundTrip(t *testing.T) {
	addr := startTestNodeServer(t)
	client := NewClient(metrics.New())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data := []byte("hello rpc")
	digest := node.Digest(data)

	require.NoError(t, client.PutChunk(ctx, addr, "shard-1", data, digest))

	got, err := client.GetChunk(ctx, addr, "shard-1")
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, client.DeleteChunk(ctx, addr, "shard-1"))

	_, err = client.GetChunk(ctx, addr, "shard-1")
	require.Error(t, err)
}

func TestClientHeartbeatReturnsLoad(t *testing.T) {
	addr := startTestNodeServer(t)
	client := NewClient(metrics.New())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lv, err := client.Heartbeat(ctx, addr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, lv.CPU, 0.0)
}

func TestClientCallTimesOutOnUnreachableAddr(t *testing.T) {
	client := NewClient(metrics.New())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.GetChunk(ctx, "127.0.0.1:1", "shard-x")
	require.Error(t, err)
}
