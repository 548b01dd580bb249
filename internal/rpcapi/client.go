package rpcapi

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
)

// Client caches one net/rpc connection per remote address, with a
// context-aware Call wrapper layered over net/rpc's Client.Call (which
// has no native deadline support), grounded on sauravfouzdar-bucket's
// CallWithTimeout convention in internal/rpc/chunk_rpc.go.
type Client struct {
	mu   sync.Mutex
	conn map[string]*rpc.Client
	reg  *metrics.Registry
}

// NewClient returns a client that lazily dials and caches one
// connection per remote address.
func NewClient(reg *metrics.Registry) *Client {
	return &Client{conn: make(map[string]*rpc.Client), reg: reg}
}

func (c *Client) dial(addr string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conn[addr]; ok {
		return conn, nil
	}
	conn, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn[addr] = conn
	return conn, nil
}

func (c *Client) invalidate(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conn[addr]; ok {
		conn.Close()
		delete(c.conn, addr)
	}
}

// call issues one RPC, honoring ctx's deadline/cancellation even though
// net/rpc itself blocks uninterruptibly.
func (c *Client) call(ctx context.Context, addr, method string, args, reply interface{}) error {
	conn, err := c.dial(addr)
	if err != nil {
		c.reg.IncError(clustererr.ErrTimeout)
		return clustererr.Wrap(clustererr.ErrTimeout, "%v", err)
	}

	done := conn.Go(method, args, reply, nil).Done
	select {
	case call := <-done:
		if call.Error != nil {
			return fmt.Errorf("rpc %s: %w", method, call.Error)
		}
		return nil
	case <-ctx.Done():
		c.invalidate(addr)
		c.reg.IncError(clustererr.ErrTimeout)
		return clustererr.Wrap(clustererr.ErrTimeout, "rpc %s to %s: %v", method, addr, ctx.Err())
	}
}

// PutChunk satisfies the node-facing upload path.
func (c *Client) PutChunk(ctx context.Context, addr, shardID string, data []byte, expectedDigest string) error {
	return c.call(ctx, addr, "NodeService.PutChunk", &PutChunkArgs{ShardID: shardID, Data: data, ExpectedDigest: expectedDigest}, &PutChunkReply{})
}

// GetChunk satisfies node.RemoteChunkFetcher, used by ReplicateFrom.
func (c *Client) GetChunk(ctx context.Context, addr, shardID string) ([]byte, error) {
	reply := &GetChunkReply{}
	if err := c.call(ctx, addr, "NodeService.GetChunk", &GetChunkArgs{ShardID: shardID}, reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// DeleteChunk asks addr to drop shardID.
func (c *Client) DeleteChunk(ctx context.Context, addr, shardID string) error {
	return c.call(ctx, addr, "NodeService.DeleteChunk", &DeleteChunkArgs{ShardID: shardID}, &DeleteChunkReply{})
}

// Heartbeat satisfies membership.Heartbeater.
func (c *Client) Heartbeat(ctx context.Context, addr string) (node.LoadVector, error) {
	reply := &HeartbeatReply{}
	if err := c.call(ctx, addr, "NodeService.Heartbeat", &HeartbeatArgs{}, reply); err != nil {
		return node.LoadVector{}, err
	}
	return reply.Load, nil
}

// ReplicateFrom asks addr to pull shardID from sourceAddr.
func (c *Client) ReplicateFrom(ctx context.Context, addr, shardID, sourceAddr string) error {
	return c.call(ctx, addr, "NodeService.ReplicateFrom", &ReplicateFromArgs{ShardID: shardID, SourceAddr: sourceAddr}, &ReplicateFromReply{})
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, conn := range c.conn {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conn, addr)
	}
	return firstErr
}
