package rpcapi

import (
	"context"
	"net"
	"net/rpc"

	"github.com/rs/zerolog"

	"hyperstore/internal/node"
)

// NodeService adapts a *node.Node to net/rpc's (args, reply) calling
// convention, grounded on sauravfouzdar-bucket/internal/rpc's
// ChunkService wrapper around its ChunkServer.
type NodeService struct {
	node *node.Node
}

// NewNodeService wraps n for RPC dispatch.
func NewNodeService(n *node.Node) *NodeService {
	return &NodeService{node: n}
}

func (s *NodeService) PutChunk(args *PutChunkArgs, reply *PutChunkReply) error {
	return s.node.PutChunk(context.Background(), args.ShardID, args.Data, args.ExpectedDigest)
}

func (s *NodeService) GetChunk(args *GetChunkArgs, reply *GetChunkReply) error {
	data, err := s.node.GetChunk(context.Background(), args.ShardID)
	if err != nil {
		return err
	}
	reply.Data = data
	return nil
}

func (s *NodeService) DeleteChunk(args *DeleteChunkArgs, reply *DeleteChunkReply) error {
	return s.node.DeleteChunk(context.Background(), args.ShardID)
}

func (s *NodeService) Heartbeat(args *HeartbeatArgs, reply *HeartbeatReply) error {
	lv, err := s.node.Heartbeat(context.Background())
	if err != nil {
		return err
	}
	reply.Load = lv
	return nil
}

func (s *NodeService) ReplicateFrom(args *ReplicateFromArgs, reply *ReplicateFromReply) error {
	return s.node.ReplicateFrom(context.Background(), args.ShardID, args.SourceAddr)
}

// Server hosts a registered service over net/rpc, grounded on
// sauravfouzdar-bucket/internal/rpc.Server's *rpc.Server embedding.
type Server struct {
	*rpc.Server
	log zerolog.Logger
}

// NewServer builds an unstarted RPC server.
func NewServer(log zerolog.Logger) *Server {
	return &Server{Server: rpc.NewServer(), log: log}
}

// ListenAndServe registers svc under name and serves connections on
// addr until the listener is closed or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, name string, svc interface{}) error {
	if err := s.Server.RegisterName(name, svc); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.Server.ServeConn(conn)
	}
}
