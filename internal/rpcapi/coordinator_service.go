package rpcapi

import (
	"bytes"
	"context"

	"hyperstore/internal/coordinator"
	"hyperstore/internal/membership"
)

// CoordinatorService adapts a *coordinator.Coordinator to net/rpc's
// calling convention, the coordinator-side counterpart of NodeService.
type CoordinatorService struct {
	coord *coordinator.Coordinator
}

// NewCoordinatorService wraps c for RPC dispatch.
func NewCoordinatorService(c *coordinator.Coordinator) *CoordinatorService {
	return &CoordinatorService{coord: c}
}

func (s *CoordinatorService) Upload(args *UploadArgs, reply *UploadReply) error {
	return s.coord.Upload(context.Background(), args.Owner, args.Name, bytes.NewReader(args.Data))
}

func (s *CoordinatorService) Download(args *DownloadArgs, reply *DownloadReply) error {
	data, err := s.coord.Download(context.Background(), args.Owner, args.Name)
	if err != nil {
		return err
	}
	reply.Data = data
	return nil
}

func (s *CoordinatorService) Delete(args *DeleteFileArgs, reply *DeleteFileReply) error {
	return s.coord.Delete(context.Background(), args.Owner, args.Name)
}

func (s *CoordinatorService) Search(args *SearchArgs, reply *SearchReply) error {
	names, err := s.coord.Search(context.Background(), args.Owner, args.Query)
	if err != nil {
		return err
	}
	reply.Names = names
	return nil
}

func (s *CoordinatorService) List(args *ListArgs, reply *ListReply) error {
	files, err := s.coord.List(context.Background(), args.Owner)
	if err != nil {
		return err
	}
	reply.Files = make([]FileSummary, len(files))
	for i, f := range files {
		reply.Files[i] = FileSummary{Name: f.Name, Size: f.Size, CreatedAt: f.CreatedAt.Format("2006-01-02T15:04:05Z07:00")}
	}
	return nil
}

func (s *CoordinatorService) Status(args *StatusArgs, reply *StatusReply) error {
	status, err := s.coord.Status(context.Background())
	if err != nil {
		return err
	}
	active := 0
	for _, n := range status.Nodes {
		if n.Status == membership.Active {
			active++
		}
	}
	reply.ActiveNodes = active
	reply.TotalNodes = len(status.Nodes)
	reply.CacheHits = status.CacheHits
	reply.CacheMisses = status.CacheMisses
	reply.IsLeader = status.IsLeader
	reply.LeaderAddr = status.LeaderAddr
	return nil
}
