// Package node implements the storage node (spec §4.1): local shard
// storage, the request-processing worker pool, and the RPC-facing
// Node type that wires storage, cache, and pool together.
package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/metrics"
)

// ChunkStore owns one node's local shard directory. Every write goes
// through a temp file + fsync + atomic rename, exactly the pattern the
// teacher's LocalStorageService.WriteBlock uses.
type ChunkStore struct {
	rootDir          string
	highWaterFraction float64
	mu               sync.RWMutex
	reg              *metrics.Registry
}

// NewChunkStore creates (if needed) rootDir and returns a store backed
// by it. highWaterFraction is the fraction of disk capacity at which
// PutChunk starts failing with OutOfSpace (spec §4.1).
func NewChunkStore(rootDir string, highWaterFraction float64, reg *metrics.Registry) (*ChunkStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard root %s: %w", rootDir, err)
	}
	if highWaterFraction <= 0 {
		highWaterFraction = 0.95
	}
	return &ChunkStore{rootDir: rootDir, highWaterFraction: highWaterFraction, reg: reg}, nil
}

// Digest returns the content digest used to verify PutChunk payloads
// and to stamp metadata.ShardMeta.Digest at the coordinator.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Write stores data for shardID, verifying it against expectedDigest
// first. Returns clustererr.ErrDigestMismatch or clustererr.ErrOutOfSpace
// on failure; both are terminal for the caller (spec §7).
func (s *ChunkStore) Write(shardID string, data []byte, expectedDigest string) error {
	if got := Digest(data); got != expectedDigest {
		s.reg.IncError(clustererr.ErrDigestMismatch)
		return clustererr.Wrap(clustererr.ErrDigestMismatch, "shard %s: got %s want %s", shardID, got, expectedDigest)
	}

	if full, err := s.isAboveHighWaterMark(); err != nil {
		return fmt.Errorf("check disk space: %w", err)
	} else if full {
		s.reg.IncError(clustererr.ErrOutOfSpace)
		return clustererr.Wrap(clustererr.ErrOutOfSpace, "shard %s", shardID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(shardID)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Read loads shardID's bytes from disk, or ErrNotFound.
func (s *ChunkStore) Read(shardID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(shardID))
	if err != nil {
		if os.IsNotExist(err) {
			s.reg.IncError(clustererr.ErrNotFound)
			return nil, clustererr.Wrap(clustererr.ErrNotFound, "shard %s", shardID)
		}
		return nil, fmt.Errorf("read shard %s: %w", shardID, err)
	}
	return data, nil
}

// Delete removes shardID's file; missing is success (spec §4.1
// idempotency requirement).
func (s *ChunkStore) Delete(shardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(shardID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete shard %s: %w", shardID, err)
	}
	s.cleanupEmptyDirectories(filepath.Dir(path))
	return nil
}

func (s *ChunkStore) Exists(shardID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path(shardID))
	return err == nil
}

// ShardCount lists how many shard files this node currently holds, used
// for the shard_count component of the load vector (spec §4.3) and for
// Heartbeat (spec §4.1).
func (s *ChunkStore) ShardCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	err := filepath.Walk(s.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".shard") {
			n++
		}
		return nil
	})
	return n, err
}

// DiskUsage returns used fraction of disk capacity in [0,1], via
// syscall.Statfs the same way the teacher's getDiskSpaceInfo does.
func (s *ChunkStore) DiskUsage() (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.rootDir, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	used := total - free
	return float64(used) / float64(total), nil
}

func (s *ChunkStore) isAboveHighWaterMark() (bool, error) {
	used, err := s.DiskUsage()
	if err != nil {
		return false, err
	}
	return used >= s.highWaterFraction, nil
}

func (s *ChunkStore) path(shardID string) string {
	return filepath.Join(s.rootDir, shardID+".shard")
}

// cleanupEmptyDirectories recursively removes now-empty parent
// directories up to (not including) rootDir. Adapted from the
// teacher's LocalStorageService.cleanupEmptyDirectories; this store
// lays shards out flat so in practice it only ever touches rootDir
// itself, which it refuses to remove.
func (s *ChunkStore) cleanupEmptyDirectories(dir string) {
	if dir == s.rootDir {
		return
	}
	if !strings.HasPrefix(dir, s.rootDir) {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if os.Remove(dir) == nil {
		s.cleanupEmptyDirectories(filepath.Dir(dir))
	}
}
