package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/logging"
	"hyperstore/internal/membership"
	"hyperstore/internal/metadata"
	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
)

func newTestFSM(t *testing.T) *metadata.FSM {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return metadata.NewFSM(db, logging.NewConsole("coordinator-fsm-test"))
}

func jsonMarshalRecord(rec metadata.Record) ([]byte, error) {
	return json.Marshal(rec)
}

func rawLog(data []byte) *raft.Log {
	return &raft.Log{Data: data}
}

type fakeMembers struct {
	nodes []membership.Info
}

func (f *fakeMembers) Snapshot() []membership.Info { return f.nodes }

type fakeChunks struct {
	mu      sync.Mutex
	store   map[string][]byte
	failPut map[string]bool
}

func newFakeChunks() *fakeChunks {
	return &fakeChunks{store: make(map[string][]byte), failPut: make(map[string]bool)}
}

func (f *fakeChunks) PutChunk(ctx context.Context, addr, shardID string, data []byte, expectedDigest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut[addr] {
		return context.DeadlineExceeded
	}
	f.store[addr+"/"+shardID] = append([]byte(nil), data...)
	return nil
}

func (f *fakeChunks) GetChunk(ctx context.Context, addr, shardID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.store[addr+"/"+shardID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return data, nil
}

func (f *fakeChunks) DeleteChunk(ctx context.Context, addr, shardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, addr+"/"+shardID)
	return nil
}

type fakeMetaLog struct {
	mu       sync.Mutex
	view     *metadata.View
	fsm      *metadata.FSM
	isLeader bool
}

func newFakeMetaLog(t *testing.T) *fakeMetaLog {
	return &fakeMetaLog{fsm: newTestFSM(t), isLeader: true}
}

func (f *fakeMetaLog) Apply(rec metadata.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := jsonMarshalRecord(rec)
	if err != nil {
		return err
	}
	res := f.fsm.Apply(rawLog(data))
	if err, ok := res.(error); ok && err != nil {
		return err
	}
	return nil
}

func (f *fakeMetaLog) IsLeader() bool      { return f.isLeader }
func (f *fakeMetaLog) LeaderAddr() string  { return "leader:9000" }
func (f *fakeMetaLog) View() *metadata.View { return f.fsm.View() }

func testNodes() []membership.Info {
	return []membership.Info{
		{ID: "n1", Addr: "10.0.0.1:9000", Status: membership.Active, Load: node.LoadVector{}},
		{ID: "n2", Addr: "10.0.0.2:9000", Status: membership.Active, Load: node.LoadVector{}},
		{ID: "n3", Addr: "10.0.0.3:9000", Status: membership.Active, Load: node.LoadVector{}},
	}
}

func TestUploadThenDownloadRoundTrips(t *testing.T) {
	members := &fakeMembers{nodes: testNodes()}
	metaLog := newFakeMetaLog(t)
	chunks := newFakeChunks()
	pool := node.NewPool(4)

	coord := New(members, metaLog, chunks, pool, 1024, 2, 1, metrics.New(), logging.NewConsole("coordinator-test"))

	payload := bytes.Repeat([]byte("xyz-"), 1000)
	require.NoError(t, coord.Upload(context.Background(), "alice", "f.bin", bytes.NewReader(payload)))

	got, err := coord.Download(context.Background(), "alice", "f.bin")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestUploadRejectsZeroByteFile(t *testing.T) {
	members := &fakeMembers{nodes: testNodes()}
	metaLog := newFakeMetaLog(t)
	chunks := newFakeChunks()
	pool := node.NewPool(4)

	coord := New(members, metaLog, chunks, pool, 1024, 2, 1, metrics.New(), logging.NewConsole("coordinator-test"))

	err := coord.Upload(context.Background(), "alice", "empty.bin", bytes.NewReader(nil))
	require.Error(t, err)
	require.True(t, clustererr.Is(err, clustererr.ErrInvalidArgument))

	_, err = coord.Download(context.Background(), "alice", "empty.bin")
	require.Error(t, err)
}

func TestUploadRetriesOncePerFailedNode(t *testing.T) {
	members := &fakeMembers{nodes: testNodes()}
	metaLog := newFakeMetaLog(t)
	chunks := newFakeChunks()
	chunks.failPut["10.0.0.1:9000"] = true
	pool := node.NewPool(4)

	coord := New(members, metaLog, chunks, pool, 1024, 2, 1, metrics.New(), logging.NewConsole("coordinator-test"))

	payload := []byte("small payload")
	err := coord.Upload(context.Background(), "bob", "g.bin", bytes.NewReader(payload))
	require.NoError(t, err)

	got, err := coord.Download(context.Background(), "bob", "g.bin")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDeleteThenDownloadFailsNotFound(t *testing.T) {
	members := &fakeMembers{nodes: testNodes()}
	metaLog := newFakeMetaLog(t)
	chunks := newFakeChunks()
	pool := node.NewPool(4)

	coord := New(members, metaLog, chunks, pool, 1024, 2, 1, metrics.New(), logging.NewConsole("coordinator-test"))

	payload := []byte("delete me")
	require.NoError(t, coord.Upload(context.Background(), "carol", "h.bin", bytes.NewReader(payload)))
	require.NoError(t, coord.Delete(context.Background(), "carol", "h.bin"))

	_, err := coord.Download(context.Background(), "carol", "h.bin")
	require.Error(t, err)
}

func TestSearchAndList(t *testing.T) {
	members := &fakeMembers{nodes: testNodes()}
	metaLog := newFakeMetaLog(t)
	chunks := newFakeChunks()
	pool := node.NewPool(4)

	coord := New(members, metaLog, chunks, pool, 1024, 2, 1, metrics.New(), logging.NewConsole("coordinator-test"))

	require.NoError(t, coord.Upload(context.Background(), "dan", "report.txt", bytes.NewReader([]byte("data"))))
	require.NoError(t, coord.Upload(context.Background(), "dan", "photo.png", bytes.NewReader([]byte("data2"))))

	names, err := coord.Search(context.Background(), "dan", "report")
	require.NoError(t, err)
	require.Equal(t, []string{"report.txt"}, names)

	files, err := coord.List(context.Background(), "dan")
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestStatusReportsMembershipAndLeader(t *testing.T) {
	members := &fakeMembers{nodes: testNodes()}
	metaLog := newFakeMetaLog(t)
	chunks := newFakeChunks()
	pool := node.NewPool(4)

	coord := New(members, metaLog, chunks, pool, 1024, 2, 1, metrics.New(), logging.NewConsole("coordinator-test"))

	status, err := coord.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status.Nodes, 3)
	require.True(t, status.IsLeader)
}
