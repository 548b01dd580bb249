package membership

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperstore/internal/logging"
	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
)

type fakeHeartbeater struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (f *fakeHeartbeater) Heartbeat(ctx context.Context, addr string) (node.LoadVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return node.LoadVector{}, errors.New("unreachable")
	}
	return node.LoadVector{CPU: 0.1}, nil
}

func (f *fakeHeartbeater) setFail(addr string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]bool)
	}
	f.fail[addr] = v
}

func newTestDetector(hb Heartbeater) *Detector {
	return New(hb, 10*time.Millisecond, 3, 30*time.Millisecond, metrics.New(), logging.New("membership-test", nil))
}

func TestNewNodeBecomesActiveOnFirstHeartbeat(t *testing.T) {
	hb := &fakeHeartbeater{}
	d := newTestDetector(hb)
	d.AddNode("n1", "n1:9000")

	d.pollOnce(context.Background())

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, Active, snap[0].Status)
}

func TestMissingOneFewerThanThresholdStaysActive(t *testing.T) {
	hb := &fakeHeartbeater{}
	d := newTestDetector(hb)
	d.AddNode("n1", "n1:9000")
	d.pollOnce(context.Background()) // becomes Active

	hb.setFail("n1:9000", true)
	for i := 0; i < 2; i++ { // suspectThreshold is 3; 2 misses must not trip it
		d.pollOnce(context.Background())
	}

	snap := d.Snapshot()
	assert.Equal(t, Active, snap[0].Status)
}

func TestThirdMissTransitionsToSuspect(t *testing.T) {
	hb := &fakeHeartbeater{}
	d := newTestDetector(hb)
	d.AddNode("n1", "n1:9000")
	d.pollOnce(context.Background())

	hb.setFail("n1:9000", true)
	for i := 0; i < 3; i++ {
		d.pollOnce(context.Background())
	}

	snap := d.Snapshot()
	assert.Equal(t, Suspect, snap[0].Status)
}

func TestSuspectBecomesDeadAfterDeadThreshold(t *testing.T) {
	hb := &fakeHeartbeater{}
	d := newTestDetector(hb)
	d.AddNode("n1", "n1:9000")
	d.pollOnce(context.Background())

	hb.setFail("n1:9000", true)
	for i := 0; i < 3; i++ {
		d.pollOnce(context.Background())
	}
	require.Equal(t, Suspect, d.Snapshot()[0].Status)

	time.Sleep(40 * time.Millisecond)
	d.pollOnce(context.Background())

	assert.Equal(t, Dead, d.Snapshot()[0].Status)
}

func TestDeadNodeRecoversToActiveOnSuccess(t *testing.T) {
	hb := &fakeHeartbeater{}
	d := newTestDetector(hb)
	d.AddNode("n1", "n1:9000")
	hb.setFail("n1:9000", true)
	for i := 0; i < 3; i++ {
		d.pollOnce(context.Background())
	}
	time.Sleep(40 * time.Millisecond)
	d.pollOnce(context.Background())
	require.Equal(t, Dead, d.Snapshot()[0].Status)

	hb.setFail("n1:9000", false)
	d.pollOnce(context.Background())

	assert.Equal(t, Active, d.Snapshot()[0].Status)
}

func TestActiveNodesFiltersOutDeadAndSuspect(t *testing.T) {
	hb := &fakeHeartbeater{}
	d := newTestDetector(hb)
	d.AddNode("alive", "alive:9000")
	d.AddNode("dying", "dying:9000")
	hb.setFail("dying:9000", true)

	d.pollOnce(context.Background())
	for i := 0; i < 3; i++ {
		d.pollOnce(context.Background())
	}

	active := d.ActiveNodes()
	require.Len(t, active, 1)
	assert.Equal(t, "alive", active[0].ID)
}

func TestRunPollsConcurrentlyWithoutRace(t *testing.T) {
	var calls int64
	hb := &countingHeartbeater{calls: &calls}
	d := newTestDetector(hb)
	for i := 0; i < 5; i++ {
		d.AddNode(string(rune('a'+i)), string(rune('a'+i))+":9000")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	assert.Greater(t, atomic.LoadInt64(&calls), int64(0))
}

type countingHeartbeater struct {
	calls *int64
}

func (c *countingHeartbeater) Heartbeat(ctx context.Context, addr string) (node.LoadVector, error) {
	atomic.AddInt64(c.calls, 1)
	return node.LoadVector{}, nil
}
