package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VPN-Cluster-bot/internal/db"
)

func testServers(n int) []db.Server {
	names := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	servers := make([]db.Server, n)
	for i := 0; i < n; i++ {
		servers[i] = db.Server{ClusterName: "eu", ServerName: names[i]}
	}
	return servers
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	d := NewDispatcher(2)
	var current, peak int64
	results := d.Run(context.Background(), testServers(5), time.Second, func(ctx context.Context, srv db.Server) error {
		cur := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return nil
	})
	require.Len(t, results, 5)
	assert.True(t, AllOK(results))
	assert.LessOrEqual(t, peak, int64(2), "fan-out exceeded semaphore cap")
}

func TestRunDoesNotShortCircuit(t *testing.T) {
	d := NewDispatcher(2)
	boom := errors.New("boom")
	var calls int64
	results := d.Run(context.Background(), testServers(4), time.Second, func(ctx context.Context, srv db.Server) error {
		atomic.AddInt64(&calls, 1)
		if srv.ServerName == "bravo" {
			return boom
		}
		return nil
	})
	assert.EqualValues(t, 4, calls, "all servers must be attempted")
	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "bravo", failed[0].Server)
	assert.ErrorIs(t, failed[0].Err, boom)
	assert.ElementsMatch(t, []string{"alpha", "charlie", "delta"}, Succeeded(results))
}

func TestRunResultOrderMatchesServers(t *testing.T) {
	d := NewDispatcher(5)
	servers := testServers(5)
	results := d.Run(context.Background(), servers, time.Second, func(ctx context.Context, srv db.Server) error {
		return nil
	})
	for i, r := range results {
		assert.Equal(t, servers[i].ServerName, r.Server)
	}
}

func TestRunCancellationMarksResults(t *testing.T) {
	d := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	results := func() []Result {
		go func() {
			<-started
			cancel()
		}()
		return d.Run(ctx, testServers(3), time.Second, func(ctx context.Context, srv db.Server) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	require.Len(t, results, 3)
	var cancelled int
	for _, r := range results {
		if r.Cancelled {
			cancelled++
		}
	}
	assert.Greater(t, cancelled, 0, "cancelled calls must carry the marker")
}

func TestRunPerServerTimeout(t *testing.T) {
	d := NewDispatcher(2)
	results := d.Run(context.Background(), testServers(1), 10*time.Millisecond, func(ctx context.Context, srv db.Server) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.False(t, results[0].Cancelled, "deadline is not a caller cancellation")
}

func TestPaceHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Pace(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
