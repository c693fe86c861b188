package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

func TestPoolDispatchesAcquiredGroupsUpToConcurrency(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())

	var mu sync.Mutex
	pending := []*store.Group{
		{GroupID: "g1"}, {GroupID: "g2"}, {GroupID: "g3"},
	}
	acquire := func(ctx context.Context, workerID string) (*store.Group, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(pending) == 0 {
			return nil, nil
		}
		g := pending[0]
		pending = pending[1:]
		return g, nil
	}

	var handled int32
	release := make(chan struct{})
	handler := func(ctx context.Context, g *store.Group) error {
		atomic.AddInt32(&handled, 1)
		<-release
		return nil
	}

	pool := New(Config{Name: "test", Concurrency: 2, PollInterval: time.Millisecond, DrainTimeout: time.Second}, clock, acquire, handler)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)

	for i := 0; i < 50 && atomic.LoadInt32(&handled) < 2; i++ {
		clock.Advance(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&handled))

	close(release)
	cancel()
	pool.Stop()
}

func TestPoolStopDrainsInFlightHandlers(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	acquired := false
	acquire := func(ctx context.Context, workerID string) (*store.Group, error) {
		if acquired {
			return nil, nil
		}
		acquired = true
		return &store.Group{GroupID: "g1"}, nil
	}

	var ran int32
	handler := func(ctx context.Context, g *store.Group) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}

	pool := New(Config{Name: "drain", Concurrency: 1, PollInterval: time.Millisecond, DrainTimeout: time.Second}, clock, acquire, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	for i := 0; i < 50 && atomic.LoadInt32(&ran) < 1; i++ {
		clock.Advance(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))

	pool.Stop()
}
