package concurrency

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type inflightTracker struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (tr *inflightTracker) enter() {
	n := tr.current.Add(1)
	for {
		p := tr.peak.Load()
		if n <= p || tr.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (tr *inflightTracker) leave() {
	tr.current.Add(-1)
}

func TestMapPreservesOrderUnderRandomDelays(t *testing.T) {
	t.Parallel()

	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}
	for _, limit := range []int{1, 3, 7, 40, 100} {
		out := Map(context.Background(), items, limit, func(_ context.Context, item, index int) (int, error) {
			time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
			require.Equal(t, item, index)
			return item * 10, nil
		})
		require.Len(t, out, len(items))
		for i, o := range out {
			require.True(t, o.OK())
			require.Equal(t, i*10, o.Value, "limit %d slot %d", limit, i)
		}
	}
}

func TestMapNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	var tr inflightTracker
	items := make([]int, 25)
	Map(context.Background(), items, 4, func(_ context.Context, _ int, _ int) (struct{}, error) {
		tr.enter()
		defer tr.leave()
		time.Sleep(2 * time.Millisecond)
		return struct{}{}, nil
	})
	require.LessOrEqual(t, tr.peak.Load(), int64(4))
	require.Equal(t, int64(4), tr.peak.Load(), "expected the cap to be reached with N > L")
}

func TestMapIsolatesFailures(t *testing.T) {
	t.Parallel()

	var tr inflightTracker
	boom := errors.New("boom")
	out := Map(context.Background(), []int{1, 2, 3, 4, 5}, 2, func(_ context.Context, item, _ int) (string, error) {
		tr.enter()
		defer tr.leave()
		time.Sleep(time.Millisecond)
		if item == 3 {
			return "", boom
		}
		return "r" + string(rune('0'+item)), nil
	})

	vals := Values(out)
	require.Len(t, vals, 5)
	require.Nil(t, vals[2])
	require.ErrorIs(t, out[2].Err, boom)
	for i, want := range map[int]string{0: "r1", 1: "r2", 3: "r4", 4: "r5"} {
		require.NotNil(t, vals[i])
		require.Equal(t, want, *vals[i])
	}
	require.Equal(t, 1, Failed(out))
	require.LessOrEqual(t, tr.peak.Load(), int64(2))
}

func TestMapRecoversPanics(t *testing.T) {
	t.Parallel()

	out := Map(context.Background(), []string{"a", "b", "c"}, 3, func(_ context.Context, item string, _ int) (string, error) {
		if item == "b" {
			panic("kaboom")
		}
		return item, nil
	})

	var pe *PanicError
	require.ErrorAs(t, out[1].Err, &pe)
	require.Equal(t, 1, pe.Index)
	require.Equal(t, "a", out[0].Value)
	require.Equal(t, "c", out[2].Value)
}

func TestMapEmptyInput(t *testing.T) {
	t.Parallel()

	called := false
	out := Map(context.Background(), nil, 3, func(context.Context, int, int) (int, error) {
		called = true
		return 0, nil
	})
	require.Empty(t, out)
	require.False(t, called)
}

func TestMapWaitsForAllWorkers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	finished := 0
	Map(context.Background(), make([]int, 10), 3, func(context.Context, int, int) (int, error) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		finished++
		mu.Unlock()
		return 0, nil
	})
	require.Equal(t, 10, finished)
}

func TestMapClampsLimitAndHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := Map(ctx, []int{1, 2}, 0, func(context.Context, int, int) (int, error) {
		return 1, nil
	})
	require.Len(t, out, 2)
	require.ErrorIs(t, out[0].Err, context.Canceled)
	require.ErrorIs(t, out[1].Err, context.Canceled)
}
