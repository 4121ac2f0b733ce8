package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunAllPreservesInputOrder(t *testing.T) {
	// Completion order is forced to C, A, B.
	units := []string{"A", "B", "C"}
	release := map[string]chan struct{}{
		"A": make(chan struct{}),
		"B": make(chan struct{}),
		"C": make(chan struct{}),
	}
	var (
		mu    sync.Mutex
		order []string
	)
	go func() {
		close(release["C"])
		time.Sleep(20 * time.Millisecond)
		close(release["A"])
		time.Sleep(20 * time.Millisecond)
		close(release["B"])
	}()

	out := RunAll(context.Background(), units, func(ctx context.Context, u string) (string, error) {
		<-release[u]
		mu.Lock()
		order = append(order, u)
		mu.Unlock()
		return "done-" + u, nil
	}, WithWorkers(3))

	if len(out) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(out))
	}
	for i, u := range units {
		if out[i].Index != i || out[i].Value != "done-"+u || out[i].Err != nil {
			t.Fatalf("outcome %d = %+v", i, out[i])
		}
	}
	if got := order[0] + order[1] + order[2]; got != "CAB" {
		t.Fatalf("completion order %s, want CAB", got)
	}
}

func TestRunAllFailureDoesNotCancelSiblings(t *testing.T) {
	var ran atomic.Int32
	boom := errors.New("boom")
	out := RunAll(context.Background(), []int{0, 1, 2, 3}, func(ctx context.Context, u int) (int, error) {
		ran.Add(1)
		if u == 1 {
			return 0, boom
		}
		return u * 10, nil
	}, WithWorkers(2))

	if ran.Load() != 4 {
		t.Fatalf("expected every unit to run once, ran %d", ran.Load())
	}
	if !errors.Is(out[1].Err, boom) {
		t.Fatalf("unit 1 error = %v", out[1].Err)
	}
	if out[3].Value != 30 || out[3].Err != nil {
		t.Fatalf("unit 3 = %+v", out[3])
	}
	if errs := Errors(out); len(errs) != 1 || errs[1] == nil {
		t.Fatalf("Errors = %v", errs)
	}
}

func TestRunAllRecoversPanics(t *testing.T) {
	out := RunAll(context.Background(), []int{0, 1}, func(ctx context.Context, u int) (int, error) {
		if u == 0 {
			panic("bad unit")
		}
		return 1, nil
	})
	var pe *PanicError
	if !errors.As(out[0].Err, &pe) {
		t.Fatalf("expected PanicError, got %v", out[0].Err)
	}
	if pe.Value != "bad unit" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic error %+v", pe)
	}
	if out[1].Err != nil {
		t.Fatalf("sibling failed: %v", out[1].Err)
	}
}

func TestRunAllUnitTimeout(t *testing.T) {
	out := RunAll(context.Background(), []int{0, 1}, func(ctx context.Context, u int) (int, error) {
		if u == 0 {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return 0, ctx.Err()
		}
		return 1, nil
	}, WithWorkers(2), WithUnitTimeout(30*time.Millisecond))

	if !errors.Is(out[0].Err, ErrUnitTimeout) {
		t.Fatalf("expected timeout, got %v", out[0].Err)
	}
	if out[1].Err != nil || out[1].Value != 1 {
		t.Fatalf("unit 1 = %+v", out[1])
	}
}

func TestRunAllBoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int32
	units := make([]int, 12)
	RunAll(context.Background(), units, func(ctx context.Context, u int) (struct{}, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return struct{}{}, nil
	}, WithWorkers(3))
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds 3", peak.Load())
	}
}

func TestRunAllObserverAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var seen atomic.Int32
	out := RunAll(ctx, []int{0, 1, 2}, func(ctx context.Context, u int) (int, error) {
		if u == 0 {
			cancel()
		}
		return u, nil
	}, WithObserver(func(i int, err error, d time.Duration) { seen.Add(1) }))

	if seen.Load() != 3 {
		t.Fatalf("observer saw %d completions, want 3", seen.Load())
	}
	if out[0].Err != nil {
		t.Fatalf("unit 0 should have completed: %v", out[0].Err)
	}
	if !errors.Is(out[2].Err, context.Canceled) {
		t.Fatalf("unit 2 should see cancellation, got %v", out[2].Err)
	}
}
