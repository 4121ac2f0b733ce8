// Package dispatch runs independent work units across a bounded worker pool
// and hands back one outcome per unit, in input order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// ErrUnitTimeout is returned for a unit that exceeded the per-unit timeout.
var ErrUnitTimeout = errors.New("work unit timed out")

// PanicError captures a panic raised while running a unit.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("work unit panicked: %v", e.Value)
}

// Outcome is the result of one unit. Exactly one of Value or Err is
// meaningful.
type Outcome[R any] struct {
	Index    int
	Value    R
	Err      error
	Duration time.Duration
}

// Func executes a single unit.
type Func[U, R any] func(ctx context.Context, unit U) (R, error)

// Observer is told about every completed unit as it happens. It is called
// from the worker goroutine that finished the unit.
type Observer func(index int, err error, d time.Duration)

type options struct {
	workers  int
	timeout  time.Duration
	observer Observer
}

// Option configures RunAll.
type Option func(*options)

// WithWorkers bounds concurrency. Values below 1 mean 1.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.workers = n
	}
}

// WithUnitTimeout limits each unit's run time. Zero disables the limit.
func WithUnitTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithObserver installs a completion callback.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// RunAll executes every unit exactly once and returns when all of them have
// an outcome. A failing unit never cancels its siblings. Cancelling ctx
// makes units that have not started yet fail with ctx.Err().
func RunAll[U, R any](ctx context.Context, units []U, fn Func[U, R], opts ...Option) []Outcome[R] {
	o := options{workers: 1}
	for _, opt := range opts {
		opt(&o)
	}

	out := make([]Outcome[R], len(units))
	if len(units) == 0 {
		return out
	}
	workers := o.workers
	if workers > len(units) {
		workers = len(units)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				start := time.Now()
				var (
					v   R
					err error
				)
				if cerr := ctx.Err(); cerr != nil {
					err = cerr
				} else {
					v, err = runOne(ctx, units[i], fn, o.timeout)
				}
				d := time.Since(start)
				// Each index is written by exactly one worker.
				out[i] = Outcome[R]{Index: i, Value: v, Err: err, Duration: d}
				if o.observer != nil {
					o.observer(i, err, d)
				}
			}
		}()
	}
	for i := range units {
		idx <- i
	}
	close(idx)
	wg.Wait()
	return out
}

type result[R any] struct {
	v   R
	err error
}

func runOne[U, R any](ctx context.Context, unit U, fn Func[U, R], timeout time.Duration) (R, error) {
	if timeout <= 0 {
		return call(ctx, unit, fn)
	}

	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// On timeout fn keeps running in its goroutine until it observes uctx;
	// its result is dropped. Functions with side effects check uctx before
	// committing them.

	done := make(chan result[R], 1)
	go func() {
		v, err := call(uctx, unit, fn)
		done <- result[R]{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-uctx.Done():
		var zero R
		if errors.Is(uctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("after %s: %w", timeout, ErrUnitTimeout)
		}
		return zero, ctx.Err()
	}
}

func call[U, R any](ctx context.Context, unit U, fn Func[U, R]) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, unit)
}

// Errors collects the non-nil errors of outcomes keyed by index.
func Errors[R any](outcomes []Outcome[R]) map[int]error {
	errs := make(map[int]error)
	for _, o := range outcomes {
		if o.Err != nil {
			errs[o.Index] = o.Err
		}
	}
	return errs
}
