// Package fanout runs one call per gateway or binding with bounded parallelism.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/metrics"
)

const (
	defaultLimit   = 5
	defaultTimeout = 30 * time.Second
)

// Options bounds a fan-out.
type Options struct {
	Op      string        // Label used for metrics.
	Limit   int           // Max concurrent calls.
	Timeout time.Duration // Per-call deadline.
}

// Result is the outcome of one item.
type Result[T, R any] struct {
	Index int
	Item  T
	Value R
	Err   error
}

// Run calls fn for every item and waits for all of them.
//
// Each call runs on a context detached from ctx's cancellation with its own
// timeout, so calls already dispatched finish even if the caller goes away.
// A call that fails because its deadline passed reports gateway.ErrGatewayUnreachable.
// Results are returned in input order; one failure never affects another item.
func Run[T, R any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, item T) (R, error)) []Result[T, R] {
	results := make([]Result[T, R], len(items))
	if len(items) == 0 {
		return results
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	detached := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(limit))
	done := make(chan struct{}, len(items))

	for i, item := range items {
		// Acquire on the detached context: every item is dispatched.
		if errAcquire := sem.Acquire(detached, 1); errAcquire != nil {
			results[i] = Result[T, R]{Index: i, Item: item, Err: errAcquire}
			done <- struct{}{}
			continue
		}
		go func(i int, item T) {
			defer func() {
				sem.Release(1)
				done <- struct{}{}
			}()
			callCtx, cancel := context.WithTimeout(detached, timeout)
			defer cancel()

			value, err := fn(callCtx, item)
			if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, gateway.ErrGatewayUnreachable) {
				err = fmt.Errorf("%w: call exceeded %s: %v", gateway.ErrGatewayUnreachable, timeout, err)
			}
			outcome := "ok"
			if err != nil {
				outcome = gateway.Kind(err)
			}
			metrics.ObserveFanoutItem(opts.Op, outcome)
			results[i] = Result[T, R]{Index: i, Item: item, Value: value, Err: err}
		}(i, item)
	}

	for range items {
		<-done
	}
	return results
}

// Failed returns the results that carry an error.
func Failed[T, R any](results []Result[T, R]) []Result[T, R] {
	out := make([]Result[T, R], 0)
	for _, res := range results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}
