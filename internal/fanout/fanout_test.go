package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wgfleet/wgfleet/internal/gateway"
)

func TestRunBoundsConcurrency(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}
	var active, peak atomic.Int32
	results := Run(context.Background(), items, Options{Op: "test", Limit: 3, Timeout: time.Second}, func(ctx context.Context, item int) (int, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return item * 2, nil
	})
	if got := peak.Load(); got > 3 {
		t.Fatalf("expected at most 3 concurrent calls, saw %d", got)
	}
	for i, res := range results {
		if res.Err != nil || res.Value != i*2 || res.Index != i {
			t.Fatalf("unexpected result %d: %+v", i, res)
		}
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	results := Run(context.Background(), items, Options{Limit: 2}, func(ctx context.Context, item string) (string, error) {
		if item == "b" || item == "d" {
			return "", fmt.Errorf("call %s: %w", item, gateway.ErrGatewayRejected)
		}
		return item, nil
	})
	failed := Failed(results)
	if len(failed) != 2 || failed[0].Item != "b" || failed[1].Item != "d" {
		t.Fatalf("unexpected failures: %+v", failed)
	}
	if results[0].Value != "a" || results[2].Value != "c" {
		t.Fatalf("siblings affected: %+v", results)
	}
}

func TestRunTimeoutIsUnreachable(t *testing.T) {
	results := Run(context.Background(), []int{1, 2}, Options{Limit: 2, Timeout: 20 * time.Millisecond}, func(ctx context.Context, item int) (int, error) {
		if item == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return item, nil
	})
	if !errors.Is(results[0].Err, gateway.ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", results[0].Err)
	}
	if results[1].Err != nil || results[1].Value != 2 {
		t.Fatalf("unexpected second result %+v", results[1])
	}
}

func TestRunSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var completed atomic.Int32
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	results := Run(ctx, []int{1, 2, 3}, Options{Limit: 1, Timeout: time.Second}, func(callCtx context.Context, item int) (int, error) {
		if item == 1 {
			close(started)
			time.Sleep(20 * time.Millisecond)
		}
		if callCtx.Err() != nil {
			return 0, callCtx.Err()
		}
		completed.Add(1)
		return item, nil
	})
	if got := completed.Load(); got != 3 {
		t.Fatalf("expected all items to complete, got %d (%+v)", got, results)
	}
}

func TestAsError(t *testing.T) {
	if err := AsError("op", 3, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	err := AsError("enable", 3, []ItemError{NewItemError(1, "gw", gateway.ErrGatewayUnreachable)})
	var pf *PartialFailure
	if !errors.As(err, &pf) || pf.Total != 3 || pf.Failures[0].Kind != "gateway_unreachable" {
		t.Fatalf("unexpected partial failure %v", err)
	}
}
