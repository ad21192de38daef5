package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wgfleet/wgfleet/internal/models"
)

func TestSessionCacheSingleFlight(t *testing.T) {
	cache := NewSessionCache(time.Hour)
	var logins atomic.Int32
	login := func(ctx context.Context) (string, error) {
		logins.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "token", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.Get(context.Background(), 1, login)
			if err != nil || token != "token" {
				t.Errorf("Get: %q %v", token, err)
			}
		}()
	}
	wg.Wait()
	if got := logins.Load(); got != 1 {
		t.Fatalf("expected 1 login, got %d", got)
	}
}

func TestSessionCacheLoginOutlivesCancelledCaller(t *testing.T) {
	cache := NewSessionCache(time.Hour)
	var logins atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	login := func(ctx context.Context) (string, error) {
		if logins.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, ok := ctx.Deadline(); !ok {
			return "", errors.New("login without deadline")
		}
		return "token", nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(firstCtx, 1, login)
		firstErr <- err
	}()
	<-started

	type result struct {
		token string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		token, err := cache.Get(context.Background(), 1, login)
		second <- result{token, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected first caller to see its cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled caller kept waiting")
	}

	close(release)
	got := <-second
	if got.err != nil || got.token != "token" {
		t.Fatalf("expected shared login to succeed, got %q %v", got.token, got.err)
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("expected 1 login, got %d", n)
	}
	if token, err := cache.Get(context.Background(), 1, login); err != nil || token != "token" {
		t.Fatalf("expected cached token, got %q %v", token, err)
	}
}

func TestSessionCacheRefreshesBeforeExpiry(t *testing.T) {
	cache := NewSessionCache(time.Hour)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	n := 0
	login := func(ctx context.Context) (string, error) {
		n++
		return "token", nil
	}

	ctx := context.Background()
	_, _ = cache.Get(ctx, 1, login)
	now = now.Add(58 * time.Minute)
	_, _ = cache.Get(ctx, 1, login)
	if n != 1 {
		t.Fatalf("expected cached session at 58m, got %d logins", n)
	}
	now = now.Add(90 * time.Second)
	_, _ = cache.Get(ctx, 1, login)
	if n != 2 {
		t.Fatalf("expected refresh inside the margin, got %d logins", n)
	}
}

func TestSessionCacheKeepsNewerToken(t *testing.T) {
	cache := NewSessionCache(time.Hour)
	ctx := context.Background()
	_, _ = cache.Get(ctx, 1, func(context.Context) (string, error) { return "new", nil })

	cache.InvalidateToken(1, "old")
	token, _ := cache.Get(ctx, 1, func(context.Context) (string, error) { return "", errors.New("unexpected login") })
	if token != "new" {
		t.Fatalf("expected surviving token, got %q", token)
	}
	cache.InvalidateToken(1, "new")
	if _, ok := cache.lookup(1); ok {
		t.Fatalf("expected session dropped")
	}
}

func TestSessionCacheDoesNotCacheFailures(t *testing.T) {
	cache := NewSessionCache(time.Hour)
	ctx := context.Background()
	if _, err := cache.Get(ctx, 1, func(context.Context) (string, error) { return "", ErrAuthFailure }); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
	token, err := cache.Get(ctx, 1, func(context.Context) (string, error) { return "ok", nil })
	if err != nil || token != "ok" {
		t.Fatalf("expected fresh login, got %q %v", token, err)
	}
}

type stubAdapter struct {
	Adapter
	gw models.Gateway
}

func TestRegistryRebuildsOnCredentialChange(t *testing.T) {
	built := 0
	reg := NewRegistryWithFactory(func(gw models.Gateway) Adapter {
		built++
		return &stubAdapter{gw: gw}
	})
	gw := models.Gateway{ID: 1, BaseURL: "http://a", Username: "u", Password: "p"}
	first := reg.For(gw)
	if reg.For(gw) != first {
		t.Fatalf("expected cached adapter")
	}
	gw.Password = "changed"
	if reg.For(gw) == first {
		t.Fatalf("expected rebuilt adapter after password change")
	}
	reg.Forget(1)
	reg.For(gw)
	if built != 3 {
		t.Fatalf("expected 3 builds, got %d", built)
	}
}
