package traffic

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func exerciseSampleStore(t *testing.T, s SampleStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, ok, err := s.Latest(ctx, "peer:1:a"); err != nil || ok {
		t.Fatalf("expected empty series, ok=%v err=%v", ok, err)
	}
	for i, rx := range []int64{100, 200, 300} {
		if err := s.Append(ctx, "peer:1:a", Sample{At: base.Add(time.Duration(i) * time.Minute), Rx: rx, Tx: rx * 2}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// out-of-order sample lands in position
	if err := s.Append(ctx, "peer:1:a", Sample{At: base.Add(30 * time.Second), Rx: 150, Tx: 300}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "gw:1", Sample{At: base, Rx: 1, Tx: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "peer:1:b", Sample{At: base.Add(2 * time.Minute), Rx: 5, Tx: 5}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "peer:10:a", Sample{At: base, Rx: 9, Tx: 9}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	keys, err := s.Keys(ctx, PeerKeyPrefix(1))
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "peer:1:a" || keys[1] != "peer:1:b" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	got, err := s.Range(ctx, "peer:1:a", base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 3 || got[0].Rx != 100 || got[1].Rx != 150 || got[2].Rx != 200 {
		t.Fatalf("unexpected range: %+v", got)
	}
	latest, ok, err := s.Latest(ctx, "peer:1:a")
	if err != nil || !ok || latest.Rx != 300 || latest.Tx != 600 || !latest.At.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected latest: %+v ok=%v err=%v", latest, ok, err)
	}

	if err = s.Prune(ctx, base.Add(time.Minute)); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	got, _ = s.Range(ctx, "peer:1:a", base.Add(-time.Hour), base.Add(time.Hour))
	if len(got) != 2 || got[0].Rx != 200 {
		t.Fatalf("unexpected samples after prune: %+v", got)
	}
	if _, ok, _ = s.Latest(ctx, "gw:1"); ok {
		t.Fatalf("expected gateway series pruned")
	}
	if keys, _ = s.Keys(ctx, PeerKeyPrefix(10)); len(keys) != 0 {
		t.Fatalf("expected pruned series dropped from keys, got %v", keys)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseSampleStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseSampleStore(t, NewRedisStore(client, "test"))

	if mr.Exists("test:traffic:gw:1") {
		t.Fatalf("expected empty gateway series key removed")
	}
	if ok, _ := mr.IsMember("test:traffic:keys", "gw:1"); ok {
		t.Fatalf("expected gateway series dropped from index")
	}
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	if _, err := NewRedisClient("http://nope"); err == nil {
		t.Fatalf("expected error for non-redis url")
	}
}
