package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := New(client, "test:ratelimit", limit, window)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l, srv
}

func TestLimiterBlocksAfterLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	first := l.Allow(ctx, "user-1")
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first decision: %+v", first)
	}
	if !l.Allow(ctx, "user-1").Allowed {
		t.Fatalf("second request should pass")
	}
	third := l.Allow(ctx, "user-1")
	if third.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if third.RetryAfter <= 0 || third.RetryAfter > time.Minute {
		t.Fatalf("retry after out of range: %v", third.RetryAfter)
	}
	if !l.Allow(ctx, "user-2").Allowed {
		t.Fatalf("other keys have their own budget")
	}
}

func TestLimiterFailsClosed(t *testing.T) {
	l, srv := newTestLimiter(t, 1, time.Second)
	srv.Close()
	d := l.Allow(context.Background(), "user-1")
	if d.Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("retry after = %v, want full window", d.RetryAfter)
	}
}

func TestNewRequiresClientAndLimits(t *testing.T) {
	if _, err := New(nil, "p", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := New(client, "p", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{0: 1, 200 * time.Millisecond: 1, time.Second: 1, 1500 * time.Millisecond: 2, time.Minute: 60}
	for in, want := range cases {
		if got := RetryAfterSeconds(in); got != want {
			t.Fatalf("RetryAfterSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}
