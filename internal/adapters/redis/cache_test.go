package redisad

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	return NewFromClient(redis.NewClient(&redis.Options{Addr: srv.Addr()})), srv
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	type quote struct {
		Total int64  `json:"total"`
		Token string `json:"token"`
	}
	if err := c.Set(ctx, "quotelock:abc", quote{Total: 98_325, Token: "abc"}, 60); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got quote
	ok, err := c.Get(ctx, "quotelock:abc", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Total != 98_325 || got.Token != "abc" {
		t.Fatalf("got %+v", got)
	}

	if err := c.Del(ctx, "quotelock:abc"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if ok, err := c.Get(ctx, "quotelock:abc", &got); err != nil || ok {
		t.Fatalf("after del: ok=%v err=%v", ok, err)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c, srv := testCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "avail:rt1:2026-03-10..2026-03-12", 2, 60); err != nil {
		t.Fatalf("set: %v", err)
	}
	srv.FastForward(61 * time.Second)

	var n int
	if ok, err := c.Get(ctx, "avail:rt1:2026-03-10..2026-03-12", &n); err != nil || ok {
		t.Fatalf("expired key: ok=%v err=%v", ok, err)
	}
}

func TestCacheMissIsNotAnError(t *testing.T) {
	c, _ := testCache(t)

	var n int
	ok, err := c.Get(context.Background(), "never-written", &n)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ok {
		t.Fatal("phantom hit")
	}
}
