package cache_test

import (
	"context"
	"testing"
	"time"

	"unithost/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCacheSetOps(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.SAdd(ctx, "pkgs", "requests", "numpy"); err != nil {
		t.Fatalf("sadd failed: %v", err)
	}
	ok, err := c.SIsMember(ctx, "pkgs", "numpy")
	if err != nil || !ok {
		t.Fatalf("expected numpy member, ok=%v err=%v", ok, err)
	}
	n, err := c.SCard(ctx, "pkgs")
	if err != nil || n != 2 {
		t.Fatalf("unexpected card: %d err=%v", n, err)
	}
}

func TestRedisCacheListOps(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if v, err := c.LPop(ctx, "queue"); err != nil || v != "" {
		t.Fatalf("expected empty pop, got %q err=%v", v, err)
	}
	if err := c.RPush(ctx, "queue", "a", "b"); err != nil {
		t.Fatalf("rpush failed: %v", err)
	}
	if v, _ := c.LPop(ctx, "queue"); v != "a" {
		t.Fatalf("unexpected pop: %q", v)
	}
	if v, _ := c.LPop(ctx, "queue"); v != "b" {
		t.Fatalf("unexpected pop: %q", v)
	}
}

func TestRedisCacheTrimAndExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	ctx := context.Background()

	if err := c.RPush(ctx, "replies", "1", "2", "3", "4"); err != nil {
		t.Fatalf("rpush failed: %v", err)
	}
	if err := c.LTrim(ctx, "replies", -2, -1); err != nil {
		t.Fatalf("ltrim failed: %v", err)
	}
	list, err := mr.List("replies")
	if err != nil || len(list) != 2 || list[0] != "3" || list[1] != "4" {
		t.Fatalf("unexpected trimmed list: %v err=%v", list, err)
	}
	if err := c.Expire(ctx, "replies", time.Hour); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if ttl := mr.TTL("replies"); ttl != time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
	if n, err := c.Incr(ctx, "hits"); err != nil || n != 1 {
		t.Fatalf("unexpected incr: %d err=%v", n, err)
	}
}
