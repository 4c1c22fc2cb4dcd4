package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/call-signaling/config"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := Connect(config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("miniredis value = %q", got)
	}
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	if _, err := Connect(config.RedisConfig{Host: host, Port: port}); err == nil {
		t.Fatal("expected connection error")
	}
}
