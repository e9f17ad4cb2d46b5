package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading-riskengine/internal/broker"
)

func TestUserFromChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    string
		ok      bool
	}{
		{"pub:user:u1", "u1", true},
		{"pub:user:", "", false},
		{"pub:candle:60s:NSE:1", "", false},
	}
	for _, tt := range tests {
		got, ok := userFromChannel(tt.channel)
		if got != tt.want || ok != tt.ok {
			t.Errorf("userFromChannel(%q) = %q, %v; want %q, %v", tt.channel, got, ok, tt.want, tt.ok)
		}
	}
	if userChannel("u7") != "pub:user:u7" {
		t.Errorf("userChannel = %q", userChannel("u7"))
	}
}

func TestRelay_EnqueueNeverBlocks(t *testing.T) {
	r := NewRelay(nil, 2, time.Second)
	if !r.Enqueue("u1", []byte("a")) || !r.Enqueue("u1", []byte("b")) {
		t.Fatal("queue with room should accept")
	}
	if r.Enqueue("u1", []byte("c")) {
		t.Error("full queue should refuse")
	}
}

func TestRelay_PublishFailureDeliversLocally(t *testing.T) {
	r := NewRelay(nil, 8, time.Second)
	var published []string
	r.publish = func(ctx context.Context, channel string, data []byte) error {
		if string(data) == "bad" {
			return errors.New("connection refused")
		}
		published = append(published, channel)
		return nil
	}
	fallbacks := 0
	r.OnPublishError = func() { fallbacks++ }

	var local []string
	deliver := func(userID string, data []byte) { local = append(local, userID+":"+string(data)) }

	r.publishOne(context.Background(), outbound{userID: "u1", data: []byte("ok")}, deliver)
	r.publishOne(context.Background(), outbound{userID: "u2", data: []byte("bad")}, deliver)

	if len(published) != 1 || published[0] != "pub:user:u1" {
		t.Errorf("published = %v", published)
	}
	if len(local) != 1 || local[0] != "u2:bad" {
		t.Errorf("local deliveries = %v", local)
	}
	if fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", fallbacks)
	}
}

func TestRelay_RefusesWhileBreakerOpen(t *testing.T) {
	r := NewRelay(nil, 8, time.Second)
	r.breaker = broker.NewBreaker(1, time.Hour)
	r.publish = func(ctx context.Context, channel string, data []byte) error {
		return errors.New("timeout")
	}

	r.publishOne(context.Background(), outbound{userID: "u1", data: []byte("x")}, func(string, []byte) {})
	if r.breaker.CurrentState() != broker.StateOpen {
		t.Fatalf("breaker = %s, want open", r.breaker.CurrentState())
	}
	if r.Enqueue("u1", []byte("y")) {
		t.Error("Enqueue should refuse while Redis is down")
	}
}
