package transport

import (
	"context"
	"testing"
	"time"
)

func chaosPair(t *testing.T, cfg ChaosConfig) (Conn, Conn) {
	t.Helper()
	sw := NewSwitch()
	l, err := sw.Listen("A")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)

	client, err := sw.Dial("A")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	server, err := l.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return WrapChaos(client, cfg), server
}

func TestChaosPassthrough(t *testing.T) {
	client, server := chaosPair(t, ChaosConfig{Up: true, Seed: 1})

	if err := client.Send([]byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := server.Recv(ctx)
	if !ok || string(got) != "x" {
		t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
	}
}

func TestChaosFullLossDropsEverything(t *testing.T) {
	client, server := chaosPair(t, ChaosConfig{Up: true, Loss: 1.0, Seed: 1})

	for i := 0; i < 10; i++ {
		if err := client.Send([]byte("x")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := server.Recv(ctx); ok {
		t.Fatalf("expected nothing to get through at loss=1.0")
	}
}

func TestChaosLinkDown(t *testing.T) {
	cc, _ := chaosPair(t, ChaosConfig{Up: false, Seed: 1})
	if err := cc.Send([]byte("x")); err == nil {
		t.Fatalf("expected send on downed link to fail")
	}
	cc.(*ChaosConn).SetUp(true)
	if err := cc.Send([]byte("x")); err != nil {
		t.Fatalf("send after link up: %v", err)
	}
}
