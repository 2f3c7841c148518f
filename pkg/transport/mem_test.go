package transport

import (
	"context"
	"testing"
	"time"
)

func TestMemDelivery(t *testing.T) {
	sw := NewSwitch()
	l, err := sw.Listen("A")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	client, err := sw.Dial("A")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	server, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, ok := server.Recv(ctx)
	if !ok || string(got) != "ping" {
		t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
	}

	if err := server.Send([]byte("pong")); err != nil {
		t.Fatalf("send back: %v", err)
	}
	got, ok = client.Recv(ctx)
	if !ok || string(got) != "pong" {
		t.Fatalf("recv back mismatch: ok=%v got=%q", ok, got)
	}
}

func TestMemOrdering(t *testing.T) {
	sw := NewSwitch()
	l, _ := sw.Listen("A")
	defer l.Close()

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

	for i := byte(0); i < 50; i++ {
		if err := client.Send([]byte{i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := byte(0); i < 50; i++ {
		got, ok := server.Recv(ctx)
		if !ok || got[0] != i {
			t.Fatalf("out of order at %d: ok=%v got=%v", i, ok, got)
		}
	}
}

func TestMemCloseStopsRecv(t *testing.T) {
	sw := NewSwitch()
	l, _ := sw.Listen("A")
	defer l.Close()

	client, err := sw.Dial("A")
	if err != nil {
		t.Fatal(err)
	}
	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := client.Recv(ctx); ok {
		t.Fatalf("expected closed recv to return ok=false")
	}
	if err := client.Send([]byte("x")); err == nil {
		t.Fatalf("expected send on closed conn to fail")
	}
}

func TestMemDialUnknownAddr(t *testing.T) {
	sw := NewSwitch()
	if _, err := sw.Dial("nope"); err == nil {
		t.Fatalf("expected dial error for unknown address")
	}
}
