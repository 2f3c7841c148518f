package transport

import (
	"context"
	"testing"
	"time"
)

func TestTCPRoundtrip(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	client, err := DialTCP(l.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, ok := server.Recv(ctx)
	if !ok || string(got) != "hello" {
		t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
	}

	if err := server.Send([]byte("world")); err != nil {
		t.Fatalf("send back: %v", err)
	}
	got, ok = client.Recv(ctx)
	if !ok || string(got) != "world" {
		t.Fatalf("recv back mismatch: ok=%v got=%q", ok, got)
	}
}

func TestTCPPeerCloseEndsRecv(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	client, err := DialTCP(l.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server, err := l.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}

	client.Close()
	if _, ok := server.Recv(ctx); ok {
		t.Fatalf("expected recv to end after peer close")
	}
}
