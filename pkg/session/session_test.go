package session

import (
	"errors"
	"testing"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

func TestLifecycleHappyPath(t *testing.T) {
	s := New(model.NewSessionID())
	steps := []State{Handshaking, Synchronized, Degraded, Synchronized, Closed}
	for _, st := range steps {
		if err := s.Advance(st); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
		if s.State() != st {
			t.Fatalf("state = %s, want %s", s.State(), st)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct{ from, to State }{
		{Connecting, Synchronized},
		{Connecting, Degraded},
		{Handshaking, Degraded},
		{Closed, Synchronized},
		{Closed, Handshaking},
		{Degraded, Handshaking},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be illegal", c.from, c.to)
		}
	}

	s := New(model.NewSessionID())
	if err := s.Advance(Synchronized); !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
	if s.State() != Connecting {
		t.Fatalf("failed transition must not change state, got %s", s.State())
	}
}

func TestAnyStateCanClose(t *testing.T) {
	for _, from := range []State{Connecting, Handshaking, Synchronized, Degraded} {
		if !CanTransition(from, Closed) {
			t.Errorf("%s -> closed should be legal", from)
		}
	}
}

func TestHookObservesTransitions(t *testing.T) {
	type rec struct{ from, to State }
	var got []rec
	id := model.NewSessionID()
	s := New(id, WithHook(func(sid model.SessionID, from, to State, at time.Time) {
		if sid != id {
			t.Errorf("hook got wrong session id")
		}
		got = append(got, rec{from, to})
	}))

	_ = s.Advance(Handshaking)
	_ = s.Advance(Synchronized)
	_ = s.Advance(Closed)

	want := []rec{
		{Connecting, Handshaking},
		{Handshaking, Synchronized},
		{Synchronized, Closed},
	}
	if len(got) != len(want) {
		t.Fatalf("hook fired %d times, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRecvSeqGapDetection(t *testing.T) {
	s := New(model.NewSessionID())
	if gap := s.CheckRecvSeq(1); gap {
		t.Fatal("first frame should not be a gap")
	}
	if gap := s.CheckRecvSeq(2); gap {
		t.Fatal("contiguous frame should not be a gap")
	}
	if gap := s.CheckRecvSeq(4); !gap {
		t.Fatal("skipped frame should be a gap")
	}
	// after resync, detection re-arms from the announced seq
	s.ResetRecvSeq(10)
	if gap := s.CheckRecvSeq(11); gap {
		t.Fatal("frame after reset should not be a gap")
	}
}

func TestNotifierFanout(t *testing.T) {
	n := NewNotifier()
	sub := n.Subscribe(8)
	s := New(model.NewSessionID(), WithHook(n.Hook()))

	_ = s.Advance(Handshaking)
	_ = s.Advance(Closed)

	for _, want := range []State{Handshaking, Closed} {
		select {
		case ev := <-sub:
			if ev.To != want {
				t.Fatalf("event to = %s, want %s", ev.To, want)
			}
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}
