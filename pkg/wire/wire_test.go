package wire

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

func TestMessageRoundtrip(t *testing.T) {
	origin := model.SessionIDFromString("a1")
	msgs := []Message{
		Hello{Proto: ProtoVersion, DocID: "main", ClientName: "cli"},
		Welcome{Session: origin, Proto: ProtoVersion, Version: 42},
		Snapshot{Doc: document.Snapshot{
			Version: 7,
			Entries: []document.Entry{
				{Key: "a", Value: []byte("x")},
				{Key: "b", Value: []byte("yz")},
			},
		}},
		Submit{Base: 5, Ops: []model.Op{
			model.Put("cursor", []byte("10,20")),
			model.Del("stale"),
		}},
		Ack{Version: 6},
		Conflict{Current: 6},
		Delta{Delta: document.Delta{
			From: 5, To: 6, Origin: origin, HLC: 123456,
			Ops: []model.Op{model.Put("k", []byte("v"))},
		}},
		ResyncReq{Have: 3},
		Ping{},
		Pong{},
		Close{Reason: CloseIdleTimeout, Detail: "idle"},
	}

	for i, m := range msgs {
		frame, err := EncodeMessage(uint32(i), m)
		if err != nil {
			t.Fatalf("encode %T: %v", m, err)
		}
		seq, got, err := DecodeMessage(frame)
		if err != nil {
			t.Fatalf("decode %T: %v", m, err)
		}
		if seq != uint32(i) {
			t.Fatalf("seq mismatch for %T: got %d want %d", m, seq, i)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("roundtrip mismatch for %T:\n got %#v\nwant %#v", m, got, m)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	frame, err := EncodeMessage(1, Ack{Version: 9})
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"empty":     {},
		"short":     frame[:4],
		"truncated": frame[:len(frame)-2],
		"trailing":  append(append([]byte{}, frame...), 0xFF),
	}
	for name, b := range cases {
		if _, _, err := DecodeMessage(b); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: want ErrMalformed, got %v", name, err)
		}
	}
}

// Frames whose declared length is consistent but whose final fixed-width
// field is a byte short must fail, not decode with a garbage value.
func TestDecodeTruncatedFinalField(t *testing.T) {
	origin := model.SessionIDFromString("a1")
	msgs := map[string]Message{
		"welcome":        Welcome{Session: origin, Proto: ProtoVersion, Version: 42},
		"ack":            Ack{Version: 0x0900},
		"conflict":       Conflict{Current: 6},
		"resync":         ResyncReq{Have: 3},
		"empty_snapshot": Snapshot{},
		"delta":          Delta{Delta: document.Delta{From: 1, To: 2, Origin: origin, HLC: 9}},
	}
	for name, m := range msgs {
		frame, err := EncodeMessage(0, m)
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		short, err := Encode(m.MsgType(), 0, frame[9:len(frame)-1])
		if err != nil {
			t.Fatalf("%s: reframe: %v", name, err)
		}
		if _, _, err := DecodeMessage(short); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: want ErrMalformed, got %v", name, err)
		}
	}
}

// A tiny frame declaring a huge element count must be rejected before any
// allocation sized by the count.
func TestDecodeRejectsLyingCount(t *testing.T) {
	var submit []byte
	submit = append(submit, 0, 0, 0, 0, 0, 0, 0, 0) // base
	submit = append(submit, 0x00, 0x40, 0x00, 0x00) // 1<<22 ops, no bodies
	frame, err := Encode(MTSubmit, 0, submit)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodeMessage(frame); !errors.Is(err, ErrMalformed) {
		t.Fatalf("submit: want ErrMalformed, got %v", err)
	}

	var snap []byte
	snap = append(snap, 0, 0, 0, 0, 0, 0, 0, 0) // version
	snap = append(snap, 0xFF, 0xFF, 0xFF, 0xFF) // entry count
	frame, err = Encode(MTSnapshot, 0, snap)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodeMessage(frame); !errors.Is(err, ErrMalformed) {
		t.Fatalf("snapshot: want ErrMalformed, got %v", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	frame, err := Encode(0x7E, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodeMessage(frame); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
}

func TestSubmitRejectsInvalidOp(t *testing.T) {
	if _, err := EncodeMessage(0, Submit{Base: 1, Ops: []model.Op{{Kind: 99, Key: "k"}}}); err == nil {
		t.Fatal("expected error for unknown op kind")
	}
	if _, err := EncodeMessage(0, Submit{Base: 1, Ops: []model.Op{{Kind: model.OpKindPut}}}); err == nil {
		t.Fatal("expected error for empty key")
	}
}
