package document

import (
	"bytes"
	"testing"

	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

func delta(from uint64, ops ...model.Op) Delta {
	return Delta{From: from, To: from + 1, Ops: ops}
}

func TestApplyAdvancesVersion(t *testing.T) {
	d := New()
	if err := d.Apply(delta(0, model.Put("a", []byte("1")))); err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(delta(1, model.Put("b", []byte("2")), model.Del("a"))); err != nil {
		t.Fatal(err)
	}
	if d.Version() != 2 {
		t.Fatalf("version %d, want 2", d.Version())
	}
	if _, ok := d.Get("a"); ok {
		t.Fatal("deleted key still present")
	}
	v, ok := d.Get("b")
	if !ok || !bytes.Equal(v, []byte("2")) {
		t.Fatalf("b = %q (%v)", v, ok)
	}
}

func TestApplyRejectsWrongBase(t *testing.T) {
	d := New()
	if err := d.Apply(delta(3, model.Put("a", []byte("1")))); err == nil {
		t.Fatal("expected error for delta not matching version")
	}
	if d.Version() != 0 {
		t.Fatalf("failed apply changed version: %d", d.Version())
	}
	if err := d.Apply(Delta{From: 0, To: 5, Ops: []model.Op{model.Put("a", nil)}}); err == nil {
		t.Fatal("expected error for multi-step delta")
	}
}

func TestSameDeltaStreamConverges(t *testing.T) {
	stream := []Delta{
		delta(0, model.Put("x", []byte("1"))),
		delta(1, model.Put("y", []byte("2"))),
		delta(2, model.Del("x"), model.Put("z", []byte("3"))),
		delta(3, model.Put("y", []byte("override"))),
	}

	a, b := New(), New()
	for _, d := range stream {
		if err := a.Apply(d); err != nil {
			t.Fatal(err)
		}
		if err := b.Apply(d); err != nil {
			t.Fatal(err)
		}
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("replicas fed the same stream diverged")
	}
}

func TestResetMatchesSource(t *testing.T) {
	src := New()
	_ = src.Apply(delta(0, model.Put("a", []byte("1"))))
	_ = src.Apply(delta(1, model.Put("b", []byte("2"))))

	fresh := New()
	fresh.Reset(src.Snapshot())
	if fresh.Version() != src.Version() {
		t.Fatalf("version %d, want %d", fresh.Version(), src.Version())
	}
	if fresh.Fingerprint() != src.Fingerprint() {
		t.Fatal("reset replica does not match source")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	d := New()
	_ = d.Apply(delta(0, model.Put("a", []byte("abc"))))

	snap := d.Snapshot()
	snap.Entries[0].Value[0] = 'X'

	v, _ := d.Get("a")
	if !bytes.Equal(v, []byte("abc")) {
		t.Fatal("mutating a snapshot leaked into the document")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	a, b := New(), New()
	_ = a.Apply(delta(0, model.Put("k", []byte("1"))))
	_ = b.Apply(delta(0, model.Put("k", []byte("2"))))
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different values produced identical fingerprints")
	}
}
