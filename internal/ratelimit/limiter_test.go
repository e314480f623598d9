package ratelimit

import "testing"

func TestAcquireRespectsCapacity(t *testing.T) {
	l := New(4, map[string]int{"m": 1})

	if !l.Acquire("m") {
		t.Fatal("first acquire should succeed")
	}
	if l.Acquire("m") {
		t.Fatal("second acquire should be rejected at capacity 1")
	}
	l.Release("m")
	if !l.Acquire("m") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestDefaultCapacityApplies(t *testing.T) {
	l := New(2, nil)

	if !l.Acquire("other") || !l.Acquire("other") {
		t.Fatal("expected 2 slots for unconfigured model")
	}
	if l.Acquire("other") {
		t.Fatal("third acquire should be rejected")
	}
}

func TestModelsAreIndependent(t *testing.T) {
	l := New(1, nil)

	if !l.Acquire("a") {
		t.Fatal("acquire a")
	}
	if !l.Acquire("b") {
		t.Fatal("model b should have its own slot")
	}
}
