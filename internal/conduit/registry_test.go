package conduit

import (
	"testing"
)

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry()
	reg.Register("zz-test", NewLocal)

	names := reg.Names()
	want := []string{NameCooperative, NameLocal, "zz-test"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRegistryOpen(t *testing.T) {
	reg := NewRegistry()
	events := make(chanSink, 1)

	c, err := reg.Open(NameCooperative, testOptions(t, 2, events))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	if len(c.Resources()) != 2 {
		t.Errorf("Resources() = %v, want 2 slots", c.Resources())
	}
}

func TestRegistryOpenErrors(t *testing.T) {
	reg := NewRegistry()
	events := make(chanSink, 1)

	if _, err := reg.Open("quantum", testOptions(t, 1, events)); err == nil {
		t.Error("expected error for unregistered conduit")
	}
	if _, err := reg.Open(NameLocal, Options{Capacity: 1, Sink: events}); err == nil {
		t.Error("expected error without a body registry")
	}
	if _, err := reg.Open(NameLocal, testOptions(t, 0, events)); err == nil {
		t.Error("expected error for zero capacity")
	}
}
