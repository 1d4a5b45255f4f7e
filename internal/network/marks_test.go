package network

import (
	"fmt"
	"testing"
)

func TestAllocatorStableAndReusable(t *testing.T) {
	a := NewMarkAllocator()

	first, err := a.Allocate("wan")
	if err != nil {
		t.Fatal(err)
	}
	if first.Mark != MarkEgressBase || first.Table != TableEgressBase {
		t.Errorf("first alloc = mark 0x%x table %d", first.Mark, first.Table)
	}

	again, err := a.Allocate("wan")
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Error("re-allocation for same id returned a different alloc")
	}

	second, err := a.Allocate("de-vps")
	if err != nil {
		t.Fatal(err)
	}
	if second.Mark == first.Mark {
		t.Error("two egresses share a mark")
	}

	a.Release("wan")
	third, err := a.Allocate("us-vps")
	if err != nil {
		t.Fatal(err)
	}
	if third.Mark != first.Mark {
		t.Errorf("released mark not reused: got 0x%x want 0x%x", third.Mark, first.Mark)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewMarkAllocator()
	for i := 0; i < 100; i++ {
		if _, err := a.Allocate(fmt.Sprintf("egress-%d", i)); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	// table range is 100..199, so the 101st allocation must fail
	if _, err := a.Allocate("one-too-many"); err == nil {
		t.Error("expected exhaustion error")
	}
}

func TestParseRoutingMark(t *testing.T) {
	cases := []struct {
		in   string
		want RoutingMark
		ok   bool
	}{
		{"0x100", 0x100, true},
		{"256", 256, true},
		{" 0X1FF ", 0x1ff, true},
		{"nope", 0, false},
		{"0x1ffffffff", 0, false},
	}
	for _, c := range cases {
		got, err := ParseRoutingMark(c.in)
		if c.ok != (err == nil) {
			t.Errorf("ParseRoutingMark(%q) err = %v", c.in, err)
			continue
		}
		if c.ok && got != c.want {
			t.Errorf("ParseRoutingMark(%q) = 0x%x, want 0x%x", c.in, got, c.want)
		}
	}
}

func TestMarkCategoryIndex(t *testing.T) {
	m := MarkEgressBase + 7
	if MarkCategory(m) != 0x01 {
		t.Errorf("category = 0x%x", MarkCategory(m))
	}
	if MarkIndex(m) != 7 {
		t.Errorf("index = %d", MarkIndex(m))
	}
}
