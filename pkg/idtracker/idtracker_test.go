package idtracker

import "testing"

func TestReserveRoundRobins(t *testing.T) {
	tb := New()
	first, ok := tb.Reserve("a")
	if !ok {
		t.Fatal("Reserve failed on empty table")
	}
	second, ok := tb.Reserve("b")
	if !ok {
		t.Fatal("Reserve failed on second call")
	}
	if second != first+1 {
		t.Fatalf("second id = %d, want %d (first+1)", second, first+1)
	}
}

func TestReserveExhaustion(t *testing.T) {
	tb := New()
	for i := 0; i < 256; i++ {
		if _, ok := tb.Reserve(i); !ok {
			t.Fatalf("Reserve failed at slot %d", i)
		}
	}
	if _, ok := tb.Reserve("overflow"); ok {
		t.Fatal("Reserve succeeded with all 256 slots in use")
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	tb := New()
	for i := 0; i < 256; i++ {
		tb.Reserve(i)
	}
	tb.Release(5)
	id, ok := tb.Reserve("new")
	if !ok {
		t.Fatal("Reserve failed after Release")
	}
	if id != 5 {
		t.Fatalf("Reserve returned %d, want the freed slot 5", id)
	}
}

func TestFindAndUpdate(t *testing.T) {
	tb := New()
	id, _ := tb.Reserve("owner")
	var auth [16]byte
	auth[0] = 0x42
	tb.Update(id, auth)

	owner, gotAuth, ok := tb.Find(id)
	if !ok {
		t.Fatal("Find failed for reserved id")
	}
	if owner != "owner" {
		t.Fatalf("owner = %v, want %q", owner, "owner")
	}
	if gotAuth != auth {
		t.Fatalf("authenticator = %v, want %v", gotAuth, auth)
	}

	tb.Release(id)
	if _, _, ok := tb.Find(id); ok {
		t.Fatal("Find succeeded after Release")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tb := New()
	id, _ := tb.Reserve("a")
	tb.Release(id)
	tb.Release(id) // must not panic or double-decrement
	if tb.InUse() != 0 {
		t.Fatalf("InUse = %d, want 0", tb.InUse())
	}
}
