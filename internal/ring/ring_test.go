package ring

import "testing"

func TestPushEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	got := b.Slice()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slice got %v want %v", got, want)
		}
	}
	if last, ok := b.Last(); !ok || last != 5 {
		t.Fatalf("last got %d,%v want 5", last, ok)
	}
}

func TestSliceIsACopy(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	s := b.Slice()
	s[0] = 99
	if got := b.Slice()[0]; got != 1 {
		t.Fatalf("buffer mutated through copy: %d", got)
	}
}

func TestResetAndEmpty(t *testing.T) {
	b := New[string](0)
	if b.Cap() != 1 {
		t.Fatalf("min capacity not enforced: %d", b.Cap())
	}
	b.Push("a")
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("len after reset %d", b.Len())
	}
	if _, ok := b.Last(); ok {
		t.Fatal("last on empty buffer should be false")
	}
}
