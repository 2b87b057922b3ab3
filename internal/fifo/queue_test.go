package fifo

import "testing"

func TestQueueOrder(t *testing.T) {
	var q Queue[int]
	if _, ok := q.PopFront(); ok {
		t.Fatal("pop from empty queue succeeded")
	}

	const n = 3*nodeSize + 7
	for i := 0; i < n; i++ {
		q.PushBack(i)
	}
	if got := q.Len(); got != n {
		t.Fatalf("len = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		v, ok := q.PopFront()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if v != i {
			t.Fatalf("pop %d = %d, want %d", i, v, i)
		}
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("len after drain = %d, want 0", got)
	}
}

func TestQueueInterleaved(t *testing.T) {
	var q Queue[string]
	next, expect := 0, 0
	push := func(k int) {
		for i := 0; i < k; i++ {
			q.PushBack(string(rune('a' + next%26)))
			next++
		}
	}
	pop := func(k int) {
		for i := 0; i < k; i++ {
			v, ok := q.PopFront()
			if !ok {
				t.Fatal("pop failed")
			}
			if want := string(rune('a' + expect%26)); v != want {
				t.Fatalf("pop = %q, want %q", v, want)
			}
			expect++
		}
	}
	push(nodeSize + 3)
	pop(nodeSize)
	push(2 * nodeSize)
	pop(nodeSize + 3)
	pop(nodeSize)
	if got := q.Len(); got != 0 {
		t.Fatalf("len = %d, want 0", got)
	}
}

func TestQueueNodeReuse(t *testing.T) {
	var q Queue[int]
	for round := 0; round < 4; round++ {
		for i := 0; i < nodeSize; i++ {
			q.PushBack(i)
		}
		for i := 0; i < nodeSize; i++ {
			if v, _ := q.PopFront(); v != i {
				t.Fatalf("round %d: pop = %d, want %d", round, v, i)
			}
		}
	}
	if q.free == nil {
		t.Error("drained nodes were not recycled")
	}
}
