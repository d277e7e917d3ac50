package clsproducer

import (
	"testing"
	"time"
)

func TestCacheQueue_PushPop(t *testing.T) {
	q := newCacheQueue[int](3)
	for i := 0; i < 3; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	if !q.IsFull() || q.Len() != 3 {
		t.Fatalf("full %v len %d", q.IsFull(), q.Len())
	}
	if q.Push(3) {
		t.Fatal("push into full queue succeeded")
	}

	for i := 0; i < 3; i++ {
		item, ok := q.TryPop()
		if !ok || item != i {
			t.Fatalf("pop %d got %d %v", i, item, ok)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("pop from empty queue succeeded")
	}
}

func TestCacheQueue_FullThenDrained(t *testing.T) {
	q := newCacheQueue[string](2)
	q.Push("a")
	q.Push("b")
	if q.Push("c") {
		t.Fatal("third push must fail")
	}

	doneCh := make(chan string)
	go func() {
		item, _ := q.Pop(time.Second)
		doneCh <- item
	}()
	if item := <-doneCh; item != "a" {
		t.Fatalf("popped %q", item)
	}

	if !q.Push("c") {
		t.Fatal("push after pop failed")
	}
	if q.Len() != 2 {
		t.Fatalf("len %d", q.Len())
	}
}

func TestCacheQueue_PopTimeout(t *testing.T) {
	q := newCacheQueue[int](1)
	start := time.Now()
	if _, ok := q.Pop(20 * time.Millisecond); ok {
		t.Fatal("pop from empty queue succeeded")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("pop returned before timeout")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(42)
	}()
	item, ok := q.Pop(time.Second)
	if !ok || item != 42 {
		t.Fatalf("pop got %d %v", item, ok)
	}
}
