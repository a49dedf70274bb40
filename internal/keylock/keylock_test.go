package keylock

import (
	"sync"
	"testing"
)

func TestIndexStable(t *testing.T) {
	s := New(8)
	if s.Index("order-1") != s.Index("order-1") {
		t.Fatalf("index not stable")
	}
	for _, k := range []string{"a", "b", "order-42", ""} {
		if i := s.Index(k); i < 0 || i >= 8 {
			t.Fatalf("index %d out of range", i)
		}
	}
}

func TestLockSerializesKey(t *testing.T) {
	s := New(0)
	var wg sync.WaitGroup
	n := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("k")
			n++
			unlock()
		}()
	}
	wg.Wait()
	if n != 50 {
		t.Fatalf("n = %d", n)
	}
}
