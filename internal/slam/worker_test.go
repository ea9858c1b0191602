package slam

import (
	"sync/atomic"
	"testing"
)

func TestParallelForCoversEveryIndex(t *testing.T) {
	t.Parallel()
	for _, workers := range []int{0, 1, 3, 8, 100} {
		n := 57
		var hits [57]int32
		ParallelFor(n, workers, func(start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("workers=%d: index %d visited %d times", workers, i, h)
			}
		}
	}
}

func TestParallelForEmpty(t *testing.T) {
	t.Parallel()
	called := false
	ParallelFor(0, 4, func(start, end int) { called = true })
	if called {
		t.Fatal("callback invoked for empty range")
	}
}
