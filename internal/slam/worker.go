package slam

import "sync"

// ParallelFor splits [0, n) into at most workers contiguous chunks and runs
// fn(start, end) on each chunk concurrently, blocking until all finish.
// With workers <= 1 (or a tiny n) it degrades to a direct call, so callers
// never pay goroutine overhead for small inputs.
func ParallelFor(n, workers int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
