package controller

import "sync"

// joinAll runs fn once per item concurrently and waits for all of
// them, with any-failure-aborts-the-step semantics: the first non-nil
// error is returned once every goroutine has finished, even though
// later-returning goroutines are not canceled (there is no
// cancellation signal to give them; a worker RPC already in flight
// runs to completion).
func joinAll[T any](items []T, fn func(T) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(items))

	for i, item := range items {
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			errs[i] = fn(item)
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// joinAllIndexed is joinAll but fn also receives the original slice
// index, e.g. for returning per-worker results as well as an error.
func joinAllIndexed[T any, R any](items []T, fn func(int, T) (R, error)) ([]R, error) {
	var wg sync.WaitGroup
	results := make([]R, len(items))
	errs := make([]error, len(items))

	for i, item := range items {
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			r, err := fn(i, item)
			results[i] = r
			errs[i] = err
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
