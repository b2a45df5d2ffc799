package chat

import (
	"context"
	"sync"
)

// refreshWorkers bounds concurrent reloads of cached variants.
const refreshWorkers = 4

type refreshResult struct {
	Total     int
	Refreshed int
	Failed    int
	Errors    []error
}

// refreshKeys runs fn for every key on a bounded worker pool and collects
// the outcome. Keys not started before ctx is cancelled count as failed.
func refreshKeys[K any](ctx context.Context, keys []K, workers int, fn func(context.Context, K) error) refreshResult {
	result := refreshResult{Total: len(keys)}
	if len(keys) == 0 {
		return result
	}
	if workers <= 0 || workers > len(keys) {
		workers = len(keys)
	}

	jobs := make(chan K, len(keys))
	results := make(chan error, len(keys))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				if err := ctx.Err(); err != nil {
					results <- err
					continue
				}
				results <- fn(ctx, key)
			}
		}()
	}

	for _, key := range keys {
		jobs <- key
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	for err := range results {
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Refreshed++
	}
	return result
}
