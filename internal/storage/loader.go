package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchLoader fetches many objects in parallel with bounded concurrency.
type BatchLoader struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch load. Data and Errors are
// keyed by object path; every requested path appears in exactly one of them.
type BatchResult struct {
	Data   map[string][]byte
	Errors map[string]error
}

// FirstError returns the error of the earliest path in paths that failed,
// or nil.
func (r *BatchResult) FirstError(paths []string) error {
	for _, p := range paths {
		if err, ok := r.Errors[p]; ok {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// NewBatchLoader creates a new batch loader. A concurrency below one is
// treated as one.
func NewBatchLoader(storage ObjectStorage, concurrency int) *BatchLoader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchLoader{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Load fetches every path. Duplicate paths are fetched once. Per-object
// failures are reported in the result; the returned error is only set when
// ctx ends before all loads were started.
func (b *BatchLoader) Load(ctx context.Context, paths []string) (*BatchResult, error) {
	result := &BatchResult{
		Data:   make(map[string][]byte, len(paths)),
		Errors: make(map[string]error),
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	started := make(map[string]struct{}, len(paths))

	for _, p := range paths {
		if _, dup := started[p]; dup {
			continue
		}
		started[p] = struct{}{}

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, err
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.storage.Get(ctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Data[path] = data
		}(p)
	}

	wg.Wait()
	return result, nil
}
