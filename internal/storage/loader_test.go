package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// countingStorage wraps LocalStorage and tracks concurrent Gets.
type countingStorage struct {
	*LocalStorage
	inFlight atomic.Int32
	peak     atomic.Int32
	gets     atomic.Int32
}

func (c *countingStorage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c.gets.Add(1)
	return c.LocalStorage.Get(ctx, objectPath)
}

func TestBatchLoader_Load(t *testing.T) {
	store := &countingStorage{LocalStorage: newTestStorage(t)}
	ctx := context.Background()

	paths := []string{"p/1", "p/2", "p/3", "p/4", "p/5"}
	for _, p := range paths {
		if err := store.Put(ctx, p, []byte(p)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	loader := NewBatchLoader(store, 2)
	result, err := loader.Load(ctx, append(paths, "p/1", "p/missing"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(result.Data) != len(paths) {
		t.Errorf("expected %d loaded objects, got %d", len(paths), len(result.Data))
	}
	for _, p := range paths {
		if string(result.Data[p]) != p {
			t.Errorf("content mismatch for %s: %q", p, result.Data[p])
		}
	}
	if !errors.Is(result.Errors["p/missing"], ErrObjectNotFound) {
		t.Errorf("expected not found for p/missing, got %v", result.Errors["p/missing"])
	}
	if got := store.gets.Load(); got != 6 {
		t.Errorf("expected 6 fetches (duplicates skipped), got %d", got)
	}
	if peak := store.peak.Load(); peak > 2 {
		t.Errorf("concurrency limit exceeded: peak %d", peak)
	}

	if err := result.FirstError(append(paths, "p/missing")); err == nil {
		t.Error("expected FirstError to report p/missing")
	}
	if err := result.FirstError(paths); err != nil {
		t.Errorf("expected no error for loaded paths, got %v", err)
	}
}

func TestBatchLoader_Empty(t *testing.T) {
	loader := NewBatchLoader(newTestStorage(t), 0)
	result, err := loader.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(result.Data) != 0 || len(result.Errors) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}
