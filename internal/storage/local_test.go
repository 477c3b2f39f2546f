package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	gerrors "github.com/arkilian/geogrid/internal/errors"
)

func newTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return storage
}

func TestLocalStorage_PutGet(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	objectPath := "jobs/j1/partials/s1.ggr"
	content := []byte("hello world")

	if err := storage.Put(ctx, objectPath, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := storage.Get(ctx, objectPath)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	// Overwrite
	if err := storage.Put(ctx, objectPath, []byte("v2")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	got, _ = storage.Get(ctx, objectPath)
	if string(got) != "v2" {
		t.Errorf("expected overwritten content, got %q", got)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}

	// Deleting again is a no-op
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestLocalStorage_GetNotFound(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.Get(context.Background(), "nonexistent/object.ggr")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if gerrors.GetCode(err) != gerrors.CodeObjectNotFound {
		t.Errorf("expected code %s, got %s", gerrors.CodeObjectNotFound, gerrors.GetCode(err))
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, p := range []string{"jobs/a/partials/2.ggr", "jobs/a/partials/1.ggr", "jobs/b/result.ggr"} {
		if err := storage.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}

	got, err := storage.ListObjects(ctx, "jobs/a")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"jobs/a/partials/1.ggr", "jobs/a/partials/2.ggr"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListObjects = %v, want %v", got, want)
	}

	got, err = storage.ListObjects(ctx, "missing")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no objects, got %v", got)
	}
}

func TestLocalStorage_PathsStayInsideRoot(t *testing.T) {
	base := t.TempDir()
	storage, err := NewLocalStorage(filepath.Join(base, "root"))
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	if err := storage.Put(ctx, "../escape.ggr", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "escape.ggr")); !os.IsNotExist(err) {
		t.Error("object was written outside the storage root")
	}
	if _, err := os.Stat(filepath.Join(base, "root", "escape.ggr")); err != nil {
		t.Errorf("expected object inside root: %v", err)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage := newTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := storage.Put(ctx, "a", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := storage.Get(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
