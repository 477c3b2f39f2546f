package storage

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// fakeS3 serves the path-style subset of the S3 API that S3Storage uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: parts[0], Prefix: prefix}
		for k, v := range f.objects {
			if strings.HasPrefix(k, prefix) {
				res.Contents = append(res.Contents, struct {
					Key  string `xml:"Key"`
					Size int    `xml:"Size"`
				}{k, len(v)})
			}
		}
		res.KeyCount = len(res.Contents)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res) // nolint: errcheck
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`) // nolint: errcheck
			return
		}
		w.Write(data) // nolint: errcheck
	case r.Method == http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func newTestS3Storage(t *testing.T) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3StorageWithClient(client, "grids", S3Config{Prefix: "geogrid/"}), fake
}

func TestS3Storage_PutGetDelete(t *testing.T) {
	store, fake := newTestS3Storage(t)
	ctx := context.Background()

	if err := store.Put(ctx, "jobs/j1/result.ggr", []byte("grid")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !fake.has("geogrid/jobs/j1/result.ggr") {
		t.Fatal("expected the object under the storage prefix")
	}

	data, err := store.Get(ctx, "jobs/j1/result.ggr")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "grid" {
		t.Errorf("Get = %q, want %q", data, "grid")
	}

	exists, err := store.Exists(ctx, "jobs/j1/result.ggr")
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true, nil", exists, err)
	}

	if err := store.Delete(ctx, "jobs/j1/result.ggr"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = store.Exists(ctx, "jobs/j1/result.ggr")
	if err != nil || exists {
		t.Errorf("Exists after delete = %v, %v; want false, nil", exists, err)
	}
}

func TestS3Storage_GetMissing(t *testing.T) {
	store, _ := newTestS3Storage(t)

	_, err := store.Get(context.Background(), "jobs/none/result.ggr")
	if gerrors.GetCode(err) != gerrors.CodeObjectNotFound {
		t.Errorf("expected OBJECT_NOT_FOUND, got %v", err)
	}
}

func TestS3Storage_ListObjects(t *testing.T) {
	store, _ := newTestS3Storage(t)
	ctx := context.Background()

	for _, p := range []string{"jobs/a/partials/2.ggr", "jobs/a/partials/1.ggr", "jobs/b/partials/1.ggr"} {
		if err := store.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("Put(%s) failed: %v", p, err)
		}
	}

	got, err := store.ListObjects(ctx, "jobs/a/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"jobs/a/partials/1.ggr", "jobs/a/partials/2.ggr"}
	if !sort.StringsAreSorted(got) || len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ListObjects = %v, want %v", got, want)
	}
}
