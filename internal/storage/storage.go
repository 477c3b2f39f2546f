// Package storage stores encoded grid results in object storage.
package storage

import (
	"context"

	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// Common errors for storage operations. They match wrapped errors with the
// same category and code through errors.Is.
var (
	ErrObjectNotFound = gerrors.New(gerrors.ErrCategoryStorage, gerrors.CodeObjectNotFound, "object not found")
	ErrUploadFailed   = gerrors.New(gerrors.ErrCategoryStorage, gerrors.CodeUploadFailed, "upload failed")
	ErrDownloadFailed = gerrors.New(gerrors.ErrCategoryStorage, gerrors.CodeDownloadFailed, "download failed")
	ErrDeleteFailed   = gerrors.New(gerrors.ErrCategoryStorage, gerrors.CodeDeleteFailed, "delete failed")
)

// ObjectStorage abstracts object storage operations.
// Implementations are S3 (and S3-compatible stores) and the local filesystem.
type ObjectStorage interface {
	// Put writes data at objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object at objectPath. Returns ErrObjectNotFound if it
	// does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

func wrapStorageError(sentinel *gerrors.GeoGridError, objectPath string, cause error) error {
	return gerrors.Wrap(sentinel.Category, sentinel.Code, sentinel.Message+": "+objectPath, cause)
}
