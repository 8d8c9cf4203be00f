// Package storage defines the object-store contract that tccstore uses to
// emulate hash fields on blob backends (memory, disk, S3, Azure).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ContentTypeRecord is attached to every stored record version.
const ContentTypeRecord = "application/vnd.tccstore.record"

var (
	// ErrNotFound indicates the requested object is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against an existing object.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// Backend is the minimal object-store surface. Implementations must make
// PutObject with IfNotExists atomic: of two racing creates for the same key
// exactly one succeeds and the other gets ErrCASMismatch.
type Backend interface {
	// GetObject returns a reader over the object bytes. Callers close it.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes body to key. With IfNotExists set the write only
	// happens when key does not exist yet.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates keys in ascending lexical order.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult pairs an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls conditional semantics for PutObject.
type PutObjectOptions struct {
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls DeleteObject.
type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal. Limit <= 0 means backend default.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures one page of ListObjects.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ReadObject fetches key and returns its full contents.
func ReadObject(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, res.Info, nil
}

// ListAll walks every page of ListObjects under prefix and calls visit for
// each object. Returning an error from visit stops the walk.
func ListAll(ctx context.Context, backend Backend, prefix string, pageSize int, visit func(ObjectInfo) error) error {
	opts := ListOptions{Prefix: prefix, Limit: pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := backend.ListObjects(ctx, opts)
		if err != nil {
			return err
		}
		for _, obj := range page.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !page.Truncated || page.NextStartAfter == "" {
			return nil
		}
		opts.StartAfter = page.NextStartAfter
	}
}
