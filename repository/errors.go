package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means a set-if-absent write found the (identity, version)
	// field already present: another writer got there first. Re-read the
	// record and retry from the fresh version.
	ErrConflict = errors.New("repository: version conflict")
	// ErrUnsupportedOperation is the permanent answer to DeleteAll.
	ErrUnsupportedOperation = errors.New("repository: unsupported operation")
	// ErrStorageIO matches every *StorageIOError through errors.Is.
	ErrStorageIO = errors.New("repository: storage i/o failure")
	// ErrInvalidRecord rejects records the repository cannot key.
	ErrInvalidRecord = errors.New("repository: invalid record")
)

// StorageIOError wraps a backing-store or decode failure for one operation.
type StorageIOError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageIOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("repository: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageIOError) Unwrap() error { return e.Err }

// Is reports true for ErrStorageIO.
func (e *StorageIOError) Is(target error) bool { return target == ErrStorageIO }

func ioError(op, key string, err error) error {
	return &StorageIOError{Op: op, Key: key, Err: err}
}
