// Copyright 2024-2026 Aiku AI

// Package filestore persists small JSON documents with atomic
// replace-on-write semantics and retries transient write failures.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageError reports a persistence failure that survived all retries.
// Callers can use errors.As to extract the operation and path:
//
//	var storageErr *filestore.StorageError
//	if errors.As(err, &storageErr) { ... }
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// Retry describes how many times a write is attempted and how long to
// wait before the first retry. The wait doubles after every failure.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is used by documents and archives unless overridden.
var DefaultRetry = Retry{Attempts: 3, Backoff: 50 * time.Millisecond}

// Do runs fn until it succeeds, the attempts are exhausted or ctx is done.
// The last error from fn is returned.
func (r Retry) Do(ctx context.Context, fn func() error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := r.Backoff
	var err error
	for attempt := range attempts {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
	}
	return err
}

// WriteAtomic writes data to a temporary file next to path, syncs it and
// renames it over path, so readers observe either the old or the new
// content and never a partial write.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Document is a JSON value stored in a single file. Saves are serialized
// and always rewrite the whole file.
type Document[T any] struct {
	path  string
	retry Retry
	mu    sync.Mutex
}

// NewDocument returns a document stored at path using DefaultRetry.
func NewDocument[T any](path string) *Document[T] {
	return &Document[T]{path: path, retry: DefaultRetry}
}

// WithRetry overrides the retry policy. It returns d for chaining.
func (d *Document[T]) WithRetry(retry Retry) *Document[T] {
	d.retry = retry
	return d
}

// Path returns the file path backing the document.
func (d *Document[T]) Path() string {
	return d.path
}

// Load reads and decodes the document. A missing or empty file yields
// the zero value and no error.
func (d *Document[T]) Load() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var value T
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return value, nil
		}
		return value, &StorageError{Op: "read", Path: d.path, Err: err}
	}
	if len(data) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, &StorageError{Op: "decode", Path: d.path, Err: err}
	}
	return value, nil
}

// Save encodes value and atomically replaces the file, retrying on failure.
func (d *Document[T]) Save(ctx context.Context, value T) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: d.path, Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	err = d.retry.Do(ctx, func() error {
		return WriteAtomic(d.path, data, 0o600)
	})
	if err != nil {
		return &StorageError{Op: "write", Path: d.path, Err: err}
	}
	return nil
}
