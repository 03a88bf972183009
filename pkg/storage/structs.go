package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when file/object cannot be found
	ErrNotFound = errors.New("key not found")
)

// KeyError represents an error for a specific key during deletion
type KeyError struct {
	Key string
	Err error
}

func (e KeyError) Error() string {
	return fmt.Sprintf("key %s: %v", e.Key, e.Err)
}

func (e KeyError) Unwrap() error {
	return e.Err
}

// BatchDeleteError collects per-key failures of a delete pass that kept going after the first error
type BatchDeleteError struct {
	Message  string
	Failures []KeyError
}

func (e *BatchDeleteError) Error() string {
	if len(e.Failures) == 0 {
		return e.Message
	}
	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString(fmt.Sprintf(" (%d failures)", len(e.Failures)))
	maxShow := min(3, len(e.Failures))
	for i := 0; i < maxShow; i++ {
		sb.WriteString(fmt.Sprintf("; %s", e.Failures[i].Error()))
	}
	if len(e.Failures) > maxShow {
		sb.WriteString(fmt.Sprintf("; ... and %d more", len(e.Failures)-maxShow))
	}
	return sb.String()
}

// RemoteFile - interface describe file on remote storage
type RemoteFile interface {
	Size() int64
	Name() string
	LastModified() time.Time
}

// RemoteStorage - object store operations, keys are relative to the configured path prefix
type RemoteStorage interface {
	Kind() string
	Bucket() string
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	RemoteKey(key string) string
	StatFile(ctx context.Context, key string) (RemoteFile, error)
	DeleteFile(ctx context.Context, key string) error
	Walk(ctx context.Context, prefix string, recursive bool, fn func(context.Context, RemoteFile) error) error
	GetFileReader(ctx context.Context, key string) (io.ReadCloser, error)
	PutFile(ctx context.Context, key string, r io.ReadCloser, localSize int64) error
	CopyObject(ctx context.Context, srcKey, dstKey string) (int64, error)
}
