package erebus

import (
	"context"
	"errors"
	"io"
)

// Store is Erebus: the blob store holding raw trip archives.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

var (
	// ErrNotFound is returned by Get when the key does not exist
	ErrNotFound = errors.New("object not found")

	// ErrReadOnly is returned by stores that cannot be written to
	ErrReadOnly = errors.New("store is read-only")

	// ErrInvalidKey is returned for keys that escape the store root
	ErrInvalidKey = errors.New("invalid key")
)
