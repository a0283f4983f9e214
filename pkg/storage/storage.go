package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by backends when the requested object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey indicates a key that is empty or escapes the container.
	ErrInvalidKey = errors.New("invalid object key")
	// ErrUnknownProvider is returned by Open for unregistered provider identifiers.
	ErrUnknownProvider = errors.New("unknown storage provider")
	// ErrPresignUnsupported is returned by PresignGet when the backend has no signing credentials.
	ErrPresignUnsupported = errors.New("presigned urls not supported by backend")
)

// Backend defines the interface for interacting with object storage (Azure, S3, MinIO, Local, etc.)
type Backend interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	// URL returns the canonical, unsigned locator for key.
	URL(key string) string
}

// Presigner is implemented by backends that can mint time-limited download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Opener builds a backend for one container from a connection string.
type Opener func(ctx context.Context, container, connectionString string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes a backend available under name. It panics on duplicates.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if open == nil {
		panic("storage: Register opener is nil")
	}
	if _, dup := registry[name]; dup {
		panic("storage: Register called twice for " + name)
	}
	registry[name] = open
}

// Lookup returns the opener registered under name.
func Lookup(name string) (Opener, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	open, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return open, nil
}

// Open builds the backend registered under name.
func Open(ctx context.Context, name, container, connectionString string) (Backend, error) {
	open, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return open(ctx, container, connectionString)
}

// Providers lists the registered provider identifiers, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("azure", openAzure)
	Register("azure-file", openAzure)
	Register("s3", openS3)
	Register("minio", openMinio)
	Register("local", openLocal)
	Register("memory", openMemory)
}
