package storage

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrInvalidKey    = errors.New("invalid storage key")
	ErrInvalidFormat = errors.New("invalid snapshot format")
)

// KeyValueStore is the durable medium behind the adapter. Values are opaque
// JSON documents, one per collection key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
