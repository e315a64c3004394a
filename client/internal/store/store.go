// Package store persists the client's session documents. Values are opaque
// strings (the session package stores ciphertext); the store only guarantees
// atomic read-modify-write and change notification.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for session state.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Update runs fn inside a write transaction with the current value of key
	// and stores the returned value. Returning ErrDelete removes the key.
	Update(ctx context.Context, key string, fn func(current string, ok bool) (string, error)) error
	// Watch reports changes until ctx is done, then closes the channel.
	// Changes made through this Store carry the key; changes committed by
	// another process have External set and an empty key.
	Watch(ctx context.Context, interval time.Duration) <-chan Change
	Close() error
}

// Change describes a modification of the store.
type Change struct {
	Key      string
	External bool
}
