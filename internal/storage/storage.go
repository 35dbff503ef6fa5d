// Package storage defines the backend contract the gateway's built-in tools
// run against, plus in-memory and Redis implementations.
package storage

import (
	"context"
	"encoding/json"
)

// Event is one entry in an event batch.
type Event struct {
	DetailType string          `json:"detailType"`
	Detail     json.RawMessage `json:"detail"`
}

// Backend is the persistence surface the gateway consumes. Absence of a key,
// blob, or secret is reported through the ok return, never as an error.
// Namespacing is the caller's responsibility (the session's namespace
// prefix, plus the context id for blobs).
type Backend interface {
	KVGet(ctx context.Context, namespace, key string) (value string, ok bool, err error)
	KVSet(ctx context.Context, namespace, key, value string, ttlHours int) error
	KVDelete(ctx context.Context, namespace, key string) error
	KVList(ctx context.Context, prefix string) ([]string, error)

	BlobGet(ctx context.Context, namespace, key string) (content []byte, ok bool, err error)
	BlobPut(ctx context.Context, namespace, key string, content []byte, contentType string) error
	BlobList(ctx context.Context, namespace, prefix string) ([]string, error)

	EventPut(ctx context.Context, namespace string, events []Event) error

	SecretGet(ctx context.Context, name string) (value string, ok bool, err error)
	SecretPut(ctx context.Context, name, value, description string) error
	SecretDelete(ctx context.Context, name string, forceNow bool) error
}
