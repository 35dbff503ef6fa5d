package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.KVGet(ctx, "user:u1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.KVSet(ctx, "user:u1", "greeting", "hello", 0))

	value, ok, err := m.KVGet(ctx, "user:u1", "greeting")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", value)

	// Same key under a different namespace is distinct.
	_, ok, err = m.KVGet(ctx, "user:u2", "greeting")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.KVDelete(ctx, "user:u1", "greeting"))
	_, ok, err = m.KVGet(ctx, "user:u1", "greeting")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKVList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.KVSet(ctx, "user:u1", "a", "1", 0))
	require.NoError(t, m.KVSet(ctx, "user:u1", "b", "2", 0))
	require.NoError(t, m.KVSet(ctx, "user:u2", "a", "3", 0))

	keys, err := m.KVList(ctx, "user:u1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:u1:a", "user:u1:b"}, keys)
}

func TestMemoryBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	content := []byte{0x00, 0x01, 0xff}
	require.NoError(t, m.BlobPut(ctx, "org-o1", "reports/q1", content, "application/octet-stream"))

	got, ok, err := m.BlobGet(ctx, "org-o1", "reports/q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, content, got)

	_, ok, err = m.BlobGet(ctx, "org-o1", "reports/q2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBlobListStripsNamespace(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.BlobPut(ctx, "org-o1", "reports/q1", []byte("x"), ""))
	require.NoError(t, m.BlobPut(ctx, "org-o1", "reports/q2", []byte("y"), ""))
	require.NoError(t, m.BlobPut(ctx, "org-o1", "logos/main", []byte("z"), ""))
	require.NoError(t, m.BlobPut(ctx, "org-o2", "reports/q1", []byte("w"), ""))

	keys, err := m.BlobList(ctx, "org-o1", "reports/")
	require.NoError(t, err)
	assert.Equal(t, []string{"reports/q1", "reports/q2"}, keys)
}

func TestMemoryEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	batch := []Event{
		{DetailType: "user.created", Detail: json.RawMessage(`{"id":"u1"}`)},
		{DetailType: "user.deleted", Detail: json.RawMessage(`{"id":"u2"}`)},
	}
	require.NoError(t, m.EventPut(ctx, "user:u1", batch))

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "user.created", events[0].DetailType)
}

func TestMemorySecrets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.SecretGet(ctx, "api-key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SecretPut(ctx, "api-key", "s3cret", "test credential"))

	value, ok, err := m.SecretGet(ctx, "api-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s3cret", value)

	require.NoError(t, m.SecretDelete(ctx, "api-key", true))
	_, ok, err = m.SecretGet(ctx, "api-key")
	require.NoError(t, err)
	assert.False(t, ok)
}
