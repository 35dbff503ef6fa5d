package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryKV struct {
	value     string
	expiresAt time.Time // zero means no TTL
}

type memoryBlob struct {
	content     []byte
	contentType string
}

// Memory is an in-process Backend used in dev mode and tests.
type Memory struct {
	mu      sync.RWMutex
	kv      map[string]memoryKV
	blobs   map[string]memoryBlob
	events  []Event
	secrets map[string]string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]memoryKV),
		blobs:   make(map[string]memoryBlob),
		secrets: make(map[string]string),
	}
}

func kvKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}

func blobKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + "/" + key
}

func (m *Memory) KVGet(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.kv[kvKey(namespace, key)]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) KVSet(_ context.Context, namespace, key, value string, ttlHours int) error {
	entry := memoryKV{value: value}
	if ttlHours > 0 {
		entry.expiresAt = time.Now().Add(time.Duration(ttlHours) * time.Hour)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[kvKey(namespace, key)] = entry
	return nil
}

func (m *Memory) KVDelete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, kvKey(namespace, key))
	return nil
}

func (m *Memory) KVList(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	now := time.Now()
	for key, entry := range m.kv {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) BlobGet(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.blobs[blobKey(namespace, key)]
	if !ok {
		return nil, false, nil
	}
	return blob.content, true, nil
}

func (m *Memory) BlobPut(_ context.Context, namespace, key string, content []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(namespace, key)] = memoryBlob{content: content, contentType: contentType}
	return nil
}

func (m *Memory) BlobList(_ context.Context, namespace, prefix string) ([]string, error) {
	full := blobKey(namespace, prefix)
	strip := namespace + "/"

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.blobs {
		if strings.HasPrefix(key, full) {
			keys = append(keys, strings.TrimPrefix(key, strip))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) EventPut(_ context.Context, namespace string, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns every event recorded so far. Test helper.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) SecretGet(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.secrets[name]
	return value, ok, nil
}

func (m *Memory) SecretPut(_ context.Context, name, value, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = value
	return nil
}

func (m *Memory) SecretDelete(_ context.Context, name string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, name)
	return nil
}
