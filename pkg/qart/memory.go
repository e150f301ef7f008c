package qart

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-shot local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Upload(_ context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Artifact, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	obj := memoryObject{data: data, contentType: contentType, metadata: metadata, modified: time.Now()}

	m.mu.Lock()
	m.objects[key] = obj
	m.mu.Unlock()

	return m.artifact(key, obj), nil
}

func (m *MemoryStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Artifact
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, m.artifact(key, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

func (m *MemoryStore) EnsureBucket(context.Context) error { return nil }

func (m *MemoryStore) artifact(key string, obj memoryObject) *Artifact {
	return &Artifact{
		Key:          key,
		Bucket:       "memory",
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
		Metadata:     obj.metadata,
	}
}

var _ Store = (*MemoryStore)(nil)
