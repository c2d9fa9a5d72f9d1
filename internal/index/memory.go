package index

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process index used by tests and local runs. Doc ids are
// derived from the content hash so repeat uploads are naturally idempotent.
type Memory struct {
	mu    sync.Mutex
	docs  map[string]string // content hash -> doc id
	blobs map[string][]byte // doc id -> blob
	// Err, when set, is returned by every Upload.
	Err error
	// Uploads counts calls that actually transferred a new blob.
	Uploads int
}

func NewMemory() *Memory {
	return &Memory{docs: map[string]string{}, blobs: map[string][]byte{}}
}

func (m *Memory) Upload(ctx context.Context, blob []byte, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if id, ok := m.docs[meta.ContentHash]; ok {
		return id, nil
	}
	id := fmt.Sprintf("ret-%s", meta.ContentHash)
	m.docs[meta.ContentHash] = id
	m.blobs[id] = append([]byte(nil), blob...)
	m.Uploads++
	return id, nil
}

func (m *Memory) Blob(docID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[docID]
}

var _ Index = (*Memory)(nil)
