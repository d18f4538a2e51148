package store

import (
	"context"
	"maps"
	"sync"
)

// Backend persists committed state. Apply must be atomic: either the whole
// change set is durable or none of it is.
// The memory, SQLite, Badger and Neo4j backends implement this interface.
type Backend interface {
	// Load returns the complete persisted state.
	Load(ctx context.Context) (*Image, error)
	// Apply persists one commit.
	Apply(ctx context.Context, cs *ChangeSet) error
	Close() error
}

// Image is a full persisted state as returned by Load.
type Image struct {
	Seq        uint64
	Workspaces map[string]map[string]*NodeRecord
	Blobs      map[BlobKey][]byte
}

// NewImage returns an empty image.
func NewImage() *Image {
	return &Image{
		Workspaces: make(map[string]map[string]*NodeRecord),
		Blobs:      make(map[BlobKey][]byte),
	}
}

// Put adds a record to the image.
func (img *Image) Put(ws string, n *NodeRecord) {
	if img.Workspaces[ws] == nil {
		img.Workspaces[ws] = make(map[string]*NodeRecord)
	}
	img.Workspaces[ws][n.ID] = n
}

// NodeChange is a staged put (Record set) or delete (Record nil).
type NodeChange struct {
	Workspace string
	ID        string
	Record    *NodeRecord
}

// BlobChange is a staged blob write (Data set) or delete (Data nil).
type BlobChange struct {
	Kind string
	ID   string
	Data []byte
}

// ChangeSet is everything one commit changes.
type ChangeSet struct {
	Seq   uint64
	Nodes []NodeChange
	Blobs []BlobChange
}

// Empty reports whether the change set changes nothing.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Nodes) == 0 && len(cs.Blobs) == 0
}

// MemoryBackend keeps state in process memory only.
type MemoryBackend struct {
	mu  sync.Mutex
	img *Image
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{img: NewImage()}
}

// Load returns a copy of the current image.
func (m *MemoryBackend) Load(ctx context.Context) (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := NewImage()
	out.Seq = m.img.Seq
	for ws, nodes := range m.img.Workspaces {
		out.Workspaces[ws] = maps.Clone(nodes)
	}
	out.Blobs = maps.Clone(m.img.Blobs)
	return out, nil
}

// Apply records the change set.
func (m *MemoryBackend) Apply(ctx context.Context, cs *ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cs.Nodes {
		if c.Record == nil {
			delete(m.img.Workspaces[c.Workspace], c.ID)
			continue
		}
		m.img.Put(c.Workspace, c.Record)
	}
	for _, b := range cs.Blobs {
		if b.Data == nil {
			delete(m.img.Blobs, BlobKey{b.Kind, b.ID})
			continue
		}
		m.img.Blobs[BlobKey{b.Kind, b.ID}] = b.Data
	}
	m.img.Seq = cs.Seq
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
