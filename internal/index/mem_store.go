package index

import (
	"sync"
	"time"

	"github.com/objectfs/swiftmount/pkg/fsnode"
)

// MemStore is an in-memory Store, safe for concurrent use by its single
// RWMutex. It satisfies §4.3's "may back the index with an in-memory map"
// option. It is used in tests; cmd/objectfsmount always opens a BoltStore.
type MemStore struct {
	mu    sync.RWMutex
	nodes map[string]*fsnode.Node
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[string]*fsnode.Node)}
}

func (m *MemStore) GetByPath(path string, includeDeleted bool, snapshot time.Time) (*fsnode.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[path]
	if !ok {
		return nil, false, nil
	}
	if !includeDeleted && !node.Visible(snapshot) {
		return nil, false, nil
	}
	return node, true, nil
}

func (m *MemStore) Children(folderPath string, snapshot time.Time) ([]*fsnode.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var children []*fsnode.Node
	for path, node := range m.nodes {
		if path == "" || node.Folder != folderPath {
			continue
		}
		if node.Visible(snapshot) {
			children = append(children, node)
		}
	}
	return children, nil
}

func (m *MemStore) Upsert(node *fsnode.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.Path] = node
	return nil
}

func (m *MemStore) Save(node *fsnode.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.Path]; !ok {
		return ErrNotFound
	}
	m.nodes[node.Path] = node
	return nil
}

func (m *MemStore) GetOrCreate(path string, create func() *fsnode.Node) (*fsnode.Node, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node, ok := m.nodes[path]; ok {
		if !node.DeletedOn.IsZero() {
			node.DeletedOn = time.Time{}
		}
		return node, false, nil
	}

	node := create()
	m.nodes[path] = node
	return node, true, nil
}

func (m *MemStore) TableReset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[string]*fsnode.Node)
	return nil
}

func (m *MemStore) Close() error { return nil }
