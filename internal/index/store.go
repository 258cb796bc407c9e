// Package index is the Metadata Index: an authoritative local view of the
// mirrored namespace, keyed by path, with soft-delete and snapshot-time
// filtering. Two implementations share the Store interface: BoltStore
// persists to a single embedded bbolt file co-located with the cache root,
// MemStore keeps everything in a map and is used by tests (the mount
// daemon always uses BoltStore).
package index

import (
	"errors"
	"time"

	"github.com/objectfs/swiftmount/pkg/fsnode"
)

// ErrNotFound is returned by Save when no existing node occupies the path
// being saved, and by GetByPath callers that want a typed sentinel instead
// of the (nil, false, nil) "not found" return.
var ErrNotFound = errors.New("index: node not found")

// Store is the keyed container of fsnode.Nodes the engine and cache
// manager consult for every filesystem operation.
type Store interface {
	// GetByPath returns the node at path. If includeDeleted is false, a
	// soft-deleted node invisible under snapshot is reported as not found.
	// The zero Time means "now": no snapshot restriction beyond ordinary
	// soft-delete visibility.
	GetByPath(path string, includeDeleted bool, snapshot time.Time) (*fsnode.Node, bool, error)

	// Children returns every node whose Folder equals folderPath and that
	// is visible under snapshot.
	Children(folderPath string, snapshot time.Time) ([]*fsnode.Node, error)

	// Upsert inserts node or replaces whatever was previously stored at
	// its Path. Used when refreshing the index from a remote listing or
	// local cache scan, where the caller doesn't know or care whether a
	// row already existed.
	Upsert(node *fsnode.Node) error

	// Save persists a node the caller already fetched and mutated in
	// place. Returns ErrNotFound if no node currently occupies its Path,
	// since Save models "commit these changes back", not "create".
	Save(node *fsnode.Node) error

	// GetOrCreate returns the node at path if one exists, undeleting it
	// first if it was soft-deleted (the original mount's recreate-after-
	// unlink behavior). If no node exists, it calls create to build one
	// and inserts it. The bool result reports whether create was called.
	GetOrCreate(path string, create func() *fsnode.Node) (*fsnode.Node, bool, error)

	// TableReset discards every node, used when refreshing the index
	// wholesale from the object store.
	TableReset() error

	// Close releases any resources the implementation holds open.
	Close() error
}
