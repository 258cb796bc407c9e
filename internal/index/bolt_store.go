package index

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/objectfs/swiftmount/pkg/fsnode"
)

var nodesBucket = []byte("nodes")

// BoltStore persists the Metadata Index to a single embedded bbolt file,
// co-located with the cache root as §6 specifies.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path and
// returns a BoltStore backed by it. The caller owns the returned Store and
// must Close it.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("index: opening bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: creating nodes bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetByPath(path string, includeDeleted bool, snapshot time.Time) (*fsnode.Node, bool, error) {
	node, ok, err := s.get(path)
	if err != nil || !ok {
		return nil, false, err
	}
	if !includeDeleted && !node.Visible(snapshot) {
		return nil, false, nil
	}
	return node, true, nil
}

func (s *BoltStore) get(path string) (*fsnode.Node, bool, error) {
	var node *fsnode.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(nodesBucket).Get([]byte(path))
		if raw == nil {
			return nil
		}
		var decoded fsnode.Node
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("index: decoding node at %q: %w", path, err)
		}
		node = &decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return node, node != nil, nil
}

func (s *BoltStore) Children(folderPath string, snapshot time.Time) ([]*fsnode.Node, error) {
	var children []*fsnode.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, raw []byte) error {
			path := string(k)
			if path == "" {
				return nil
			}
			var node fsnode.Node
			if err := json.Unmarshal(raw, &node); err != nil {
				return fmt.Errorf("index: decoding node at %q: %w", path, err)
			}
			if node.Folder == folderPath && node.Visible(snapshot) {
				children = append(children, &node)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

func (s *BoltStore) Upsert(node *fsnode.Node) error {
	return s.put(node)
}

func (s *BoltStore) Save(node *fsnode.Node) error {
	_, ok, err := s.get(node.Path)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return s.put(node)
}

func (s *BoltStore) put(node *fsnode.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("index: encoding node at %q: %w", node.Path, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Put([]byte(node.Path), data)
	})
}

func (s *BoltStore) GetOrCreate(path string, create func() *fsnode.Node) (*fsnode.Node, bool, error) {
	var node *fsnode.Node
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		raw := b.Get([]byte(path))
		if raw != nil {
			var existing fsnode.Node
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("index: decoding node at %q: %w", path, err)
			}
			if !existing.DeletedOn.IsZero() {
				existing.DeletedOn = time.Time{}
				data, err := json.Marshal(&existing)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(path), data); err != nil {
					return err
				}
			}
			node = &existing
			return nil
		}

		node = create()
		created = true
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("index: encoding node at %q: %w", path, err)
		}
		return b.Put([]byte(path), data)
	})
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

func (s *BoltStore) TableReset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(nodesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(nodesBucket)
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
