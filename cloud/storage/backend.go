package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Backend stores opaque object blobs.
type Backend interface {
	Get(key ObjectKey) ([]byte, error)
	Put(key ObjectKey, data []byte) error
	List() ([]ObjectKey, error)
	Close() error
}

// DirBackend keeps one file per object in a directory.
type DirBackend struct {
	root string
}

// NewDirBackend uses root, creating it if needed.
func NewDirBackend(root string) (*DirBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating scene directory: %w", err)
	}
	return &DirBackend{root: root}, nil
}

// Get reads the file for key.
func (d *DirBackend) Get(key ObjectKey) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.root, key.Name()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Put replaces the file for key atomically.
func (d *DirBackend) Put(key ObjectKey, data []byte) error {
	path := filepath.Join(d.root, key.Name())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// List returns every object whose file name parses, sorted by type then id.
func (d *DirBackend) List() ([]ObjectKey, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("listing scene directory: %w", err)
	}
	var keys []ObjectKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		k, err := ParseObjectName(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

// Close is a no-op.
func (d *DirBackend) Close() error { return nil }

// BoltBackend keeps all objects in one bbolt file with a bucket per type.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens or creates the database at path.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening scene database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for t := ObjectType(0); t < objectTypeCount; t++ {
			if _, err := tx.CreateBucketIfNotExists([]byte(t.String())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func boltKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// Get returns a copy of the stored blob.
func (b *BoltBackend) Get(key ObjectKey) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		want := boltKey(key.ID)
		k, v := tx.Bucket([]byte(key.Type.String())).Cursor().Seek(want)
		if !bytes.Equal(k, want) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put stores data under key.
func (b *BoltBackend) Put(key ObjectKey, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(key.Type.String())).Put(boltKey(key.ID), data)
	})
}

// List walks every bucket in key order.
func (b *BoltBackend) List() ([]ObjectKey, error) {
	var keys []ObjectKey
	err := b.db.View(func(tx *bolt.Tx) error {
		for t := ObjectType(0); t < objectTypeCount; t++ {
			c := tx.Bucket([]byte(t.String())).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				keys = append(keys, ObjectKey{Type: t, ID: binary.BigEndian.Uint64(k)})
			}
		}
		return nil
	})
	return keys, err
}

// Close closes the database.
func (b *BoltBackend) Close() error { return b.db.Close() }

func sortKeys(keys []ObjectKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
}
