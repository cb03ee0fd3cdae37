package cache

import (
	"fmt"
)

// Index stores pointer records by entry name.
type Index interface {
	// Get returns ErrNotFound when name has no pointer.
	Get(name string) (Pointer, error)
	Put(name string, p Pointer) error
	// Delete is a no-op for missing names.
	Delete(name string) error
	Close() error
}

// OpenIndex opens the pointer backend kind rooted at dir. An empty kind
// selects the file backend.
func OpenIndex(kind, dir string) (Index, error) {
	switch kind {
	case "", "file":
		return openFileIndex(dir)
	case "leveldb":
		return openLevelDBIndex(dir)
	case "sqlite":
		return openSQLiteIndex(dir)
	default:
		return nil, fmt.Errorf("unknown index backend %q", kind)
	}
}
