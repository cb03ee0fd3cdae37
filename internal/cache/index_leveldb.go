package cache

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// levelDBIndex stores pointers as JSON values under "p:<name>".
type levelDBIndex struct {
	db *leveldb.DB
}

func openLevelDBIndex(dir string) (*levelDBIndex, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb index: %w", err)
	}
	return &levelDBIndex{db: db}, nil
}

func pointerKey(name string) []byte {
	return []byte("p:" + name)
}

func (l *levelDBIndex) Get(name string) (Pointer, error) {
	b, err := l.db.Get(pointerKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Pointer{}, ErrNotFound
	}
	if err != nil {
		return Pointer{}, err
	}
	var p Pointer
	if err := json.Unmarshal(b, &p); err != nil {
		return Pointer{}, fmt.Errorf("decode pointer %s: %w", name, err)
	}
	return p, nil
}

func (l *levelDBIndex) Put(name string, p Pointer) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return l.db.Put(pointerKey(name), b, nil)
}

func (l *levelDBIndex) Delete(name string) error {
	return l.db.Delete(pointerKey(name), nil)
}

func (l *levelDBIndex) Close() error { return l.db.Close() }
