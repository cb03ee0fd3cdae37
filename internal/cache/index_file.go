package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// fileIndex keeps one JSON pointer file per entry.
type fileIndex struct {
	dir string
}

func openFileIndex(dir string) (*fileIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pointer dir: %w", err)
	}
	return &fileIndex{dir: dir}, nil
}

func (f *fileIndex) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *fileIndex) Get(name string) (Pointer, error) {
	data, err := os.ReadFile(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Pointer{}, ErrNotFound
	}
	if err != nil {
		return Pointer{}, err
	}
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return Pointer{}, fmt.Errorf("decode pointer %s: %w", name, err)
	}
	return p, nil
}

func (f *fileIndex) Put(name string, p Pointer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return writeFileAtomic(f.dir, name+".json", data)
}

func (f *fileIndex) Delete(name string) error {
	err := os.Remove(f.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *fileIndex) Close() error { return nil }
