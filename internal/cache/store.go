// Package cache implements the on-disk response cache: small pointer records
// that reference separately stored bodies, keyed by request token.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"stream-proxy-go/internal/metrics"
)

// ErrNotFound is returned when a key has no complete cache entry.
var ErrNotFound = errors.New("cache entry not found")

const (
	pointersDir = "pointers"
	bodiesDir   = "bodies"
	tmpPrefix   = ".tmp-"
)

// WriteError reports a failed admission.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return "cache write: " + e.Op + ": " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports an entry that exists but could not be read.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string { return "cache read: " + e.Op + ": " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// Pointer is the small record that maps a key to its body.
type Pointer struct {
	Mimetype string `json:"mimetype"`
	// Location is the body's file name inside the bodies directory.
	Location string `json:"location"`
}

// Entry is a cached response as read back from disk.
type Entry struct {
	Mimetype     string
	Body         []byte
	LastModified time.Time
}

// Options configures a Store.
type Options struct {
	Dir string
	// Index selects the pointer backend: "file", "leveldb" or "sqlite".
	Index string
	// MaxAge is how long an admitted entry lives. Zero disables eviction.
	MaxAge time.Duration
	// MemoryEntries sizes the in-memory pointer cache. Zero disables it.
	MemoryEntries int
}

// Store is the pointer-indirected body cache. All methods are safe for
// concurrent use; concurrent admissions of one key are last-writer-wins.
type Store struct {
	dir    string
	bodies string
	index  Index
	mem    *ristretto.Cache
	maxAge time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// Open creates the cache layout under opts.Dir and opens the pointer index.
// The metrics parameter is optional.
func Open(opts Options, logger *slog.Logger, m *metrics.Metrics) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache: dir cannot be empty")
	}
	bodies := filepath.Join(opts.Dir, bodiesDir)
	for _, d := range []string{opts.Dir, bodies} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create %s: %w", d, err)
		}
	}
	// Keep the cache out of version control.
	if err := os.WriteFile(filepath.Join(opts.Dir, ".gitignore"), []byte("*"), 0o644); err != nil {
		return nil, fmt.Errorf("cache: write marker: %w", err)
	}

	index, err := OpenIndex(opts.Index, filepath.Join(opts.Dir, pointersDir))
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	s := &Store{
		dir:     opts.Dir,
		bodies:  bodies,
		index:   index,
		maxAge:  opts.MaxAge,
		logger:  logger.With("component", "cache"),
		metrics: m,
		timers:  make(map[string]*time.Timer),
	}

	if opts.MemoryEntries > 0 {
		s.mem, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(max(opts.MemoryEntries*10, 10)),
			MaxCost:     int64(opts.MemoryEntries),
			BufferItems: 64,
			Cost: func(value interface{}) int64 {
				return 1
			},
		})
		if err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("cache: init memory layer: %w", err)
		}
	}

	s.logger.Info("cache opened",
		"dir", opts.Dir,
		"index", opts.Index,
		"max_age", opts.MaxAge.String(),
		"memory_entries", opts.MemoryEntries,
	)
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// entryName maps a key to the name used on disk. Tokens can be longer than
// a file name may be, so they are hashed.
func entryName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Admit stores body under key, replacing any previous entry. The body is
// fully written before the pointer that references it.
func (s *Store) Admit(key, mimetype string, body []byte) error {
	name := entryName(key)
	location := name + "-" + uuid.NewString()

	if err := writeFileAtomic(s.bodies, location, body); err != nil {
		s.countAdmission("error")
		return &WriteError{Op: "body", Err: err}
	}

	old, err := s.index.Get(name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("cache pointer unreadable, overwriting", "entry", name, "error", err)
	}

	ptr := Pointer{Mimetype: mimetype, Location: location}
	if err := s.index.Put(name, ptr); err != nil {
		_ = os.Remove(filepath.Join(s.bodies, location))
		s.countAdmission("error")
		return &WriteError{Op: "pointer", Err: err}
	}
	// Invalidate rather than set: ristretto drops a buffered set for a key
	// it already holds, which would leave the replaced pointer behind.
	s.forget(name)

	if old.Location != "" && old.Location != location {
		if err := os.Remove(filepath.Join(s.bodies, old.Location)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove replaced body", "entry", name, "error", err)
		}
	}

	s.countAdmission("stored")
	s.logger.Debug("cache admit",
		"entry", name,
		"mimetype", mimetype,
		"size", humanize.IBytes(uint64(len(body))),
	)

	s.scheduleSweep(key, name)
	return nil
}

// Exists reports whether key has a pointer whose body is present on disk.
func (s *Store) Exists(key string) bool {
	_, _, err := s.locate(entryName(key))
	return err == nil
}

// Fetch reads the entry stored under key. It returns ErrNotFound when either
// the pointer or the body is missing.
func (s *Store) Fetch(key string) (*Entry, error) {
	ptr, info, err := s.locate(entryName(key))
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(filepath.Join(s.bodies, ptr.Location))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &ReadError{Op: "read body", Err: err}
	}

	return &Entry{
		Mimetype:     ptr.Mimetype,
		Body:         body,
		LastModified: info.ModTime(),
	}, nil
}

// locate resolves name to its pointer and the body's file info. A pointer
// from the memory layer whose body is gone is dropped and re-read from the index.
func (s *Store) locate(name string) (Pointer, fs.FileInfo, error) {
	ptr, cached, err := s.pointer(name)
	if err != nil {
		return Pointer{}, nil, err
	}
	info, err := os.Stat(filepath.Join(s.bodies, ptr.Location))
	if errors.Is(err, fs.ErrNotExist) && cached {
		s.forget(name)
		if ptr, err = s.index.Get(name); err != nil {
			return Pointer{}, nil, err
		}
		info, err = os.Stat(filepath.Join(s.bodies, ptr.Location))
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ptr, nil, ErrNotFound
	}
	if err != nil {
		return ptr, nil, &ReadError{Op: "stat body", Err: err}
	}
	return ptr, info, nil
}

// Sweep evicts key if its body is older than the configured maximum age.
// It reports whether an entry was removed. Missing artifacts are not an error.
func (s *Store) Sweep(key string) (bool, error) {
	if s.maxAge <= 0 {
		return false, nil
	}
	name := entryName(key)
	ptr, err := s.index.Get(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	info, err := os.Stat(filepath.Join(s.bodies, ptr.Location))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Body already gone; drop the dangling pointer.
		return false, s.removePointer(name, ptr)
	case err != nil:
		return false, &ReadError{Op: "stat body", Err: err}
	case time.Since(info.ModTime()) < s.maxAge:
		return false, nil
	}

	if err := os.Remove(filepath.Join(s.bodies, ptr.Location)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("cache: remove body: %w", err)
	}
	if err := s.removePointer(name, ptr); err != nil {
		return false, err
	}

	if s.metrics != nil {
		s.metrics.CacheEvictions.WithLabelValues("age").Inc()
	}
	s.logger.Debug("cache entry evicted", "entry", name, "age", time.Since(info.ModTime()).Round(time.Millisecond).String())
	return true, nil
}

// removePointer deletes name's pointer unless it was replaced by a newer
// admission in the meantime.
func (s *Store) removePointer(name string, seen Pointer) error {
	cur, err := s.index.Get(name)
	if errors.Is(err, ErrNotFound) {
		s.forget(name)
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Location != seen.Location {
		return nil
	}
	if err := s.index.Delete(name); err != nil {
		return fmt.Errorf("cache: delete pointer: %w", err)
	}
	s.forget(name)
	return nil
}

// scheduleSweep arms a one-shot eviction check for an admission. A newer
// admission of the same key replaces the pending check.
func (s *Store) scheduleSweep(key, name string) {
	if s.maxAge <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.maxAge, func() {
		s.mu.Lock()
		if s.timers[name] == timer {
			delete(s.timers, name)
		}
		s.mu.Unlock()

		if _, err := s.Sweep(key); err != nil {
			s.logger.Warn("cache sweep failed", "entry", name, "error", err)
		}
	})
	s.timers[name] = timer
}

// pointer resolves name through the memory layer, then the index. cached
// reports whether the memory layer answered.
func (s *Store) pointer(name string) (ptr Pointer, cached bool, err error) {
	if s.mem != nil {
		if v, ok := s.mem.Get(name); ok {
			if ptr, ok := v.(Pointer); ok {
				return ptr, true, nil
			}
		}
	}
	ptr, err = s.index.Get(name)
	if err != nil {
		return Pointer{}, false, err
	}
	if s.mem != nil {
		s.mem.Set(name, ptr, 1)
	}
	return ptr, false, nil
}

// forget drops name from the memory layer.
func (s *Store) forget(name string) {
	if s.mem != nil {
		s.mem.Del(name)
	}
}

func (s *Store) countAdmission(result string) {
	if s.metrics != nil {
		s.metrics.CacheAdmissions.WithLabelValues(result).Inc()
	}
}

// Close cancels pending sweeps and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	if s.mem != nil {
		s.mem.Close()
	}
	return s.index.Close()
}

// writeFileAtomic writes data to dir/name through a temp file and rename, so
// readers never observe a partial file.
func writeFileAtomic(dir, name string, data []byte) error {
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// nameOf extracts the entry name from a body file name.
func nameOf(location string) (string, bool) {
	name, _, ok := strings.Cut(location, "-")
	if !ok || len(name) != sha256.Size*2 {
		return "", false
	}
	return name, true
}
