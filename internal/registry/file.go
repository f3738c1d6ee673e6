package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/inercia/sshwarden/internal/fileutil"
)

const fileExt = ".jsonl"

// Verify FileBackend implements Backend at compile time.
var _ Backend = (*FileBackend)(nil)

// FileBackend stores each registry as a JSON-lines file under one directory.
// Every mutation rewrites the file atomically, so a crash leaves either the
// old or the new content. Contents are cached after the first read.
type FileBackend struct {
	dir    string
	mu     sync.Mutex
	cache  map[Name][]Record
	closed bool
}

// OpenFileBackend opens (or creates) a file backend rooted at dir. Reopening
// an existing directory picks up the persisted records.
func OpenFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &FileBackend{dir: dir, cache: make(map[Name][]Record)}, nil
}

// Path returns the file backing a registry.
func (b *FileBackend) Path(name Name) string {
	return filepath.Join(b.dir, string(name)+fileExt)
}

// load returns the cached records of name, reading the file on first use.
// Caller holds b.mu.
func (b *FileBackend) load(name Name) ([]Record, error) {
	if b.closed {
		return nil, ErrBackendClosed
	}
	if recs, ok := b.cache[name]; ok {
		return recs, nil
	}
	var recs []Record
	err := fileutil.ReadJSONLines(b.Path(name), func(line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", name, err)
	}
	b.cache[name] = recs
	return recs, nil
}

// store persists recs and updates the cache only if the write succeeded.
// Caller holds b.mu.
func (b *FileBackend) store(name Name, recs []Record) error {
	if err := fileutil.WriteJSONLinesAtomic(b.Path(name), recs, 0o640); err != nil {
		return fmt.Errorf("write registry %s: %w", name, err)
	}
	b.cache[name] = recs
	return nil
}

func (b *FileBackend) Append(name Name, rec Record) error {
	if err := checkRecord(name, rec); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, err := b.load(name)
	if err != nil {
		return err
	}
	next := make([]Record, len(recs), len(recs)+1)
	copy(next, recs)
	return b.store(name, append(next, rec))
}

func (b *FileBackend) DeleteIndex(name Name, index int) error {
	if err := checkName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, err := b.load(name)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(recs) {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, name, index)
	}
	next := make([]Record, 0, len(recs)-1)
	next = append(next, recs[:index]...)
	next = append(next, recs[index+1:]...)
	return b.store(name, next)
}

func (b *FileBackend) DeleteIP(name Name, ip string) error {
	if err := checkName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, err := b.load(name)
	if err != nil {
		return err
	}
	next := make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.IP != ip {
			next = append(next, r)
		}
	}
	if len(next) == len(recs) {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, ip, name)
	}
	return b.store(name, next)
}

func (b *FileBackend) Contains(name Name, ip string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, err := b.load(name)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.IP == ip {
			return true, nil
		}
	}
	return false, nil
}

// Content returns a copy of the registry's records in insertion order.
func (b *FileBackend) Content(name Name) ([]Record, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	recs, err := b.load(name)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (b *FileBackend) Clear(name Name) error {
	if err := checkName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackendClosed
	}
	return b.store(name, []Record{})
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cache = nil
	return nil
}
