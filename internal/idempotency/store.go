package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Record is a response replayed for a repeated idempotency key.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store abstracts idempotency persistence. Get returns nil, nil for a
// missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// MemoryStore is a bounded in-process store.
type MemoryStore struct {
	cache *expirable.LRU[string, Record]
}

const defaultMemoryEntries = 4096

// NewMemoryStore keeps at most size records, each for at most ttl. Zero
// values pick a default size and rely on Record.ExpiresAt only.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMemoryEntries
	}
	return &MemoryStore{cache: expirable.NewLRU[string, Record](size, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	rec, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if rec.expired(time.Now()) {
		m.cache.Remove(key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.cache.Add(key, record)
	return nil
}

// FileStore persists records as one JSON document. Suitable for a single
// local instance.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	f.sweep(time.Now())
	return nil
}

// sweep drops expired records. Caller holds f.mu.
func (f *FileStore) sweep(now time.Time) int {
	removed := 0
	for key, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, key)
			removed++
		}
	}
	return removed
}

// persist writes through a temp file so a crash never leaves half a document.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.expired(time.Now()) {
		delete(f.data, key)
		return nil, f.persist()
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweep(time.Now())
	f.data[key] = record
	return f.persist()
}
