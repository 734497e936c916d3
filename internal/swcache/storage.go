package swcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/offlinecrud/internal/offline"
)

const (
	indexSlot       = "swcache.index"
	cacheSlotPrefix = "swcache."
)

type Logger = offline.Logger

// CachedResponse is a fully buffered response stored under a request key.
type CachedResponse struct {
	Key        string      `json:"key"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	StoredAt   time.Time   `json:"storedAt"`
}

// Response builds a fresh *http.Response; each call gets its own body reader.
func (c CachedResponse) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.StatusCode, http.StatusText(c.StatusCode)),
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// Cache is one named cache inside a Storage.
type Cache struct {
	name    string
	storage *Storage

	// persistMu orders snapshot+save pairs; it is taken before mu.
	persistMu sync.Mutex
	dropped   bool

	mu      sync.Mutex
	entries map[string]CachedResponse
	order   []string
}

func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) Put(entry CachedResponse) error {
	if strings.TrimSpace(entry.Key) == "" {
		return offline.ErrInvalidInput
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.mu.Lock()
	if _, exists := c.entries[entry.Key]; !exists {
		c.order = append(c.order, entry.Key)
	}
	c.entries[entry.Key] = entry
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if c.dropped {
		return nil
	}
	return c.storage.persistCache(c.name, snapshot)
}

func (c *Cache) Match(key string) (CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.order...)
}

func (c *Cache) snapshotLocked() []CachedResponse {
	out := make([]CachedResponse, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.entries[key])
	}
	return out
}

// Storage holds named caches, optionally persisted through a slot backend so
// they survive restarts.
type Storage struct {
	backend offline.Backend
	logger  Logger

	// indexMu orders index snapshot+save pairs; it is taken before mu.
	indexMu sync.Mutex

	mu     sync.Mutex
	caches map[string]*Cache
	order  []string
}

func NewStorage(backend offline.Backend, logger Logger) *Storage {
	s := &Storage{backend: backend, logger: logger, caches: map[string]*Cache{}}
	if backend == nil {
		return s
	}
	for _, name := range offline.LoadSlot[string](backend, indexSlot, logger) {
		if _, ok := s.caches[name]; ok || !validCacheName(name) {
			continue
		}
		cache := s.newCache(name)
		for _, entry := range offline.LoadSlot[CachedResponse](backend, cacheSlotPrefix+name, logger) {
			if _, exists := cache.entries[entry.Key]; !exists {
				cache.order = append(cache.order, entry.Key)
			}
			cache.entries[entry.Key] = entry
		}
		s.caches[name] = cache
		s.order = append(s.order, name)
	}
	return s
}

// Open returns the named cache, creating it if needed.
func (s *Storage) Open(name string) (*Cache, error) {
	name = strings.TrimSpace(name)
	if !validCacheName(name) {
		return nil, fmt.Errorf("%w: cache name %q", offline.ErrInvalidInput, name)
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.mu.Lock()
	if cache, ok := s.caches[name]; ok {
		s.mu.Unlock()
		return cache, nil
	}
	cache := s.newCache(name)
	s.caches[name] = cache
	s.order = append(s.order, name)
	index := append([]string{}, s.order...)
	s.mu.Unlock()

	if err := s.persistIndex(index); err != nil {
		return nil, err
	}
	return cache, nil
}

func (s *Storage) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok
}

// Keys lists cache names in creation order.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...)
}

func (s *Storage) Delete(name string) (bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.mu.Lock()
	cache, ok := s.caches[name]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.caches, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	index := append([]string{}, s.order...)
	s.mu.Unlock()

	if err := s.persistIndex(index); err != nil {
		return true, err
	}
	cache.persistMu.Lock()
	defer cache.persistMu.Unlock()
	cache.dropped = true
	return true, s.persistCache(name, nil)
}

// Match looks key up across all caches in creation order.
func (s *Storage) Match(key string) (CachedResponse, bool) {
	s.mu.Lock()
	caches := make([]*Cache, 0, len(s.order))
	for _, name := range s.order {
		caches = append(caches, s.caches[name])
	}
	s.mu.Unlock()
	for _, cache := range caches {
		if entry, ok := cache.Match(key); ok {
			return entry, true
		}
	}
	return CachedResponse{}, false
}

func (s *Storage) newCache(name string) *Cache {
	return &Cache{name: name, storage: s, entries: map[string]CachedResponse{}}
}

func (s *Storage) persistIndex(names []string) error {
	if s.backend == nil {
		return nil
	}
	return offline.SaveSlot(s.backend, indexSlot, names)
}

func (s *Storage) persistCache(name string, entries []CachedResponse) error {
	if s.backend == nil {
		return nil
	}
	return offline.SaveSlot(s.backend, cacheSlotPrefix+name, entries)
}

func validCacheName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || name == "index" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
