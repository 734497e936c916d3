package offline

import (
	"strings"
	"sync"
)

const DefaultSearchLimit = 5

// RecentSearches keeps the most recent distinct search terms, newest first.
type RecentSearches struct {
	backend Backend
	limit   int
	logger  Logger
	mu      sync.Mutex
}

func NewRecentSearches(backend Backend, limit int, logger Logger) *RecentSearches {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &RecentSearches{backend: backend, limit: limit, logger: logger}
}

// Add records term and returns the updated list. A term equal to a stored one
// ignoring case moves that entry to the front with its stored spelling.
func (s *RecentSearches) Add(term string) ([]string, error) {
	term = strings.TrimSpace(term)
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := LoadSlot[string](s.backend, SlotSearches, s.logger)
	if term == "" {
		return terms, nil
	}

	next := make([]string, 0, len(terms)+1)
	head := term
	for _, existing := range terms {
		if strings.EqualFold(existing, term) {
			head = existing
			continue
		}
		next = append(next, existing)
	}
	next = append([]string{head}, next...)
	if len(next) > s.limit {
		next = next[:s.limit]
	}
	if err := SaveSlot(s.backend, SlotSearches, next); err != nil {
		return terms, err
	}
	return next, nil
}

func (s *RecentSearches) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LoadSlot[string](s.backend, SlotSearches, s.logger)
}
