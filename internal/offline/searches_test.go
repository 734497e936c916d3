package offline

import (
	"fmt"
	"reflect"
	"testing"
)

func TestRecentSearchesCaseInsensitiveDedup(t *testing.T) {
	s := NewRecentSearches(nil, 0, nil)
	for _, term := range []string{"Ana", "ana", "Beto"} {
		if _, err := s.Add(term); err != nil {
			t.Fatalf("add %q failed: %v", term, err)
		}
	}
	if got, want := s.All(), []string{"Beto", "Ana"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got, err := s.Add("  ANA ")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if want := []string{"Ana", "Beto"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v after re-search, got %v", want, got)
	}
}

func TestRecentSearchesLimitAndBlank(t *testing.T) {
	s := NewRecentSearches(nil, 0, nil)
	for i := 0; i < 8; i++ {
		if _, err := s.Add(fmt.Sprintf("term-%d", i)); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	got, err := s.Add("   ")
	if err != nil {
		t.Fatalf("blank add failed: %v", err)
	}
	want := []string{"term-7", "term-6", "term-5", "term-4", "term-3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(s.All()) != DefaultSearchLimit {
		t.Fatalf("expected cap of %d", DefaultSearchLimit)
	}
}
