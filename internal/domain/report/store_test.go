package report

import (
	"errors"
	"testing"
	"time"
)

func TestSessionStore_CopiesInAndOut(t *testing.T) {
	s := NewSessionStore()
	st := GlobalFormState{ChataID: "JS-202401-1234", FormData: FormData{ComponentProgress: map[string]SectionProgress{"a": {Progress: 1}}}}
	s.Put(st)

	st.FormData.ComponentProgress["a"] = SectionProgress{Progress: 99}
	got, ok := s.Get("JS-202401-1234")
	if !ok {
		t.Fatal("expected session")
	}
	if got.FormData.ComponentProgress["a"].Progress != 1 {
		t.Error("store shares the caller's map")
	}
	got.FormData.ComponentProgress["a"] = SectionProgress{Progress: 50}
	again, _ := s.Get("JS-202401-1234")
	if again.FormData.ComponentProgress["a"].Progress != 1 {
		t.Error("store leaks its internal map")
	}
}

func TestSessionStore_Hydrate(t *testing.T) {
	s := NewSessionStore()
	s.Put(GlobalFormState{ChataID: "JS-202401-1234", FormData: FormData{Strengths: "live"}})

	got := s.Hydrate(GlobalFormState{ChataID: "JS-202401-1234", FormData: FormData{Strengths: "stale"}})
	if got.FormData.Strengths != "live" {
		t.Errorf("hydrate replaced live session: %q", got.FormData.Strengths)
	}
	got = s.Hydrate(GlobalFormState{ChataID: "AB-202401-1234", FormData: FormData{Strengths: "loaded"}})
	if got.FormData.Strengths != "loaded" || s.Len() != 2 {
		t.Errorf("hydrate did not add session")
	}
}

func TestSessionStore_Update(t *testing.T) {
	s := NewSessionStore()
	if _, err := s.Update("JS-202401-1234", func(g GlobalFormState) (GlobalFormState, error) { return g, nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	s.Put(GlobalFormState{ChataID: "JS-202401-1234"})
	boom := errors.New("boom")
	_, err := s.Update("JS-202401-1234", func(g GlobalFormState) (GlobalFormState, error) {
		g.FormData.Strengths = "changed"
		return g, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	cur, _ := s.Get("JS-202401-1234")
	if cur.FormData.Strengths != "" {
		t.Error("failed update was stored")
	}
}

func TestSessionStore_ListAndEvict(t *testing.T) {
	s := NewSessionStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Put(GlobalFormState{ChataID: "AA-202401-1000", LastUpdated: base})
	s.Put(GlobalFormState{ChataID: "BB-202401-1000", LastUpdated: base.Add(2 * time.Hour)})
	s.Put(GlobalFormState{ChataID: "CC-202401-1000", LastUpdated: base.Add(time.Hour)})

	list := s.List()
	if list[0].ChataID != "BB-202401-1000" || list[2].ChataID != "AA-202401-1000" {
		t.Errorf("order = %v, %v, %v", list[0].ChataID, list[1].ChataID, list[2].ChataID)
	}

	evicted := s.EvictOlderThan(base.Add(time.Hour))
	if len(evicted) != 1 || evicted[0] != "AA-202401-1000" {
		t.Errorf("evicted = %v", evicted)
	}
	if !s.Delete("BB-202401-1000") || s.Delete("BB-202401-1000") {
		t.Error("delete should report presence once")
	}
	if s.Len() != 1 {
		t.Errorf("len = %d", s.Len())
	}
}
