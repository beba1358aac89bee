package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CopeeeTang/tabula/store/storetest"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, testStore(t))
}

func TestReopenKeepsSessions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s := New(path)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.SaveSession(ctx, storetest.Record("persisted")); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	s.Close()

	s2 := New(path)
	defer s2.Close()
	if err := s2.Init(ctx); err != nil {
		t.Fatalf("Init after reopen: %v", err)
	}
	rec, err := s2.LoadSession(ctx, "persisted")
	if err != nil {
		t.Fatalf("LoadSession after reopen: %v", err)
	}
	if len(rec.Entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(rec.Entries))
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := storetest.Record("concurrent")
			rec.UpdatedAt = rec.UpdatedAt.Add(time.Duration(i) * time.Second)
			errs <- s.SaveSession(ctx, rec)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	infos, err := s.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(infos) != 1 || infos[0].Entries != 3 {
		t.Errorf("expected one session with 3 entries, got %+v", infos)
	}
}
