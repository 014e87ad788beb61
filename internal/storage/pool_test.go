package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestPool_Acquire(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	p := NewPool(nil)
	defer p.Close()

	a, err := p.Acquire(ctx, filepath.Join(dir, "index.db"), "notes")
	if err != nil {
		t.Fatal(err)
	}
	again, err := p.Acquire(ctx, filepath.Join(dir, ".", "index.db"), "notes")
	if err != nil {
		t.Fatal(err)
	}
	if a != again {
		t.Error("same file and table should share one handle")
	}
	other, err := p.Acquire(ctx, filepath.Join(dir, "index.db"), "journal")
	if err != nil {
		t.Fatal(err)
	}
	if other == a {
		t.Error("different tables need separate handles")
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}

	if _, err := p.Acquire(ctx, filepath.Join(dir, "index.db"), "bad-name"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if p.Len() != 2 {
		t.Error("failed open must not be pooled")
	}
}

func TestWithPool_closesOnError(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	boom := errors.New("boom")
	var held *SQLiteStore

	err := WithPool(nil, func(p *Pool) error {
		s, err := p.Acquire(ctx, filepath.Join(dir, "index.db"), "notes")
		if err != nil {
			return err
		}
		held = s
		if err := s.Upsert(ctx, record("/a.md", 0, 1, 0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithPool error = %v, want boom", err)
	}
	if _, err := held.RowCount(ctx); err == nil {
		t.Error("store should be closed after WithPool returns")
	}

	// Work committed before the error is durable.
	err = WithPool(nil, func(p *Pool) error {
		s, err := p.Acquire(ctx, filepath.Join(dir, "index.db"), "notes")
		if err != nil {
			return err
		}
		n, err := s.RowCount(ctx)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("RowCount = %d, want 1", n)
		}
		return nil
	}, WithVectorIndex(false))
	if err != nil {
		t.Fatal(err)
	}
}
