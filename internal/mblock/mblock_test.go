package mblock_test

import (
	"testing"

	"github.com/m-lab/netstack/internal/mblock"
	"github.com/m-lab/netstack/nerr"
)

func TestAllocFree(t *testing.T) {
	p := mblock.New[int](2, mblock.LockMutex)

	i1, v1, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	*v1 = 42

	i2, _, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if i1 == i2 {
		t.Error("expected distinct slots")
	}

	if _, _, err := p.Alloc(0); err != nerr.ErrMem {
		t.Errorf("expected ErrMem on exhausted pool, got %v", err)
	}

	p.Free(i1)
	i3, v3, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if i3 != i1 {
		t.Errorf("expected reused slot %d, got %d", i1, i3)
	}
	if *v3 != 0 {
		t.Error("expected zeroed slot on reallocation")
	}
}

func TestAllocTimeout(t *testing.T) {
	p := mblock.New[int](1, mblock.LockMutex)
	if _, _, err := p.Alloc(0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, _, err := p.Alloc(10); err != nerr.ErrTmo {
		t.Errorf("expected ErrTmo, got %v", err)
	}
}
