package runlog

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLockRunIsExclusive(t *testing.T) {
	store := openTestStore(t)

	first, err := store.LockRun("run-42")
	if err != nil {
		t.Fatalf("LockRun: %v", err)
	}
	if _, err := store.LockRun("run-42"); !errors.Is(err, ErrRunLocked) {
		t.Fatalf("expected ErrRunLocked, got %v", err)
	}

	other, err := store.LockRun("run-43")
	if err != nil {
		t.Fatalf("a different run should lock independently: %v", err)
	}
	defer other.Unlock()

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	again, err := store.LockRun("run-42")
	if err != nil {
		t.Fatalf("LockRun after unlock: %v", err)
	}
	_ = again.Unlock()
}

func TestLockNameStaysInLockDir(t *testing.T) {
	store := openTestStore(t)

	l, err := store.LockRun("../../etc/passwd")
	if err != nil {
		t.Fatalf("LockRun: %v", err)
	}
	defer l.Unlock()

	want := filepath.Join(filepath.Dir(store.Path()), "locks")
	if filepath.Dir(l.Path()) != want {
		t.Fatalf("lock path %s escaped %s", l.Path(), want)
	}
}
