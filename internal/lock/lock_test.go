package lock

import "testing"

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	h1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer h1.Release()

	if _, err := Acquire(dir); err == nil {
		t.Fatal("second Acquire on a held lock = nil error, want error")
	}
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	dir := t.TempDir()

	h1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := h1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	h2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer h2.Release()
}
