package common

import "testing"

func TestNamedSemaphore(t *testing.T) {
	sem := NewNamedSemaphore[string](1, 0)

	permit, err := sem.TryAcquire("test")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := sem.TryAcquire("test"); err != ErrPerKeyLimitReached {
		t.Fatalf("expected ErrPerKeyLimitReached, got %v", err)
	}

	permit.Release()

	permit3, err := sem.TryAcquire("test")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	permit3.Release()

	if sem.Keys() != 0 {
		t.Fatalf("expected empty key map, got %d keys", sem.Keys())
	}
}

func TestNamedSemaphoreGlobalLimit(t *testing.T) {
	sem := NewNamedSemaphore[string](1, 2)

	permit, err := sem.TryAcquire("test")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	permit2, err := sem.TryAcquire("test2")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := sem.TryAcquire("test3"); err != ErrGlobalLimitReached {
		t.Fatalf("expected ErrGlobalLimitReached, got %v", err)
	}

	permit.Release()

	permit4, err := sem.TryAcquire("test3")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if sem.Held() != 2 {
		t.Fatalf("expected 2 held permits, got %d", sem.Held())
	}

	permit2.Release()
	permit4.Release()

	if sem.Keys() != 0 {
		t.Fatalf("expected empty key map, got %d keys", sem.Keys())
	}

	if sem.Held() != 0 {
		t.Fatalf("expected 0 held permits, got %d", sem.Held())
	}
}

func TestNamedSemaphoreDoubleRelease(t *testing.T) {
	sem := NewNamedSemaphore[string](1, 0)

	permit, err := sem.TryAcquire("test")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	permit.Release()
	permit.Release()

	if sem.Held() != 0 {
		t.Fatalf("expected 0 held permits, got %d", sem.Held())
	}
}
