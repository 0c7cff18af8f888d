package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestMutexMap_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("results.yaml")
	go func() {
		m.Lock("last_run.yaml")
		m.Unlock("last_run.yaml")
		close(done)
	}()
	<-done
	m.Unlock("results.yaml")
}

func TestMutexMap_WithLockSerialises(t *testing.T) {
	m := NewMutexMap()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock("shared", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestMutexMap_WithLockReturnsError(t *testing.T) {
	m := NewMutexMap()
	want := errors.New("boom")
	if err := m.WithLock("k", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("WithLock error = %v, want %v", err, want)
	}
	// lock released after an error
	m.Lock("k")
	m.Unlock("k")
}

func TestFileLock_TryLockWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	fl := NewFileLock(path)

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if got := Holder(path); got != os.Getpid() {
		t.Errorf("Holder = %d, want %d", got, os.Getpid())
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file not removed on unlock")
	}
	if got := Holder(path); got != 0 {
		t.Errorf("Holder after unlock = %d, want 0", got)
	}
}

func TestFileLock_SecondLockFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	first := NewFileLock(path)
	if err := first.TryLock(); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	defer func() { _ = first.Unlock() }()

	second := NewFileLock(path)
	err := second.TryLock()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryLock error = %v, want ErrLocked", err)
	}
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "daemon.lock"))
	if err := fl.Unlock(); err != nil {
		t.Errorf("Unlock without lock: %v", err)
	}
}
