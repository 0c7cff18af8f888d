// Package lock provides per-key in-process mutexes and the daemon's
// single-instance file lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MutexMap hands out one mutex per key, created on first use.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string) { m.get(key).Lock() }
func (m *MutexMap) Unlock(key string) { m.get(key).Unlock() }

// WithLock runs fn while holding the mutex for key.
func (m *MutexMap) WithLock(key string, fn func() error) error {
	mu := m.get(key)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (m *MutexMap) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an exclusive advisory flock on a PID file.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock takes the lock without blocking and records the current PID in the
// file.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	fd := int(f.Fd())

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("acquire %s: %w", fl.path, ErrLocked)
		}
		return fmt.Errorf("acquire %s: %w", fl.path, err)
	}

	fail := func(step string, err error) error {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write PID to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	fl.file = f
	return nil
}

// Unlock releases the lock and removes the file. It is a no-op when the lock
// is not held.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}
	_ = os.Remove(fl.path)
	fl.file = nil
	return nil
}

// Holder returns the PID recorded in a lock file, or 0 if none is readable.
func Holder(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return pid
}
