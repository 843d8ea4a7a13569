//go:build !windows

// lock.go implements file locking on Unix systems.
//
// Reference: RocksDB v10.7.5
//   - env/env_posix.cc (PosixEnv::LockFile)
//   - env/io_posix.cc
package vfs

import (
	"io"
	"os"
	"syscall"
)

// flock wraps an open file descriptor held under an advisory exclusive
// lock acquired via flock(2).
type flock struct {
	f *os.File
}

// lockFile acquires an exclusive lock on the named file, creating it if
// it doesn't already exist.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &flock{f: f}, nil
}

func (l *flock) Close() error {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
