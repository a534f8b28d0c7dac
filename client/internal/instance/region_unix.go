//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const attachTimeout = 2 * time.Second

// fileRegion maps <dir>/<name>.shm shared into the process. Ownership of the
// cell is an exclusive flock on <dir>/<name>.lock held for the lifetime of the
// primary, so the kernel releases it when the process dies.
type fileRegion struct {
	lockPath string
	owner    *os.File
	file     *os.File
	mem      []byte
}

// defaultDir prefers the tmpfs backed /dev/shm when available
func defaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() && unix.Access("/dev/shm", unix.W_OK) == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

func openRegion(dir, key string) (region, Role, error) {
	if dir == "" {
		dir = defaultDir()
	}
	name := sanitizeKey(key)
	lockPath := filepath.Join(dir, name+".lock")
	cellPath := filepath.Join(dir, name+".shm")

	owner, held, err := tryOwn(lockPath)
	if err != nil {
		return nil, 0, err
	}

	if held {
		r, err := createCell(owner, cellPath)
		if err != nil {
			_ = owner.Close()
			return nil, 0, err
		}
		r.lockPath = lockPath
		return r, RolePrimary, nil
	}

	r, err := attachCell(cellPath)
	if err != nil {
		return nil, 0, err
	}
	r.lockPath = lockPath
	return r, RoleSecondary, nil
}

// tryOwn takes the exclusive ownership lock without blocking. The returned
// file is nil when another process holds the lock.
func tryOwn(lockPath string) (*os.File, bool, error) {
	owner, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open %s: %v", ErrIPCUnavailable, lockPath, err)
	}

	err = unix.Flock(int(owner.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		return owner, true, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		_ = owner.Close()
		return nil, false, nil
	default:
		_ = owner.Close()
		return nil, false, fmt.Errorf("%w: lock %s: %v", ErrIPCUnavailable, lockPath, err)
	}
}

// createCell initializes the cell while holding the cell lock, so a secondary
// attaching to a leftover cell either runs before the reset or sees the new owner's state
func createCell(owner *os.File, cellPath string) (*fileRegion, error) {
	f, err := os.OpenFile(cellPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIPCUnavailable, cellPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: lock %s: %v", ErrIPCUnavailable, cellPath, err)
	}
	if err := f.Truncate(1); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: size %s: %v", ErrIPCUnavailable, cellPath, err)
	}

	r, err := mapCell(f)
	if err != nil {
		return nil, err
	}
	r.owner = owner

	r.Store(byte(StateIdle))
	if err := r.Unlock(); err != nil {
		_ = r.Close()
		return nil, err
	}

	return r, nil
}

// attachCell opens the cell created by the primary. The primary takes the
// ownership lock before it creates the cell, so a missing or empty cell is
// retried for a short while.
func attachCell(cellPath string) (*fileRegion, error) {
	var f *os.File
	operation := func() error {
		var err error
		f, err = os.OpenFile(cellPath, os.O_RDWR, 0)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return err
			}
			return backoff.Permanent(err)
		}

		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return backoff.Permanent(err)
		}
		if info.Size() < 1 {
			_ = f.Close()
			return fmt.Errorf("cell %s not initialized yet", cellPath)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = attachTimeout

	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("%w: attach %s: %v", ErrIPCUnavailable, cellPath, err)
	}

	log.Debugf("attached to shared cell %s", cellPath)
	return mapCell(f)
}

func mapCell(f *os.File) (*fileRegion, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, 1, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIPCUnavailable, f.Name(), err)
	}
	return &fileRegion{file: f, mem: mem}, nil
}

func (r *fileRegion) Lock() error {
	if err := unix.Flock(int(r.file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock cell: %w", err)
	}
	return nil
}

func (r *fileRegion) Unlock() error {
	if err := unix.Flock(int(r.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock cell: %w", err)
	}
	return nil
}

func (r *fileRegion) promote() (bool, error) {
	if r.owner != nil {
		return true, nil
	}
	owner, held, err := tryOwn(r.lockPath)
	if err != nil || !held {
		return false, err
	}
	r.owner = owner
	return true, nil
}

func (r *fileRegion) Load() byte {
	return r.mem[0]
}

func (r *fileRegion) Store(b byte) {
	r.mem[0] = b
}

func (r *fileRegion) Close() error {
	var firstErr error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			firstErr = err
		}
		r.mem = nil
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if r.owner != nil {
		// closing the descriptor releases the ownership lock
		if err := r.owner.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.owner = nil
	}
	return firstErr
}
