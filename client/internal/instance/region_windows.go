package instance

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mappingRegion is a named one byte file mapping in the session namespace.
// The named mutex doubles as the ownership marker: the kernel object lives
// until the last handle closes, so whoever creates it is the primary.
type mappingRegion struct {
	mutex   windows.Handle
	mapping windows.Handle
	addr    uintptr
	mem     []byte
}

func defaultDir() string {
	return ""
}

func openRegion(_ string, key string) (region, Role, error) {
	name := sanitizeKey(key)

	mutexName, err := windows.UTF16PtrFromString(`Local\` + name + ".lock")
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrIPCUnavailable, err)
	}

	// the creator owns the mutex from the start and initializes the cell
	// before any secondary can take the lock
	runtime.LockOSThread()
	role := RolePrimary
	mutex, err := windows.CreateMutex(nil, true, mutexName)
	switch {
	case err == nil:
	case errors.Is(err, windows.ERROR_ALREADY_EXISTS):
		role = RoleSecondary
		runtime.UnlockOSThread()
	default:
		runtime.UnlockOSThread()
		return nil, 0, fmt.Errorf("%w: create mutex: %v", ErrIPCUnavailable, err)
	}

	fail := func(format string, args ...any) (region, Role, error) {
		if role == RolePrimary {
			_ = windows.ReleaseMutex(mutex)
			runtime.UnlockOSThread()
		}
		_ = windows.CloseHandle(mutex)
		return nil, 0, fmt.Errorf("%w: "+format, append([]any{ErrIPCUnavailable}, args...)...)
	}

	mappingName, err := windows.UTF16PtrFromString(`Local\` + name)
	if err != nil {
		return fail("%v", err)
	}

	// opens the existing mapping when the primary already created it
	mapping, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, 1, mappingName)
	if mapping == 0 {
		return fail("create mapping: %v", err)
	}

	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, 1)
	if err != nil {
		_ = windows.CloseHandle(mapping)
		return fail("map view: %v", err)
	}

	r := &mappingRegion{
		mutex:   mutex,
		mapping: mapping,
		addr:    addr,
		mem:     unsafe.Slice((*byte)(unsafe.Pointer(addr)), 1),
	}

	if role == RolePrimary {
		r.Store(byte(StateIdle))
		if err := r.Unlock(); err != nil {
			_ = r.Close()
			return nil, 0, err
		}
	}

	return r, role, nil
}

// Lock pins the goroutine to its OS thread, mutex ownership is per thread
func (r *mappingRegion) Lock() error {
	runtime.LockOSThread()
	event, err := windows.WaitForSingleObject(r.mutex, windows.INFINITE)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("lock cell: %w", err)
	}
	switch event {
	case windows.WAIT_OBJECT_0, windows.WAIT_ABANDONED:
		return nil
	default:
		runtime.UnlockOSThread()
		return fmt.Errorf("lock cell: unexpected wait result %#x", event)
	}
}

func (r *mappingRegion) Unlock() error {
	defer runtime.UnlockOSThread()
	if err := windows.ReleaseMutex(r.mutex); err != nil {
		return fmt.Errorf("unlock cell: %w", err)
	}
	return nil
}

// promote has nothing to acquire: the named objects live as long as any
// instance holds a handle, so a later start keeps seeing them as taken
func (r *mappingRegion) promote() (bool, error) {
	return true, nil
}

func (r *mappingRegion) Load() byte {
	return r.mem[0]
}

func (r *mappingRegion) Store(b byte) {
	r.mem[0] = b
}

func (r *mappingRegion) Close() error {
	var firstErr error
	if r.addr != 0 {
		if err := windows.UnmapViewOfFile(r.addr); err != nil {
			firstErr = err
		}
		r.addr = 0
		r.mem = nil
	}
	if err := windows.CloseHandle(r.mapping); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := windows.CloseHandle(r.mutex); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
