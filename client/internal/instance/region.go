package instance

import (
	"errors"
	"strings"
)

// ErrIPCUnavailable is returned when the shared cell can neither be created nor attached
var ErrIPCUnavailable = errors.New("shared memory unavailable")

// region is the OS-shared one byte cell plus the cross-process lock guarding it
type region interface {
	Lock() error
	Unlock() error
	Load() byte
	Store(b byte)
	Close() error
	// promote tries to take ownership without blocking and reports whether it did
	promote() (bool, error)
}

// sanitizeKey turns a product key into a name usable for files and kernel objects
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + len(namePrefix))
	b.WriteString(namePrefix)
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

const namePrefix = "updatenode-"
