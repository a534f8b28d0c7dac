//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package instance

import (
	"fmt"
	"runtime"
)

func defaultDir() string {
	return ""
}

func openRegion(_ string, _ string) (region, Role, error) {
	return nil, 0, fmt.Errorf("%w: not supported on %s", ErrIPCUnavailable, runtime.GOOS)
}
