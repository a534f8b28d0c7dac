package relaunch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

// ParentPIDEnv carries the pid of the process that relaunched us
const ParentPIDEnv = "UPDATENODE_PARENT_PID"

const parentPollInterval = 500 * time.Millisecond

// Relaunch starts the staged copy detached with the original arguments. The
// caller is expected to exit afterwards. It returns false when no staged copy exists.
func (s *Stager) Relaunch(key string) (bool, error) {
	staged := s.StagedPath(key)
	if s.IsStaged(key) {
		return false, fmt.Errorf("already running from %s", staged)
	}
	if _, err := os.Stat(staged); err != nil {
		log.Warnf("no staged executable at %s: %v", staged, err)
		return false, nil
	}

	cmd := exec.Command(staged, s.args...)
	cmd.Env = append(os.Environ(), ParentPIDEnv+"="+strconv.Itoa(os.Getpid()))
	setDetachedProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start staged executable: %w", err)
	}

	log.Infof("relaunched from %s with pid %d", staged, cmd.Process.Pid)
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release relaunched process: %v", err)
	}
	return true, nil
}

// IsRelaunched reports whether this process was started by Relaunch
func IsRelaunched() bool {
	_, ok := parentPID()
	return ok
}

func parentPID() (int32, bool) {
	raw, ok := os.LookupEnv(ParentPIDEnv)
	if !ok {
		return 0, false
	}
	pid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return int32(pid), true
}

// WaitParentExit blocks until the process that relaunched us is gone, so the
// original executable is no longer locked. It returns immediately when this
// process was not relaunched.
func WaitParentExit(ctx context.Context) error {
	pid, ok := parentPID()
	if !ok {
		return nil
	}

	ticker := time.NewTicker(parentPollInterval)
	defer ticker.Stop()

	for {
		alive, err := parentAlive(ctx, pid)
		if err != nil {
			return fmt.Errorf("check parent process %d: %w", pid, err)
		}
		if !alive {
			log.Debugf("parent process %d exited", pid)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// parentAlive treats a recycled pid owned by another user as gone
func parentAlive(ctx context.Context, pid int32) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !exists {
		return false, err
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false, nil
	}
	return isProcessOwnedByCurrentUser(p), nil
}
