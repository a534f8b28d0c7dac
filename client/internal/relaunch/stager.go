package relaunch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	clienterrors "github.com/updatenode/updatenode/client/errors"
	"github.com/updatenode/updatenode/util"
)

const defaultMaxAttempts = 3

var (
	// ErrStagingFailed means the staging directory or the copy could not be created.
	// The caller may fall back to running in place.
	ErrStagingFailed = errors.New("staging failed")
	// ErrStagingCorrupt means the staged copy kept differing from the running executable
	ErrStagingCorrupt = errors.New("staged executable corrupt")
)

// Option configures a Stager
type Option func(*Stager)

// WithTempDir sets the root under which <key>/<executable> is staged
func WithTempDir(dir string) Option {
	return func(s *Stager) {
		s.tempDir = dir
	}
}

// WithExecutable overrides the path of the running executable
func WithExecutable(path string) Option {
	return func(s *Stager) {
		s.executable = path
	}
}

// WithArgs overrides the arguments forwarded to the relaunched process
func WithArgs(args []string) Option {
	return func(s *Stager) {
		s.args = args
	}
}

// WithMaxAttempts bounds how often a mismatching copy is replaced
func WithMaxAttempts(n int) Option {
	return func(s *Stager) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Stager copies the running executable to <temp>/<key>/<name> and relaunches
// the process from there, so the original binary can be replaced by an update.
// Staging is synchronous and not meant to be run concurrently with itself.
type Stager struct {
	tempDir     string
	executable  string
	args        []string
	maxAttempts int

	copyFile func(src, dst string) error
}

// NewStager creates a Stager for the running executable
func NewStager(opts ...Option) (*Stager, error) {
	s := &Stager{
		tempDir:     os.TempDir(),
		maxAttempts: defaultMaxAttempts,
		copyFile:    util.CopyFileContents,
	}
	if len(os.Args) > 1 {
		s.args = append([]string(nil), os.Args[1:]...)
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate running executable: %w", err)
		}
		s.executable = exe
	}
	if resolved, err := filepath.EvalSymlinks(s.executable); err == nil {
		s.executable = resolved
	}

	return s, nil
}

// StagedPath returns <temp>/<key>/<executable name>
func (s *Stager) StagedPath(key string) string {
	return filepath.Join(s.tempDir, key, filepath.Base(s.executable))
}

// IsStaged reports whether the running executable already lives in the staging directory
func (s *Stager) IsStaged(key string) bool {
	return samePath(filepath.Dir(s.StagedPath(key)), filepath.Dir(s.executable))
}

// Stage places a verified copy of the running executable in the staging
// directory. It returns false without doing anything when the process already
// runs from there. A copy whose checksum differs from the source is deleted
// and restaged, at most maxAttempts times before ErrStagingCorrupt.
func (s *Stager) Stage(ctx context.Context, key string) (bool, error) {
	if s.IsStaged(key) {
		log.Debugf("already running from the staging directory, nothing to stage")
		return false, nil
	}

	staged := s.StagedPath(key)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		match, err := s.stageOnce(staged)
		if err != nil {
			return false, err
		}
		if match {
			log.Infof("staged executable verified at %s", staged)
			return true, nil
		}

		log.Warnf("staged executable %s differs from source (attempt %d/%d), restaging", staged, attempt, s.maxAttempts)
		if err := os.Remove(staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: remove mismatching copy: %v", ErrStagingFailed, err)
		}
	}

	return false, fmt.Errorf("%w: checksum mismatch after %d attempts", ErrStagingCorrupt, s.maxAttempts)
}

func (s *Stager) stageOnce(staged string) (bool, error) {
	src, err := checksum(s.executable)
	if err != nil {
		return false, fmt.Errorf("%w: read running executable: %v", ErrStagingFailed, err)
	}

	if !util.FileExists(staged) {
		if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
			return false, fmt.Errorf("%w: create staging directory: %v", ErrStagingFailed, err)
		}
		log.Infof("copying %s to %s", s.executable, staged)
		if err := s.copyFile(s.executable, staged); err != nil {
			return false, fmt.Errorf("%w: copy executable: %v", ErrStagingFailed, err)
		}
		if err := os.Chmod(staged, 0o755); err != nil {
			return false, fmt.Errorf("%w: set permissions: %v", ErrStagingFailed, err)
		}
	}

	dst, err := checksum(staged)
	if err != nil {
		return false, fmt.Errorf("%w: read staged executable: %v", ErrStagingFailed, err)
	}

	log.Debugf("checksums source=%x staged=%x", src, dst)
	return src == dst, nil
}

// Cleanup removes the staging directory of key. It refuses while running from it.
func (s *Stager) Cleanup(key string) error {
	if s.IsStaged(key) {
		return fmt.Errorf("cannot remove staging directory while running from it")
	}

	dir := filepath.Dir(s.StagedPath(key))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	var merr *multierror.Error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", entry.Name(), err))
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", dir, err))
	}

	return clienterrors.FormatErrorOrNil(merr)
}

// checksum is a fast content hash of the whole file
func checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = a
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = b
	}
	return filepath.Clean(ra) == filepath.Clean(rb)
}
