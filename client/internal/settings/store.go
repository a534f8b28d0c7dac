package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	clienterrors "github.com/updatenode/updatenode/client/errors"
	"github.com/updatenode/updatenode/util"
)

const (
	saveInterval = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// MessageState records how far a message got in front of the user
type MessageState struct {
	Shown  bool      `json:"shown"`
	Loaded bool      `json:"loaded"`
	SeenAt time.Time `json:"seen_at"`
}

type document struct {
	CachedFiles map[string]string       `json:"cached_files"`
	Messages    map[string]MessageState `json:"messages"`
}

func newDocument() document {
	return document{
		CachedFiles: make(map[string]string),
		Messages:    make(map[string]MessageState),
	}
}

// Store persists the artifact cache index (update code -> local file) and the
// seen-state of messages in a JSON file. All methods are safe on a nil *Store.
type Store struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	filePath string
	doc      document
	dirty    bool
}

// New creates a Store backed by filePath. Call Load to read existing content.
func New(filePath string) *Store {
	return &Store{
		filePath: filePath,
		doc:      newDocument(),
	}
}

// Load reads the settings file. A missing file is not an error; a corrupted
// file is moved aside and the store starts empty.
func (s *Store) Load() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := newDocument()
	if err := util.ReadJson(s.filePath, &doc); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Debugf("settings file %s does not exist", s.filePath)
			return nil
		case errors.Is(err, util.ErrMalformedJson):
			s.handleCorruptedFile()
			return fmt.Errorf("unmarshal settings: %w", err)
		default:
			return fmt.Errorf("read settings file: %w", err)
		}
	}
	if doc.CachedFiles == nil {
		doc.CachedFiles = make(map[string]string)
	}
	if doc.Messages == nil {
		doc.Messages = make(map[string]MessageState)
	}

	s.doc = doc
	s.dirty = false
	return nil
}

// handleCorruptedFile creates a backup of a corrupted settings file by moving it
func (s *Store) handleCorruptedFile() {
	log.Warn("settings file appears to be corrupted, attempting to back it up")

	backupPath := fmt.Sprintf("%s.corrupted.%d", s.filePath, time.Now().UnixNano())
	if err := os.Rename(s.filePath, backupPath); err != nil {
		log.Errorf("failed to backup corrupted settings file: %v", err)
		return
	}

	log.Infof("created backup of corrupted settings file at: %s", backupPath)
}

// CachedFile returns the local artifact recorded for an update code.
// An entry whose file is gone is stale: it is dropped and reported as a miss.
func (s *Store) CachedFile(code string) (string, bool) {
	if s == nil {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.doc.CachedFiles[code]
	if !ok || path == "" {
		return "", false
	}

	if !util.FileExists(path) {
		log.Debugf("cached file for %s is gone: %s", code, path)
		delete(s.doc.CachedFiles, code)
		s.dirty = true
		return "", false
	}

	return path, true
}

// SetCachedFile records the local artifact for an update code
func (s *Store) SetCachedFile(code, path string) error {
	if s == nil {
		return nil
	}
	if code == "" {
		return errors.New("empty update code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.CachedFiles[code] = path
	s.dirty = true
	return nil
}

// PurgeCache deletes every cached artifact from disk and clears the index
func (s *Store) PurgeCache() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var merr *multierror.Error
	for code, path := range s.doc.CachedFiles {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			merr = multierror.Append(merr, fmt.Errorf("remove cached file for %s: %w", code, err))
			continue
		}
		delete(s.doc.CachedFiles, code)
	}
	s.dirty = true

	return clienterrors.FormatErrorOrNil(merr)
}

// MarkMessage stores the display state of a message
func (s *Store) MarkMessage(code string, shown, loaded bool) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Messages[code] = MessageState{Shown: shown, Loaded: loaded, SeenAt: time.Now().UTC()}
	s.dirty = true
}

// MessageSeen reports whether a message was both shown and loaded before
func (s *Store) MessageSeen(code string) bool {
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Messages[code]
	return ok && st.Shown && st.Loaded
}

// Start starts the periodic save routine
func (s *Store) Start() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	go s.periodicSave(ctx)
}

// Stop stops the periodic save routine and writes pending changes
func (s *Store) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}

	return s.Persist(ctx)
}

func (s *Store) periodicSave(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				log.Errorf("failed to persist settings: %v", err)
			}
		}
	}
}

// Persist writes the settings file if anything changed since the last save
func (s *Store) Persist(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	start := time.Now()
	if err := util.WriteJson(ctx, s.filePath, s.doc); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	log.Debugf("persisted settings to %s, took %v", s.filePath, time.Since(start))
	s.dirty = false
	return nil
}
