package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CachedFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(artifact, []byte("payload"), 0o600))

	path := filepath.Join(dir, "settings.json")
	s := New(path)
	require.NoError(t, s.SetCachedFile("X1", artifact))
	require.NoError(t, s.Persist(context.Background()))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())

	got, ok := reloaded.CachedFile("X1")
	require.True(t, ok)
	assert.Equal(t, artifact, got)
}

func TestStore_StaleEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "settings.json"))
	require.NoError(t, s.SetCachedFile("X1", filepath.Join(dir, "missing.bin")))

	_, ok := s.CachedFile("X1")
	assert.False(t, ok)

	s.mu.Lock()
	_, present := s.doc.CachedFiles["X1"]
	s.mu.Unlock()
	assert.False(t, present, "stale entry should be pruned")
}

func TestStore_SetCachedFileRejectsEmptyCode(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "settings.json"))
	assert.Error(t, s.SetCachedFile("", "/tmp/x"))
}

func TestStore_Messages(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "settings.json"))

	assert.False(t, s.MessageSeen("M1"))
	s.MarkMessage("M1", true, false)
	assert.False(t, s.MessageSeen("M1"))
	s.MarkMessage("M1", true, true)
	assert.True(t, s.MessageSeen("M1"))
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, s.Load())
}

func TestStore_LoadCorruptedFileIsMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := New(path)
	assert.Error(t, s.Load())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	matches, err := filepath.Glob(path + ".corrupted.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStore_PurgeCache(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o600))

	s := New(filepath.Join(dir, "settings.json"))
	require.NoError(t, s.SetCachedFile("A", a))
	require.NoError(t, s.SetCachedFile("B", filepath.Join(dir, "already-gone.bin")))

	require.NoError(t, s.PurgeCache())
	assert.NoFileExists(t, a)
	_, ok := s.CachedFile("A")
	assert.False(t, ok)
}

func TestStore_StartStopPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := New(path)
	s.Start()
	s.MarkMessage("M1", true, true)
	require.NoError(t, s.Stop(context.Background()))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.MessageSeen("M1"))
}

func TestStore_NilReceiver(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Load())
	assert.NoError(t, s.SetCachedFile("X", "y"))
	_, ok := s.CachedFile("X")
	assert.False(t, ok)
	assert.False(t, s.MessageSeen("M"))
	assert.NoError(t, s.Persist(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}
