package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/updatenode/updatenode/version"
)

// maxManifestSize bounds the manifest payload accepted from disk or network
const maxManifestSize = 4 << 20

var errEmptyManifest = errors.New("empty manifest")

// SeenChecker reports whether a message has already been shown to the user
type SeenChecker interface {
	MessageSeen(code string) bool
}

// Decode parses a manifest document. JSON documents are accepted as well since YAML is a superset.
func Decode(data []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyManifest
	}
	if len(data) > maxManifestSize {
		return nil, fmt.Errorf("manifest too large: %d bytes", len(data))
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	for i, u := range m.Updates {
		if u.Code == "" {
			return nil, fmt.Errorf("update #%d: missing code", i)
		}
	}

	return &m, nil
}

// ReadFile reads and decodes a manifest stored on the local filesystem
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Decode(data)
}

// IsRemote reports whether source names an http(s) location rather than a local file
func IsRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// PendingUpdates returns the updates newer than current, oldest first.
// An empty current version treats every update as pending.
func (m *Manifest) PendingUpdates(current string) []Update {
	var pending []Update
	for _, u := range m.Updates {
		if current == "" || version.Compare(u.Version, current) > 0 {
			pending = append(pending, u)
		}
	}
	version.SortAscending(pending)
	return pending
}

// PendingMessages returns the messages not yet seen. When in-app messages are
// pending, messages meant for the external browser are held back for a later run.
func (m *Manifest) PendingMessages(seen SeenChecker) []Message {
	var inApp, external []Message
	for _, msg := range m.Messages {
		if seen != nil && seen.MessageSeen(msg.Code) {
			continue
		}
		if msg.OpenExternal {
			external = append(external, msg)
			continue
		}
		inApp = append(inApp, msg)
	}

	if len(inApp) > 0 {
		return inApp
	}
	return external
}
