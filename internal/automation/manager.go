//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// metaPrefix starts the metadata line of a script file.
const metaPrefix = "--! "

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// Manager handles loading, saving, and listing automation scripts from disk.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// List returns every parseable script, sorted by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lua" {
			continue
		}
		s, err := m.load(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns a single script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("invalid script id %q: %w", id, ErrScriptNotFound)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(m.path(id))
}

// Save writes a script to disk. A script without an ID gets a unique one
// derived from its name.
func (m *Manager) Save(s *Script) (*Script, error) {
	if s.ID != "" && !validScriptID(s.ID) {
		return nil, fmt.Errorf("invalid script id %q", s.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	}
	s.FilePath = m.path(s.ID)

	if err := os.WriteFile(s.FilePath, []byte(encodeScript(s)), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes a script file by ID.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("invalid script id %q: %w", id, ErrScriptNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("script %s: %w", id, ErrScriptNotFound)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".lua")
}

func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 2; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

func (m *Manager) load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrScriptNotFound)
		}
		return nil, err
	}
	s, err := decodeScript(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	s.ID = strings.TrimSuffix(filepath.Base(path), ".lua")
	s.FilePath = path
	return s, nil
}

// decodeScript splits a file into its metadata line and Lua body. A file
// without a metadata line is a disabled script named after nothing.
func decodeScript(content string) (*Script, error) {
	s := &Script{}
	first, rest, _ := strings.Cut(content, "\n")
	if strings.HasPrefix(first, metaPrefix) {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, metaPrefix)), &s.Meta); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		content = rest
	}
	s.LuaCode = strings.TrimLeft(content, "\n")
	return s, nil
}

func encodeScript(s *Script) string {
	meta, _ := json.Marshal(s.Meta)

	var b strings.Builder
	b.WriteString(metaPrefix)
	b.Write(meta)
	b.WriteString("\n")
	if s.LuaCode != "" {
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
