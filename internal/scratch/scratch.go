// Package scratch manages per-attempt scratch directories under a single
// root. Every sandbox execution gets exactly one freshly named directory,
// never reused; its filesystem lifetime is tied 1:1 to the attempt that
// owns it. Release is best-effort and idempotent; cleanup failure is
// logged, never escalated.
package scratch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Names of the well-known files inside a scratch area. The sandbox runner
// reads the script from ScriptName and writes artifacts next to it.
const (
	ScriptName  = "gen.py"
	StepName    = "output.step"
	MeshName    = "output.stl"
	ArchiveName = "render.zip"
)

// Manager allocates scratch areas under a fixed root directory.
type Manager struct {
	Root   string
	logger *slog.Logger

	mu      sync.Mutex
	created bool
}

// NewManager creates a Manager rooted at the given path.
// A leading ~ is resolved to the user's home directory.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scratch root %q: %w", root, err)
	}
	m := &Manager{Root: resolved, logger: logger}
	if err := m.ensureRoot(); err != nil {
		return nil, err
	}
	return m, nil
}

// Area is one exclusively owned scratch directory.
type Area struct {
	ID  uuid.UUID
	Dir string

	logger   *slog.Logger
	released sync.Once
}

// Allocate creates a fresh scratch directory named by a random identifier.
func (m *Manager) Allocate() (*Area, error) {
	if err := m.ensureRoot(); err != nil {
		return nil, err
	}
	id := uuid.New()
	dir := filepath.Join(m.Root, id.String())
	if err := os.Mkdir(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating scratch dir %s: %w", dir, err)
	}
	return &Area{ID: id, Dir: dir, logger: m.logger}, nil
}

// ScriptPath returns the path the untrusted script is written to.
func (a *Area) ScriptPath() string { return filepath.Join(a.Dir, ScriptName) }

// StepPath returns the expected geometry-exchange output path.
func (a *Area) StepPath() string { return filepath.Join(a.Dir, StepName) }

// MeshPath returns the expected mesh output path.
func (a *Area) MeshPath() string { return filepath.Join(a.Dir, MeshName) }

// ArchivePath returns the path the packager assembles a ZIP bundle at.
func (a *Area) ArchivePath() string { return filepath.Join(a.Dir, ArchiveName) }

// WriteScript writes script text into the area.
func (a *Area) WriteScript(script string) error {
	if err := os.WriteFile(a.ScriptPath(), []byte(script), 0o640); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	return nil
}

// Release removes the scratch directory. Idempotent: repeated calls, and
// calls on an already-removed directory, are not errors. Failures are
// logged and swallowed; cleanup is not part of the success contract.
func (a *Area) Release() {
	a.released.Do(func() {
		if err := os.RemoveAll(a.Dir); err != nil {
			a.logger.Warn("scratch cleanup failed",
				slog.String("dir", a.Dir),
				slog.String("error", err.Error()),
			)
			return
		}
		a.logger.Debug("scratch released", slog.String("dir", a.Dir))
	})
}

func (m *Manager) ensureRoot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created {
		return nil
	}
	if err := os.MkdirAll(m.Root, 0o750); err != nil {
		return fmt.Errorf("creating scratch root %s: %w", m.Root, err)
	}
	m.created = true
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}
