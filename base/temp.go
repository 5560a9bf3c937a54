package base

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// TempManager hands out scoped temporary directories under a single root.
// Directory names carry the owning PID so that residue from a crashed
// process can be identified and swept on the next startup.
type TempManager struct {
	root    AbsolutePath
	pid     int
	counter atomic.Uint64
	logger  *slog.Logger

	mu   sync.Mutex
	open map[string]struct{}
}

// TempOption configures a TempManager.
type TempOption func(*TempManager)

// WithTempLogger sets the logger. If not set, logging is disabled.
func WithTempLogger(logger *slog.Logger) TempOption {
	return func(m *TempManager) {
		m.logger = logger
	}
}

// NewTempManager creates the root directory if needed and returns a manager
// scoped to the current process.
func NewTempManager(root AbsolutePath, opts ...TempOption) (*TempManager, error) {
	m := &TempManager{
		root: root,
		pid:  os.Getpid(),
		open: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(root.String(), 0o755); err != nil {
		return nil, fmt.Errorf("temp root: %w", err)
	}
	return m, nil
}

func (m *TempManager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// TempFolder is one scoped temporary directory. Close removes the tree.
type TempFolder struct {
	mgr  *TempManager
	path AbsolutePath
	once sync.Once
}

// Path returns the directory path.
func (t *TempFolder) Path() AbsolutePath { return t.path }

// Close deletes the directory and everything under it. Safe to call more
// than once.
func (t *TempFolder) Close() error {
	var err error
	t.once.Do(func() {
		err = os.RemoveAll(t.path.String())
		t.mgr.mu.Lock()
		delete(t.mgr.open, t.path.Base())
		t.mgr.mu.Unlock()
	})
	return err
}

// NewFolder creates a fresh scoped directory. The tag is advisory and only
// appears in the directory name.
func (m *TempManager) NewFolder(tag string) (*TempFolder, error) {
	name := fmt.Sprintf("%d_%d_%s", m.pid, m.counter.Add(1), sanitizeTag(tag))
	path := m.root.Join(name)
	if err := os.MkdirAll(path.String(), 0o755); err != nil {
		return nil, fmt.Errorf("temp folder: %w", err)
	}
	m.mu.Lock()
	m.open[name] = struct{}{}
	m.mu.Unlock()
	return &TempFolder{mgr: m, path: path}, nil
}

// Sweep deletes leftover directories whose PID prefix does not belong to a
// live process. Called once at startup before any folders are handed out.
func (m *TempManager) Sweep() error {
	entries, err := os.ReadDir(m.root.String())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		pid, ok := parsePIDPrefix(entry.Name())
		if !ok {
			continue
		}
		if pid == m.pid || processAlive(pid) {
			continue
		}
		m.log().Debug("sweeping stale temp dir", "name", entry.Name(), "pid", pid)
		if err := os.RemoveAll(filepath.Join(m.root.String(), entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// parsePIDPrefix extracts the leading PID from a scoped directory name.
func parsePIDPrefix(name string) (int, bool) {
	idx := strings.Index(name, "_")
	if idx <= 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(name[:idx])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether a process with the given PID exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs the existence check without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

func sanitizeTag(tag string) string {
	if tag == "" {
		return "tmp"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, tag)
}
