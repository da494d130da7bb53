package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

const sessionFileName = "session.json"

// FileSessionRegistry implements domain.SessionRegistry using a JSON file.
// It is the fallback when the encrypted registry cannot be opened.
type FileSessionRegistry struct {
	path string
}

// NewFileSessionRegistry creates a registry in dataDir.
func NewFileSessionRegistry(dataDir string) (*FileSessionRegistry, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileSessionRegistry{path: filepath.Join(dataDir, sessionFileName)}, nil
}

// NewFileSessionRegistryWithPath creates a registry at a specific path (for testing).
func NewFileSessionRegistryWithPath(path string) *FileSessionRegistry {
	return &FileSessionRegistry{path: path}
}

// GetRegistryPath returns the registry file path.
func (r *FileSessionRegistry) GetRegistryPath() string {
	return r.path
}

// Register saves the active session, replacing any previous entry.
func (r *FileSessionRegistry) Register(s domain.ActiveSession) error {
	return r.withLock(func() error {
		if s.LastHeartbeat == 0 {
			s.LastHeartbeat = time.Now().Unix()
		}
		return r.atomicWrite(&s)
	})
}

// Get returns the active session or nil if none is registered.
func (r *FileSessionRegistry) Get() (*domain.ActiveSession, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var s domain.ActiveSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateHeartbeat refreshes the liveness timestamp and phase.
func (r *FileSessionRegistry) UpdateHeartbeat(phase domain.SessionPhase) error {
	return r.withLock(func() error {
		s, err := r.Get()
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("no active session registered")
		}
		s.Phase = phase
		s.LastHeartbeat = time.Now().Unix()
		return r.atomicWrite(s)
	})
}

// Clear removes the registry file.
func (r *FileSessionRegistry) Clear() error {
	err := os.Remove(r.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close is a no-op for the file registry.
func (r *FileSessionRegistry) Close() error {
	return nil
}

// withLock serializes writers across processes (a second agent or `status`).
func (r *FileSessionRegistry) withLock(fn func() error) error {
	lockPath := r.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = unlockFile(f) }()

	return fn()
}

// atomicWrite writes the entry atomically (write + rename).
func (r *FileSessionRegistry) atomicWrite(s *domain.ActiveSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileSessionRegistry implements domain.SessionRegistry.
var _ domain.SessionRegistry = (*FileSessionRegistry)(nil)
