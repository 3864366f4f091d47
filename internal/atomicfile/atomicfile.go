// Package atomicfile persists a single JSON document with the
// write-temp, backup-existing, rename-into-place pattern. A reader of
// the canonical path never observes a torn file: rename is the only
// mutation of that path, and a corrupt primary is recovered from the
// sibling .bak.
package atomicfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxTries = 3
	retryBaseDelay  = 50 * time.Millisecond
	retryMaxDelay   = 2 * time.Second
)

// BackupSuffix is appended to the primary path for the backup file.
const BackupSuffix = ".bak"

// Manager guards one canonical file path.
type Manager struct {
	path     string
	bakPath  string
	maxTries uint
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxTries overrides the retry budget for each failing write step.
func WithMaxTries(n uint) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxTries = n
		}
	}
}

// WithLogger attaches a logger; defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager for the given primary path. The parent
// directory is created on first write.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:     path,
		bakPath:  path + BackupSuffix,
		maxTries: defaultMaxTries,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the canonical file path.
func (m *Manager) Path() string { return m.path }

// BackupPath returns the backup file path.
func (m *Manager) BackupPath() string { return m.bakPath }

// Write serializes data and installs it at the canonical path. The
// previous primary survives as the backup. On failure after retries the
// primary is restored from the backup and the error is returned.
func (m *Manager) Write(ctx context.Context, data any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(m.path), err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.install(raw)
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(m.maxTries),
	)
	if err != nil {
		m.restoreFromBackup()
		return fmt.Errorf("write %s: %w", filepath.Base(m.path), err)
	}
	return nil
}

// install performs one attempt of the temp/backup/rename sequence.
func (m *Manager) install(raw []byte) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Preserve the current primary before replacing it.
	if _, err := os.Stat(m.path); err == nil {
		if err := os.Rename(m.path, m.bakPath); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return os.Rename(tmpName, m.path)
}

// Read deserializes the primary into out. A missing primary is not an
// error: found is false and out is untouched. A corrupt primary is
// recovered from the backup, which is restored to the canonical path.
func (m *Manager) Read(ctx context.Context, out any) (found bool, err error) {
	raw, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return m.readBackup(out, false)
	case err != nil:
		return false, fmt.Errorf("read %s: %w", filepath.Base(m.path), err)
	}

	if jsonErr := json.Unmarshal(raw, out); jsonErr != nil {
		m.logger.Warn("primary file corrupt, attempting backup recovery",
			"path", m.path, "error", jsonErr)
		return m.readBackup(out, true)
	}
	return true, nil
}

// readBackup loads the backup file into out. When restore is set the
// backup bytes are also reinstalled at the canonical path.
func (m *Manager) readBackup(out any, restore bool) (bool, error) {
	raw, err := os.ReadFile(m.bakPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read backup %s: %w", filepath.Base(m.bakPath), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("backup %s corrupt: %w", filepath.Base(m.bakPath), err)
	}
	if restore {
		if err := m.restoreBytes(raw); err != nil {
			m.logger.Warn("failed to restore primary from backup", "path", m.path, "error", err)
		} else {
			m.logger.Info("recovered primary from backup", "path", m.path)
		}
	}
	return true, nil
}

// restoreBytes writes raw back to the canonical path through a temp
// file so the recovery itself stays atomic.
func (m *Manager) restoreBytes(raw []byte) error {
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, m.path)
}

// restoreFromBackup puts the backup back at the canonical path after a
// failed write, when a backup exists and the primary is gone.
func (m *Manager) restoreFromBackup() {
	if _, err := os.Stat(m.path); err == nil {
		return
	}
	if _, err := os.Stat(m.bakPath); err != nil {
		return
	}
	if err := os.Rename(m.bakPath, m.path); err != nil {
		m.logger.Warn("failed to restore primary after write failure",
			"path", m.path, "error", err)
	}
}

func (m *Manager) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	bo.MaxInterval = retryMaxDelay
	return bo
}
