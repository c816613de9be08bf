package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Manager owns the per-run session directory: logs, config backup, attempt
// working directories, and batch export staging.
type Manager struct {
	id         string
	sessionDir string
	logger     *slog.Logger
}

// NewManager creates a timestamped session directory under outputDir.
func NewManager(outputDir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T15-04-05")
	sessionDir := filepath.Join(outputDir, "session_"+timestamp)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	m := &Manager{
		id:         uuid.New().String(),
		sessionDir: sessionDir,
		logger:     logger,
	}

	logger.Info("Created session directory", "path", sessionDir, "session_id", m.id)
	return m, nil
}

// ID returns the session's unique identifier.
func (m *Manager) ID() string {
	return m.id
}

// Dir returns the session directory path.
func (m *Manager) Dir() string {
	return m.sessionDir
}

// LogPath returns the full path to the session log file.
func (m *Manager) LogPath() string {
	return filepath.Join(m.sessionDir, "session.log")
}

// WorkDir returns the directory under which per-attempt working directories
// are created, making one session's artifacts disjoint from another's.
func (m *Manager) WorkDir() string {
	return filepath.Join(m.sessionDir, "work")
}

// ExportDir returns the directory where batch exports are staged before
// upload.
func (m *Manager) ExportDir() string {
	return filepath.Join(m.sessionDir, "export")
}

// BackupConfig copies the config file into the session directory so a run is
// reproducible from its session alone.
func (m *Manager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := filepath.Join(m.sessionDir, "config.toml.bak")
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	m.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
