package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("config")
)

// DefaultBackupCount is how many previous versions Save keeps.
const DefaultBackupCount = 5

const backupDirName = ".devfs-backups"

// Load reads, defaults and validates the configuration at path. Unknown
// keys are rejected so typos do not silently drop a device.
func Load(path string) (*Config, error) {
	logger.Debug("Loading configuration from: %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config file %s is empty", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	// Relative image and root paths are relative to the config file.
	base := filepath.Dir(path)
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Image != "" && !filepath.IsAbs(d.Image) {
			d.Image = filepath.Join(base, d.Image)
		}
		if d.Root != "" && !filepath.IsAbs(d.Root) {
			d.Root = filepath.Join(base, d.Root)
		}
	}

	logger.Info("Configuration loaded: %d devices", len(cfg.Devices))
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("No config at %s, using defaults", path)
		return Default(), nil
	}
	return cfg, err
}

// Save validates cfg and writes it to path. An existing file is first
// copied into a backup directory next to it; only the newest
// DefaultBackupCount backups are kept.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	if err := createBackup(path); err != nil {
		logger.Warn("Failed to create backup: %v", err)
	}

	tmp, err := os.CreateTemp(dir, ".devfs-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}

	logger.Debug("Configuration saved to %s (%d bytes)", path, len(data))
	return nil
}

func backupDir(path string) string {
	return filepath.Join(filepath.Dir(path), backupDirName)
}

// createBackup copies the current file at path into the backup directory.
func createBackup(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	dir := backupDir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	stamp := time.Now().Format("20060102-150405.000000000")
	backupPath := filepath.Join(dir, fmt.Sprintf("%s-%s", filepath.Base(path), stamp))

	logger.Debug("Creating backup: %s", backupPath)
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return cleanupOldBackups(path, DefaultBackupCount)
}

// cleanupOldBackups removes old backup files, keeping only the most recent ones
func cleanupOldBackups(path string, keep int) error {
	backups, err := Backups(path)
	if err != nil {
		return err
	}
	for i := keep; i < len(backups); i++ {
		logger.Debug("Removing old backup: %s", backups[i])
		if err := os.Remove(backups[i]); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", backups[i], err)
		}
	}
	return nil
}

// Backups lists the backups of the file at path, newest first.
func Backups(path string) ([]string, error) {
	dir := backupDir(path)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := filepath.Base(path) + "-"
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	// The timestamp suffix sorts chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}
