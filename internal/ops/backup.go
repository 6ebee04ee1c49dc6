package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const backupPrefix = "strand-backup-"

// Snapshotter writes a consistent copy of a live database to a file
type Snapshotter interface {
	Snapshot(ctx context.Context, destPath string) error
}

// BackupManager handles database backup operations
type BackupManager struct {
	source Snapshotter
	logger *Logger
	now    func() time.Time
}

// NewBackupManager creates a new backup manager
func NewBackupManager(source Snapshotter, logger *Logger) *BackupManager {
	if logger == nil {
		logger = Discard()
	}
	return &BackupManager{
		source: source,
		logger: logger.WithComponent("backup"),
		now:    time.Now,
	}
}

// BackupPath returns a timestamped backup file name inside dir
func (b *BackupManager) BackupPath(dir string) string {
	return filepath.Join(dir, backupPrefix+b.now().Format("20060102-150405")+".db")
}

// Backup snapshots the database into destPath and returns the backup size.
// An existing file at destPath is never overwritten.
func (b *BackupManager) Backup(ctx context.Context, destPath string) (int64, error) {
	start := b.now()

	if _, err := os.Stat(destPath); err == nil {
		return 0, fmt.Errorf("backup file already exists: %s", destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		b.logger.LogBackupOperation("create directory", destPath, 0, err)
		return 0, fmt.Errorf("failed to create backup directory: %w", err)
	}

	if err := b.source.Snapshot(ctx, destPath); err != nil {
		b.logger.LogBackupOperation("backup", destPath, 0, err)
		return 0, fmt.Errorf("failed to snapshot database: %w", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, err
	}
	b.logger.LogBackupOperation("backup", destPath, info.Size(), nil)
	b.logger.Debug("database backup completed",
		"destination", destPath,
		"duration_ms", time.Since(start).Milliseconds())
	return info.Size(), nil
}

// Restore copies a backup over the database at destPath. The database must
// not be open while restoring.
func (b *BackupManager) Restore(backupPath, destPath string) error {
	if _, err := os.Stat(backupPath); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	size, err := copyFile(backupPath, destPath)
	b.logger.LogBackupOperation("restore", destPath, size, err)
	if err != nil {
		return fmt.Errorf("failed to restore database: %w", err)
	}

	// Stale WAL files would be replayed over the restored data
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(destPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// CleanOldBackups removes backups in dir older than maxAge and returns how
// many were deleted. Files not named like backups are left alone.
func (b *BackupManager) CleanOldBackups(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	cutoff := b.now().Add(-maxAge)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !isBackupFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			b.logger.Warn("failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			b.logger.Warn("failed to delete old backup", "file", path, "error", err)
			continue
		}
		deleted++
	}

	b.logger.Info("old backup cleanup completed", "directory", dir, "deleted", deleted)
	return deleted, nil
}

func copyFile(src, dst string) (int64, error) {
	sourceFile, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	size, err := io.Copy(destFile, sourceFile)
	if err != nil {
		return size, fmt.Errorf("failed to copy file: %w", err)
	}
	if err := destFile.Sync(); err != nil {
		return size, fmt.Errorf("failed to sync file: %w", err)
	}
	return size, nil
}

func isBackupFile(name string) bool {
	return filepath.Ext(name) == ".db" && strings.HasPrefix(name, backupPrefix)
}
