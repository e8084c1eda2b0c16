// Package atomicfile replaces a tenant's canonical file so that readers only
// ever see the complete previous content or the complete new content.
//
// A write goes: scratch file, fsync, close, checksum read-back, best-effort
// copy of the current canonical file to the backup, rename of the scratch
// file onto the canonical path, and fsync of the directory. The rename is the only step
// that makes new content visible.
package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/guildstore/internal/storage/layout"
	"github.com/devrev/guildstore/internal/util"
	"go.uber.org/zap"
)

// SpaceChecker refuses writes the filesystem cannot take.
type SpaceChecker interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// Observer receives write outcomes, typically for metrics.
type Observer interface {
	ObserveWrite(duration time.Duration, bytes int)
	ObserveBackupFailure()
}

// Config holds writer configuration
type Config struct {
	FileMode os.FileMode
	// SyncDir fsyncs the parent directory after the rename so the new
	// directory entry survives a power loss.
	SyncDir bool
}

// Writer performs atomic replacement of canonical files
type Writer struct {
	config   Config
	space    SpaceChecker
	observer Observer
	logger   *zap.Logger

	// Overridable for crash simulation in tests.
	rename func(oldpath, newpath string) error
}

// WriteOptions tunes a single write
type WriteOptions struct {
	// SkipBackup leaves the backup file untouched. Used when the current
	// canonical file is known to be corrupt and must not overwrite a good
	// backup.
	SkipBackup bool
}

// Result describes a completed write
type Result struct {
	Bytes         int
	Checksum      uint32
	BackupWritten bool
	Duration      time.Duration
}

// NewWriter creates a writer. space and observer may be nil.
func NewWriter(cfg Config, space SpaceChecker, observer Observer, logger *zap.Logger) *Writer {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}
	return &Writer{
		config:   cfg,
		space:    space,
		observer: observer,
		logger:   logger,
		rename:   os.Rename,
	}
}

// WriteFile durably replaces paths.Canonical with data. On success the
// canonical file holds exactly data and no scratch file remains. On
// failure the canonical file is untouched.
func (w *Writer) WriteFile(paths layout.Paths, data []byte, opts WriteOptions) (*Result, error) {
	start := time.Now()

	if w.space != nil {
		if err := w.space.CheckBeforeWrite(uint64(len(data)) * 2); err != nil {
			return nil, err
		}
	}

	if err := w.writeScratch(paths.Scratch, data); err != nil {
		return nil, err
	}
	checksum := util.ComputeChecksum(data)
	if err := util.VerifyFile(paths.Scratch, checksum); err != nil {
		os.Remove(paths.Scratch)
		return nil, err
	}

	backupWritten := false
	if !opts.SkipBackup {
		var err error
		backupWritten, err = w.copyBackup(paths.Canonical, paths.Backup)
		if err != nil {
			// The write proceeds without a fresh backup.
			w.logger.Warn("Failed to refresh backup, continuing with write",
				zap.String("tenant_id", paths.TenantID),
				zap.String("backup", paths.Backup),
				zap.Error(err))
			if w.observer != nil {
				w.observer.ObserveBackupFailure()
			}
		}
	}

	if err := w.rename(paths.Scratch, paths.Canonical); err != nil {
		os.Remove(paths.Scratch)
		return nil, fmt.Errorf("failed to rename scratch file into place: %w", err)
	}

	if w.config.SyncDir {
		if err := syncDir(filepath.Dir(paths.Canonical)); err != nil {
			// The rename already happened; only durability across power loss is at stake.
			w.logger.Warn("Directory sync failed after rename",
				zap.String("tenant_id", paths.TenantID),
				zap.Error(err))
		}
	}

	duration := time.Since(start)
	if w.observer != nil {
		w.observer.ObserveWrite(duration, len(data))
	}

	return &Result{
		Bytes:         len(data),
		Checksum:      checksum,
		BackupWritten: backupWritten,
		Duration:      duration,
	}, nil
}

// writeScratch writes data to path and forces it to stable storage.
// The scratch file is removed on any failure.
func (w *Writer) writeScratch(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, w.config.FileMode)
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(path)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write scratch file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync scratch file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close scratch file: %w", err)
	}
	return nil
}

// copyBackup copies the current canonical file over the backup. It reports
// false with no error when there is no canonical file yet.
func (w *Writer) copyBackup(canonical, backup string) (bool, error) {
	src, err := os.Open(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer src.Close()

	dst, err := os.OpenFile(backup, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, w.config.FileMode)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return false, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return false, err
	}
	if err := dst.Close(); err != nil {
		return false, err
	}
	return true, nil
}

func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
