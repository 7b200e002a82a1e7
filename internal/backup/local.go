package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalStore keeps timestamped tar.gz archives in a directory on disk, with a
// bounded retention count.
type LocalStore struct {
	dir       string
	retention int
	logger    *slog.Logger
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore ensures the backup directory exists.
func NewLocalStore(dir string, retention int, logger *slog.Logger) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &LocalStore{dir: dir, retention: retention, logger: logger}, nil
}

// Create archives sourceDir and returns the archive file name as reference.
func (s *LocalStore) Create(ctx context.Context, sourceDir string) (string, error) {
	name := archiveName(time.Now())
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	if err := writeArchive(ctx, f, sourceDir); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write backup archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	s.prune()
	return name, nil
}

// Restore unpacks the referenced archive into targetDir.
func (s *LocalStore) Restore(ctx context.Context, ref, targetDir string) error {
	if ref == "" {
		return fmt.Errorf("backup reference cannot be empty")
	}
	// refs are bare archive names; refuse anything path-like
	if ref != filepath.Base(ref) {
		return fmt.Errorf("invalid backup reference: %s", ref)
	}
	f, err := os.Open(filepath.Join(s.dir, ref))
	if err != nil {
		return fmt.Errorf("open backup %s: %w", ref, err)
	}
	defer f.Close()
	return extractArchive(ctx, f, targetDir)
}

// prune removes the oldest archives beyond the retention count.
func (s *LocalStore) prune() {
	if s.retention <= 0 {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tar.gz") {
			archives = append(archives, e.Name())
		}
	}
	if len(archives) <= s.retention {
		return
	}
	// timestamped names sort chronologically
	sort.Strings(archives)
	for _, name := range archives[:len(archives)-s.retention] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && s.logger != nil {
			s.logger.Warn("failed to prune backup", "backup", name, "error", err)
		}
	}
}
