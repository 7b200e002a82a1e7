package gitops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Syncer applies a checked-out configuration tree onto the deployment target
// directory. Files present in the target but absent from the source are
// removed, so the target mirrors the repository contents exactly.
type Syncer struct {
	preserve []string
}

// NewSyncer builds a Syncer. preserve lists target-relative paths that are
// never deleted even when absent from the source (runtime state, secrets).
func NewSyncer(preserve []string) *Syncer {
	return &Syncer{preserve: preserve}
}

// Apply mirrors srcDir into targetDir. The .git directory is never copied.
func (s *Syncer) Apply(ctx context.Context, srcDir, targetDir string) error {
	if srcDir == "" || targetDir == "" {
		return fmt.Errorf("source and target directories are required")
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	if err := s.copyTree(ctx, srcDir, targetDir); err != nil {
		return err
	}
	return s.pruneTree(ctx, srcDir, targetDir)
}

func (s *Syncer) copyTree(ctx context.Context, srcDir, targetDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		dest := filepath.Join(targetDir, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(path, dest)
	})
}

func (s *Syncer) pruneTree(ctx context.Context, srcDir, targetDir string) error {
	return filepath.WalkDir(targetDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// The entry may have been removed with its parent.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(targetDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if s.preserved(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if _, err := os.Stat(filepath.Join(srcDir, rel)); os.IsNotExist(err) {
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return removeErr
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

func (s *Syncer) preserved(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range s.preserve {
		p = strings.Trim(filepath.ToSlash(p), "/")
		if p == "" {
			continue
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
