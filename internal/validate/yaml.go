package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
)

// YAMLValidator walks the configuration tree and parses every YAML document,
// reporting files that do not parse. Empty YAML files are flagged as
// warnings since they are usually forgotten placeholders.
type YAMLValidator struct{}

var _ ConfigValidator = YAMLValidator{}

func (YAMLValidator) Validate(ctx context.Context, dir string) (*domain.ValidationResult, error) {
	result := &domain.ValidationResult{Valid: true}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: empty document", rel))
			return nil
		}
		var doc any
		if parseErr := yaml.Unmarshal(data, &doc); parseErr != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, parseErr))
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walk configuration tree: %w", err)
	}
	return result, nil
}
