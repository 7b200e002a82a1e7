package validate

import (
	"context"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
)

// ConfigValidator checks a candidate configuration tree before deployment.
// Implementations return a result snapshot even when validation fails so the
// outcome can be stored on the deployment; err is reserved for the validator
// itself being unable to run.
type ConfigValidator interface {
	Validate(ctx context.Context, dir string) (*domain.ValidationResult, error)
}

// Chain runs validators in order and merges their results. The chain is
// valid only when every validator reports valid.
type Chain []ConfigValidator

func (c Chain) Validate(ctx context.Context, dir string) (*domain.ValidationResult, error) {
	merged := &domain.ValidationResult{Valid: true}
	for _, v := range c {
		result, err := v.Validate(ctx, dir)
		if err != nil {
			return merged, err
		}
		if !result.Valid {
			merged.Valid = false
		}
		merged.Errors = append(merged.Errors, result.Errors...)
		merged.Warnings = append(merged.Warnings, result.Warnings...)
	}
	return merged, nil
}
