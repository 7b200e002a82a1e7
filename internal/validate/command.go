package validate

import (
	"context"
	"os/exec"
	"strings"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
)

const maxCommandOutput = 4096

// CommandValidator shells out to an external validation command (for example
// a home-assistant config check) with the configuration directory as its
// working directory. A non-zero exit marks the configuration invalid, with
// the command output captured as the error detail.
type CommandValidator struct {
	command string
}

var _ ConfigValidator = CommandValidator{}

// NewCommandValidator wraps the given shell command line.
func NewCommandValidator(command string) CommandValidator {
	return CommandValidator{command: command}
}

func (v CommandValidator) Validate(ctx context.Context, dir string) (*domain.ValidationResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", v.command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput]
	}
	if err != nil {
		if ctx.Err() != nil {
			return &domain.ValidationResult{Valid: true}, ctx.Err()
		}
		result := &domain.ValidationResult{Valid: false}
		if text != "" {
			result.Errors = append(result.Errors, text)
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		return result, nil
	}
	result := &domain.ValidationResult{Valid: true}
	if text != "" {
		result.Warnings = append(result.Warnings, text)
	}
	return result, nil
}
