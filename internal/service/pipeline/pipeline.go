package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/backup"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/executor"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/validate"
)

// Fixed step names of the deployment pipeline.
const (
	StepClone    = "Clone Repository"
	StepValidate = "Validate Configuration"
	StepBackup   = "Create Backup"
	StepDeploy   = "Deploy Configuration"
	StepVerify   = "Verify"
	StepRestore  = "Restore Backup"
)

// Cloner materializes a repository revision into a directory.
type Cloner interface {
	Clone(ctx context.Context, repository, branch, commitSHA, dest string) error
}

// Workspace provisions per-run working directories.
type Workspace interface {
	Prepare(identifier string) (string, error)
}

// Applier mirrors a source tree onto the deployment target.
type Applier interface {
	Apply(ctx context.Context, srcDir, targetDir string) error
}

// Policy is the retry/timeout envelope applied to each step.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Builder assembles step descriptor lists for deployments and rollbacks.
type Builder struct {
	cloner      Cloner
	workspace   Workspace
	validator   validate.ConfigValidator
	backups     backup.Store
	applier     Applier
	deployments repository.DeploymentRepository

	targetDir     string
	verifyURL     string
	verifyTimeout time.Duration
	policy        Policy
	client        *http.Client
}

// NewBuilder wires pipeline capabilities.
func NewBuilder(
	cloner Cloner,
	workspace Workspace,
	validator validate.ConfigValidator,
	backups backup.Store,
	applier Applier,
	deployments repository.DeploymentRepository,
	targetDir, verifyURL string,
	verifyTimeout time.Duration,
	policy Policy,
) *Builder {
	return &Builder{
		cloner:        cloner,
		workspace:     workspace,
		validator:     validator,
		backups:       backups,
		applier:       applier,
		deployments:   deployments,
		targetDir:     targetDir,
		verifyURL:     verifyURL,
		verifyTimeout: verifyTimeout,
		policy:        policy,
		client:        &http.Client{Timeout: verifyTimeout},
	}
}

// DeploymentSteps returns the fixed pipeline for one deployment: clone ->
// validate -> backup -> deploy -> verify. The backup step must succeed before
// deploy mutates the target; its reference is persisted for rollback.
func (b *Builder) DeploymentSteps(d *domain.Deployment) []executor.Step {
	run := &runState{}
	return []executor.Step{
		b.step(StepClone, func(ctx context.Context) (string, error) {
			dir, err := b.workspace.Prepare(d.ID)
			if err != nil {
				return "", err
			}
			run.dir = dir
			if err := b.cloner.Clone(ctx, d.Repository, d.Branch, d.CommitSHA, dir); err != nil {
				return "", err
			}
			return fmt.Sprintf("checked out %s@%s", d.Repository, revision(d)), nil
		}),
		b.step(StepValidate, func(ctx context.Context) (string, error) {
			result, err := b.validator.Validate(ctx, run.dir)
			// the snapshot is stored even when validation fails
			if result != nil {
				if storeErr := b.deployments.UpdateValidation(ctx, d.ID, result); storeErr != nil {
					return "", storeErr
				}
			}
			if err != nil {
				return "", err
			}
			if !result.Valid {
				return validationOutput(result), fmt.Errorf("configuration invalid: %d error(s)", len(result.Errors))
			}
			return validationOutput(result), nil
		}),
		b.step(StepBackup, func(ctx context.Context) (string, error) {
			ref, err := b.backups.Create(ctx, b.targetDir)
			if err != nil {
				return "", err
			}
			if err := b.deployments.SetBackupRef(ctx, d.ID, ref); err != nil {
				return "", err
			}
			return ref, nil
		}),
		b.step(StepDeploy, func(ctx context.Context) (string, error) {
			if err := b.applier.Apply(ctx, run.dir, b.targetDir); err != nil {
				return "", err
			}
			return "configuration applied to " + b.targetDir, nil
		}),
		b.step(StepVerify, b.verify),
	}
}

// RollbackSteps returns the pipeline restoring a prior deployment's backup.
func (b *Builder) RollbackSteps(backupRef string) []executor.Step {
	return []executor.Step{
		b.step(StepRestore, func(ctx context.Context) (string, error) {
			if err := b.backups.Restore(ctx, backupRef, b.targetDir); err != nil {
				return "", err
			}
			return "restored " + backupRef, nil
		}),
		b.step(StepVerify, b.verify),
	}
}

func (b *Builder) verify(ctx context.Context) (string, error) {
	if b.verifyURL == "" {
		return "no verify endpoint configured", executor.ErrSkip
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.verifyURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("verify endpoint returned %s", resp.Status)
	}
	return fmt.Sprintf("verify endpoint healthy (%s)", resp.Status), nil
}

func (b *Builder) step(name string, run func(ctx context.Context) (string, error)) executor.Step {
	return executor.Step{
		Name:        name,
		Timeout:     b.policy.Timeout,
		MaxAttempts: b.policy.MaxAttempts,
		RetryDelay:  b.policy.RetryDelay,
		Run:         run,
	}
}

// runState carries data between steps of one run.
type runState struct {
	dir string
}

func revision(d *domain.Deployment) string {
	if d.CommitSHA != "" {
		return d.CommitSHA
	}
	return d.Branch
}

func validationOutput(result *domain.ValidationResult) string {
	return fmt.Sprintf("valid=%t errors=%d warnings=%d", result.Valid, len(result.Errors), len(result.Warnings))
}
