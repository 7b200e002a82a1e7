package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
)

const maxStepOutput = 8192

// ErrSkip, returned by a step's Run, records the step as skipped and
// continues the pipeline.
var ErrSkip = errors.New("step skipped")

// Step is one capability descriptor in a pipeline: a name, an invoker, and
// its retry/timeout policy. The executor treats the list as data so the
// retry and persistence logic lives in exactly one place.
type Step struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Run         func(ctx context.Context) (string, error)
}

// StepSink persists incremental step status transitions. Deployments and
// rollbacks both implement it over their own records.
type StepSink interface {
	UpdateSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error
}

// StepError reports which step exhausted its attempts.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor runs an ordered step list against a record, persisting every step
// status transition so observers see real progress.
type Executor struct {
	logger *slog.Logger
}

// New constructs an Executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Run executes steps in order. observe, when non-nil, is called after each
// step lands a terminal status. The first step to exhaust its attempts stops
// the pipeline; the remaining steps are recorded as skipped.
func (e *Executor) Run(ctx context.Context, id string, sink StepSink, steps []Step, observe func(domain.DeploymentStep)) error {
	records := make([]domain.DeploymentStep, len(steps))
	for i, s := range steps {
		records[i] = domain.DeploymentStep{Name: s.Name, Status: domain.StepPending}
	}
	if err := sink.UpdateSteps(ctx, id, records); err != nil {
		return fmt.Errorf("initialize steps: %w", err)
	}

	for i, step := range steps {
		now := time.Now().UTC()
		records[i].Status = domain.StepInProgress
		records[i].StartedAt = &now
		if err := sink.UpdateSteps(ctx, id, records[i:i+1]); err != nil {
			return fmt.Errorf("persist step start: %w", err)
		}
		e.logger.Info("step started", "id", id, "step", step.Name)

		output, attempts, err := e.runStep(ctx, step)
		done := time.Now().UTC()
		records[i].Attempts = attempts
		records[i].Output = truncate(output)
		records[i].CompletedAt = &done
		if errors.Is(err, ErrSkip) {
			records[i].Status = domain.StepSkipped
			if persistErr := sink.UpdateSteps(ctx, id, records[i:i+1]); persistErr != nil {
				return fmt.Errorf("persist step skip: %w", persistErr)
			}
			e.logger.Info("step skipped", "id", id, "step", step.Name)
			if observe != nil {
				observe(records[i])
			}
			continue
		}
		if err != nil {
			records[i].Status = domain.StepFailed
			records[i].Error = err.Error()
			for j := i + 1; j < len(records); j++ {
				records[j].Status = domain.StepSkipped
			}
			if persistErr := sink.UpdateSteps(ctx, id, records[i:]); persistErr != nil {
				e.logger.Error("persist step failure", "id", id, "step", step.Name, "error", persistErr)
			}
			stepAttempts.WithLabelValues(step.Name, "failed").Add(float64(attempts))
			e.logger.Error("step failed", "id", id, "step", step.Name, "attempts", attempts, "error", err)
			failed := records[i]
			if observe != nil {
				observe(failed)
			}
			return &StepError{Step: step.Name, Attempts: attempts, Err: err}
		}

		records[i].Status = domain.StepCompleted
		if err := sink.UpdateSteps(ctx, id, records[i:i+1]); err != nil {
			return fmt.Errorf("persist step completion: %w", err)
		}
		stepAttempts.WithLabelValues(step.Name, "completed").Add(float64(attempts))
		e.logger.Info("step completed", "id", id, "step", step.Name, "attempts", attempts)
		if observe != nil {
			observe(records[i])
		}
	}
	return nil
}

// runStep applies the per-step timeout and bounded retry policy. Retries
// never cross step boundaries.
func (e *Executor) runStep(ctx context.Context, step Step) (string, int, error) {
	maxAttempts := step.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := step.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var output string
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		attemptCtx := ctx
		if step.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}
		out, err := step.Run(attemptCtx)
		output = out
		if err != nil {
			if errors.Is(err, ErrSkip) {
				return err
			}
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("timed out after %s: %w", step.Timeout, err)
			}
			// the enclosing context being done means the whole run is over
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	return output, attempts, err
}

func truncate(s string) string {
	if len(s) > maxStepOutput {
		return s[:maxStepOutput]
	}
	return s
}
