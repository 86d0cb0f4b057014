package dispatch

import (
	"context"
	"fmt"
	"time"
)

// readyStatus is the plan-step status that makes a step eligible for
// dispatch. A step created with no status defaults to ready; any other
// value (e.g. a step already marked dispatched by a prior partial attempt)
// is skipped rather than re-attempted.
const readyStatus = "ready"

// noneConnector marks a plan step with no connector to dispatch to.
const noneConnector = "none"

// PlanStep is one step of an approval's dispatch plan.
type PlanStep struct {
	StepID    string
	Connector string
	Intent    string
	Plan      any
	Status    string
}

// Executor runs an approval's plan steps against the registry, sequentially,
// attempting every step regardless of earlier failures.
type Executor struct {
	registry *Registry
}

// NewExecutor builds an executor bound to a connector registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Dispatch runs every step in order and returns the per-step results. Every
// step is attempted; a failed step does not stop the loop, since the
// overall outcome is classified only after all steps have run.
func (e *Executor) Dispatch(ctx context.Context, approvalID string, steps []PlanStep, dryRun bool) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		results = append(results, e.dispatchStep(ctx, approvalID, step, dryRun))
	}
	return results
}

// Classify reports whether a dispatch succeeded (no step has status
// "failed"; "skipped" counts as success) and a human-readable summary of
// the form "N dispatched, M failed, K skipped".
func Classify(results []StepResult) (success bool, summary string) {
	var dispatched, failed, skipped int
	for _, r := range results {
		switch r.Status {
		case StepDispatched:
			dispatched++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return failed == 0, fmt.Sprintf("%d dispatched, %d failed, %d skipped", dispatched, failed, skipped)
}

func (e *Executor) dispatchStep(ctx context.Context, approvalID string, step PlanStep, dryRun bool) StepResult {
	now := func() time.Time { return time.Now().UTC() }

	if status := step.Status; status != "" && status != readyStatus {
		return StepResult{
			StepID: step.StepID, Connector: step.Connector, Status: StepSkipped,
			Error: fmt.Sprintf("already %s", status), CompletedAt: now(),
		}
	}
	if step.Connector == noneConnector {
		return StepResult{
			StepID: step.StepID, Connector: step.Connector, Status: StepSkipped,
			Error: "No connector configured", CompletedAt: now(),
		}
	}
	handler, policy, ok := e.registry.Get(step.Connector)
	if !ok {
		return StepResult{
			StepID: step.StepID, Connector: step.Connector, Status: StepSkipped,
			Error: "No dispatcher registered", CompletedAt: now(),
		}
	}

	req := StepRequest{
		ApprovalID: approvalID,
		StepID:     step.StepID,
		Connector:  step.Connector,
		Intent:     step.Intent,
		Plan:       step.Plan,
		DryRun:     dryRun,
	}

	result, err := dispatchWithRetry(ctx, handler, req, policy)
	if err != nil {
		return StepResult{
			StepID: step.StepID, Connector: step.Connector, Status: StepFailed,
			Error: err.Error(), CompletedAt: now(),
		}
	}
	return StepResult{
		StepID: step.StepID, Connector: step.Connector, Status: StepDispatched,
		Result: result, CompletedAt: now(),
	}
}

func dispatchWithRetry(ctx context.Context, h Handler, req StepRequest, policy RetryPolicy) (any, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := h.Dispatch(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(policy.BaseDelay, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("dispatch to %s failed after %d attempts: %w", req.Connector, maxAttempts, lastErr)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
