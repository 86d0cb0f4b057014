package httpapi

import (
	"context"
	"time"

	"github.com/marcus-qen/legator/internal/controlplane/governance/dispatch"
	governancemetrics "github.com/marcus-qen/legator/internal/controlplane/governance/metrics"
)

// dispatchPlanStep is the subset of approval.PlanStep the executor needs.
type dispatchPlanStep struct {
	StepID    string
	Connector string
	Intent    string
	Plan      any
	Status    string
}

// dispatchStepOutcome is the uniform step result shape returned to clients.
type dispatchStepOutcome struct {
	StepID      string    `json:"step_id"`
	Connector   string    `json:"connector"`
	Status      string    `json:"status"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

func (s *Server) runDispatch(ctx context.Context, approvalID string, steps []dispatchPlanStep, dryRun bool) ([]dispatchStepOutcome, bool, string) {
	started := time.Now()
	planSteps := make([]dispatch.PlanStep, 0, len(steps))
	for _, step := range steps {
		planSteps = append(planSteps, dispatch.PlanStep{
			StepID:    step.StepID,
			Connector: step.Connector,
			Intent:    step.Intent,
			Plan:      step.Plan,
			Status:    step.Status,
		})
	}

	results := s.dispatcher.Dispatch(ctx, approvalID, planSteps, dryRun)
	s.metrics.Observe(governancemetrics.ApprovalDispatchLatencySeconds, time.Since(started).Seconds())
	success, summary := dispatch.Classify(results)

	out := make([]dispatchStepOutcome, 0, len(results))
	for _, res := range results {
		out = append(out, dispatchStepOutcome{
			StepID:      res.StepID,
			Connector:   res.Connector,
			Status:      string(res.Status),
			Result:      res.Result,
			Error:       res.Error,
			CompletedAt: res.CompletedAt,
		})
	}
	return out, success, summary
}
