package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marcus-qen/legator/internal/controlplane/audit"
	"github.com/marcus-qen/legator/internal/controlplane/governance/approval"
	"github.com/marcus-qen/legator/internal/controlplane/governance/chain"
	governancemetrics "github.com/marcus-qen/legator/internal/controlplane/governance/metrics"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := approval.Query{
		ApprovalStatus: approval.Status(q.Get("status")),
		Limit:          atoiOr(q.Get("limit"), 50),
		Offset:         atoiOr(q.Get("offset"), 0),
	}
	if !isAdmin(r) {
		query.OperatorID = operatorFromRequest(r)
	}

	records, err := s.approvals.Query(query)
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"approvals": records}})
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.approvals.CountPending()
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"pendingCount": n}})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.approvals.FindByID(id)
	if err != nil {
		internalError(w, err)
		return
	}
	if rec == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "approval not found")
		return
	}
	if !isAdmin(r) && rec.OperatorID != operatorFromRequest(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "approval belongs to a different operator")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

type decideRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
	StepID string `json:"stepId"`
}

// handleDecide implements POST /approvals/:id/decide, routing through the
// chain engine when the approval has one, falling back to a direct
// approval-store decision for legacy chainless approvals.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-PuddleJumper-Request") != "true" {
		writeJSONError(w, http.StatusForbidden, "csrf_marker_required", "missing anti-CSRF marker header")
		return
	}
	id := r.PathValue("id")
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Status != string(approval.StatusApproved) && req.Status != string(approval.StatusRejected) {
		writeJSONError(w, http.StatusBadRequest, "invalid_status", "status must be approved or rejected")
		return
	}

	rec, err := s.approvals.FindByID(id)
	if err != nil {
		internalError(w, err)
		return
	}
	if rec == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "approval not found")
		return
	}

	deciderID := operatorFromRequest(r)
	steps, err := s.chains.GetStepsForApproval(id)
	if err != nil {
		internalError(w, err)
		return
	}

	if len(steps) == 0 {
		s.decideDirect(w, id, deciderID, req)
		return
	}

	stepID := req.StepID
	if stepID == "" {
		active, err := s.chains.GetActiveStep(id)
		if err != nil {
			internalError(w, err)
			return
		}
		if active == nil {
			writeJSONError(w, http.StatusConflict, "not_pending", "no active chain step to decide")
			return
		}
		stepID = active.ID
	} else if !stepBelongsToApproval(steps, stepID) {
		writeJSONError(w, http.StatusBadRequest, "step_mismatch", "stepId does not belong to this approval")
		return
	}

	result, err := s.chains.DecideStep(chain.DecideStepInput{
		StepID:    stepID,
		DeciderID: deciderID,
		Status:    chain.StepStatus(req.Status),
		Note:      req.Note,
	})
	if err != nil {
		internalError(w, err)
		return
	}
	if result == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "chain step not found or not active")
		return
	}

	s.metrics.Increment(governancemetrics.ApprovalChainStepDecidedTotal, 1)
	s.recordAudit(audit.EventGovernanceChainStepDecided, deciderID, "chain step decided: "+req.Status, map[string]any{"approvalId": id, "stepId": stepID})

	switch {
	case result.Rejected:
		if _, err := s.approvals.Decide(approval.DecideInput{ApprovalID: id, ApproverID: deciderID, Status: approval.StatusRejected, Note: req.Note}); err != nil {
			internalError(w, err)
			return
		}
		s.metrics.Increment(governancemetrics.ApprovalsRejectedTotal, 1)
		s.metrics.Increment(governancemetrics.ApprovalChainRejectedTotal, 1)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"approval_status": string(approval.StatusRejected)}})
	case result.AllApproved:
		if _, err := s.approvals.Decide(approval.DecideInput{ApprovalID: id, ApproverID: deciderID, Status: approval.StatusApproved, Note: req.Note}); err != nil {
			internalError(w, err)
			return
		}
		s.metrics.Increment(governancemetrics.ApprovalsApprovedTotal, 1)
		s.metrics.Increment(governancemetrics.ApprovalChainCompletedTotal, 1)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"approval_status": string(approval.StatusApproved)}})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"approval_status": string(approval.StatusPending), "chainAdvanced": result.Advanced}})
	}
}

func (s *Server) decideDirect(w http.ResponseWriter, id, deciderID string, req decideRequest) {
	rec, err := s.approvals.Decide(approval.DecideInput{
		ApprovalID: id,
		ApproverID: deciderID,
		Status:     approval.Status(req.Status),
		Note:       req.Note,
	})
	if err != nil {
		internalError(w, err)
		return
	}
	if rec == nil {
		writeJSONError(w, http.StatusConflict, "not_pending", "approval is not pending or was already decided")
		return
	}
	if rec.ApprovalStatus == approval.StatusApproved {
		s.metrics.Increment(governancemetrics.ApprovalsApprovedTotal, 1)
	} else {
		s.metrics.Increment(governancemetrics.ApprovalsRejectedTotal, 1)
	}
	s.metrics.Observe(governancemetrics.ApprovalTimeSeconds, requestDuration(rec.CreatedAt))
	s.recordAudit(audit.EventGovernanceApprovalDecided, deciderID, "approval decided: "+string(rec.ApprovalStatus), map[string]any{"approvalId": id})
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"approval_status": string(rec.ApprovalStatus)}})
}

func stepBelongsToApproval(steps []chain.Step, stepID string) bool {
	for _, st := range steps {
		if st.ID == stepID {
			return true
		}
	}
	return false
}

type dispatchRequest struct {
	DryRun bool `json:"dryRun"`
}

// handleDispatch implements POST /approvals/:id/dispatch.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req dispatchRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.approvals.ConsumeForDispatch(id)
	if err != nil {
		internalError(w, err)
		return
	}
	if rec == nil {
		s.metrics.Increment(governancemetrics.ApprovalConsumeCASConflictTotal, 1)
		current, _ := s.approvals.FindByID(id)
		reason := "not approved"
		if current != nil {
			reason = dispatchConflictReason(current.ApprovalStatus)
		}
		writeJSONError(w, http.StatusConflict, "dispatch_conflict", reason)
		return
	}
	s.metrics.Increment(governancemetrics.ApprovalConsumeCASSuccessTotal, 1)

	var planSteps []dispatchPlanStep
	for _, step := range rec.PlanSteps {
		planSteps = append(planSteps, dispatchPlanStep{StepID: step.StepID, Connector: step.Connector, Intent: rec.ActionIntent, Plan: step.Plan, Status: step.Status})
	}
	s.recordAudit(audit.EventGovernanceDispatchAttempted, operatorFromRequest(r), "dispatch attempted", map[string]any{"approvalId": rec.ID, "dryRun": req.DryRun})
	results, success, summary := s.runDispatch(r.Context(), rec.ID, planSteps, req.DryRun)

	if success {
		if _, err := s.approvals.MarkDispatched(rec.ID, results); err != nil {
			internalError(w, err)
			return
		}
		s.metrics.Increment(governancemetrics.ApprovalDispatchSuccessTotal, 1)
		s.recordAudit(audit.EventGovernanceDispatchSucceeded, operatorFromRequest(r), "dispatch succeeded", map[string]any{"approvalId": rec.ID})
	} else {
		if _, err := s.approvals.MarkDispatchFailed(rec.ID, results); err != nil {
			internalError(w, err)
			return
		}
		s.metrics.Increment(governancemetrics.ApprovalDispatchFailureTotal, 1)
		s.recordAudit(audit.EventGovernanceDispatchFailed, operatorFromRequest(r), "dispatch failed", map[string]any{"approvalId": rec.ID})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": success,
		"data": map[string]any{
			"approvalStatus": dispatchTerminalStatus(success),
			"dispatchResult": results,
			"summary":        summary,
		},
	})
}

func dispatchConflictReason(status approval.Status) string {
	switch status {
	case approval.StatusRejected:
		return "already rejected"
	case approval.StatusDispatched, approval.StatusDispatchFailed:
		return "already dispatched"
	case approval.StatusDispatching:
		return "dispatch already in progress"
	default:
		return "not approved"
	}
}

func dispatchTerminalStatus(success bool) string {
	if success {
		return string(approval.StatusDispatched)
	}
	return string(approval.StatusDispatchFailed)
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	progress, err := s.chains.GetChainProgress(id)
	if err != nil {
		internalError(w, err)
		return
	}
	if progress == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no chain exists for this approval")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": progress})
}
