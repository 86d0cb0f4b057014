package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/controlplane/audit"
	"github.com/marcus-qen/legator/internal/controlplane/governance/approval"
	"github.com/marcus-qen/legator/internal/controlplane/governance/authz"
	"github.com/marcus-qen/legator/internal/controlplane/governance/chain"
	governancemetrics "github.com/marcus-qen/legator/internal/controlplane/governance/metrics"
)

type executeRequest struct {
	RequestID      string              `json:"requestId"`
	Mode           string              `json:"mode"`
	ActionMode     string              `json:"actionMode"`
	ActionIntent   string              `json:"actionIntent"`
	WorkspaceID    string              `json:"workspaceId"`
	TenantID       string              `json:"tenantId"`
	MunicipalityID string              `json:"municipalityId"`
	PlanSteps      []approval.PlanStep `json:"planSteps"`
	Connectors     []string            `json:"connectors"`
	SchemaVersion  int                 `json:"schemaVersion"`
}

type executeResponse struct {
	Success          bool   `json:"success"`
	ApprovalRequired bool   `json:"approvalRequired,omitempty"`
	ApprovalID       string `json:"approvalId,omitempty"`
	ApprovalStatus   string `json:"approvalStatus,omitempty"`
	Result           any    `json:"result,omitempty"`
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Governor-Operator-Id"); v != "" {
		return v
	}
	return "anonymous"
}

func isAdmin(r *http.Request) bool {
	return r.Header.Get("X-Governor-Role") == "admin"
}

// handleExecute implements POST /api/v1/governance/pj/execute: submits a
// governed action for approval, or runs launch/dry-run actions immediately.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-PuddleJumper-Request") != "true" {
		writeJSONError(w, http.StatusForbidden, "csrf_marker_required", "missing anti-CSRF marker header")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.SchemaVersion == 0 {
		req.SchemaVersion = s.schemaVersion
	}
	operatorID := operatorFromRequest(r)

	if entry, err := s.idempotent.Lookup(operatorID, req.TenantID, req.RequestID, req.SchemaVersion); err != nil {
		writeJSONError(w, http.StatusConflict, "schema_version_mismatch", "request_id reused with a different schema_version")
		return
	} else if entry != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(entry.StatusCode)
		_, _ = w.Write([]byte(entry.ResultJSON))
		return
	}

	permissions, delegations := s.permissionLookup(operatorID)
	connectors := req.Connectors
	if len(connectors) == 0 {
		for _, step := range req.PlanSteps {
			connectors = append(connectors, step.Connector)
		}
	}
	decision := authz.Evaluate(authz.Query{
		OperatorID:  operatorID,
		Permissions: permissions,
		Delegations: delegations,
		Intent:      req.ActionIntent,
		Connectors:  connectors,
		Now:         time.Now().UTC(),
	})
	if !decision.Allowed {
		writeJSONError(w, http.StatusForbidden, "forbidden", "operator is not authorized for this action")
		return
	}

	if req.ActionMode == "launch" || req.Mode == "launch" || req.Mode == "dry-run" {
		dryRun := req.Mode == "dry-run"
		planSteps := make([]dispatchPlanStep, 0, len(req.PlanSteps))
		for _, step := range req.PlanSteps {
			planSteps = append(planSteps, dispatchPlanStep{
				StepID:    step.StepID,
				Connector: step.Connector,
				Intent:    req.ActionIntent,
				Plan:      step.Plan,
				Status:    step.Status,
			})
		}
		s.recordAudit(audit.EventGovernanceDispatchAttempted, operatorID, "dispatch attempted", map[string]any{"requestId": req.RequestID, "dryRun": dryRun})
		results, success, summary := s.runDispatch(r.Context(), req.RequestID, planSteps, dryRun)
		if success {
			s.metrics.Increment(governancemetrics.ApprovalDispatchSuccessTotal, 1)
			s.recordAudit(audit.EventGovernanceDispatchSucceeded, operatorID, "dispatch succeeded", map[string]any{"requestId": req.RequestID})
		} else {
			s.metrics.Increment(governancemetrics.ApprovalDispatchFailureTotal, 1)
			s.recordAudit(audit.EventGovernanceDispatchFailed, operatorID, "dispatch failed", map[string]any{"requestId": req.RequestID})
		}
		resp := executeResponse{
			Success: success,
			Result: map[string]any{
				"dryRun":         dryRun,
				"dispatchResult": results,
				"summary":        summary,
			},
		}
		s.respondAndStore(w, operatorID, req, http.StatusOK, resp)
		return
	}

	planHash := hashPlan(req.PlanSteps)
	rec, err := s.approvals.Create(approval.CreateInput{
		RequestID:      req.RequestID,
		OperatorID:     operatorID,
		WorkspaceID:    req.WorkspaceID,
		TenantID:       req.TenantID,
		MunicipalityID: req.MunicipalityID,
		ActionIntent:   req.ActionIntent,
		ActionMode:     approval.ModeGoverned,
		PlanHash:       planHash,
		PlanSteps:      req.PlanSteps,
		TTL:            approval.DefaultTTL,
	})
	if err != nil {
		if err == approval.ErrDuplicateRequest {
			writeJSONError(w, http.StatusConflict, "duplicate_request", "request_id already submitted")
			return
		}
		internalError(w, err)
		return
	}

	if _, err := s.chains.CreateChainForApproval(rec.ID, chain.DefaultTemplateID); err != nil {
		s.logf(r, "create chain for approval failed", zap.Error(err))
	}

	s.metrics.Increment(governancemetrics.ApprovalsCreatedTotal, 1)
	s.metrics.SetGauge(governancemetrics.ApprovalPendingGauge, float64(mustCountPending(s.approvals)))
	s.recordAudit(audit.EventGovernanceApprovalRequested, operatorID, "approval requested: "+req.ActionIntent, map[string]any{"approvalId": rec.ID, "planHash": planHash})

	resp := executeResponse{
		Success:          true,
		ApprovalRequired: true,
		ApprovalID:       rec.ID,
		ApprovalStatus:   string(approval.StatusPending),
	}
	s.respondAndStore(w, operatorID, req, http.StatusAccepted, resp)
}

func (s *Server) respondAndStore(w http.ResponseWriter, operatorID string, req executeRequest, status int, resp executeResponse) {
	body, _ := json.Marshal(resp)
	if err := s.idempotent.Store(operatorID, req.TenantID, req.RequestID, req.SchemaVersion, resp, status); err != nil && s.logger != nil {
		s.logger.Warn("store idempotency entry failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func hashPlan(steps []approval.PlanStep) string {
	data, _ := json.Marshal(steps)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func mustCountPending(store *approval.Store) int {
	n, err := store.CountPending()
	if err != nil {
		return 0
	}
	return n
}
