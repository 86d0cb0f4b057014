// Package approval implements the durable approval lifecycle engine: the
// compound state machine that governs a governed action from submission
// through decision to at-most-once dispatch.
package approval

import "time"

// Status is a state in the approval lifecycle state machine.
type Status string

const (
	StatusPending        Status = "pending"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusExpired        Status = "expired"
	StatusDispatching    Status = "dispatching"
	StatusDispatched     Status = "dispatched"
	StatusDispatchFailed Status = "dispatch_failed"
)

// ActionMode describes how a submission should be handled.
type ActionMode string

const (
	ModeGoverned ActionMode = "governed"
	ModeLaunch   ActionMode = "launch"
	ModeDryRun   ActionMode = "dry-run"
)

// PlanStep is one connector-bound unit of work inside an approval's plan.
type PlanStep struct {
	StepID      string `json:"step_id"`
	Description string `json:"description"`
	Connector   string `json:"connector"`
	Status      string `json:"status"`
	Plan        any    `json:"plan,omitempty"`
}

// Record is one approval row.
type Record struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	OperatorID     string     `json:"operator_id"`
	WorkspaceID    string     `json:"workspace_id"`
	TenantID       string     `json:"tenant_id"`
	MunicipalityID string     `json:"municipality_id"`
	ActionIntent   string     `json:"action_intent"`
	ActionMode     ActionMode `json:"action_mode"`
	PlanHash       string     `json:"plan_hash"`
	PlanSteps      []PlanStep `json:"plan_steps"`
	AuditRecord    any        `json:"audit_record,omitempty"`
	DecisionResult any        `json:"decision_result,omitempty"`
	ApprovalStatus Status     `json:"approval_status"`
	ApproverID     string     `json:"approver_id,omitempty"`
	ApprovalNote   string     `json:"approval_note,omitempty"`
	DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
	DispatchResult any        `json:"dispatch_result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// CreateInput carries the fields needed to create a new approval record.
type CreateInput struct {
	RequestID      string
	OperatorID     string
	WorkspaceID    string
	TenantID       string
	MunicipalityID string
	ActionIntent   string
	ActionMode     ActionMode
	PlanHash       string
	PlanSteps      []PlanStep
	AuditRecord    any
	TTL            time.Duration
}

// Query filters a listing of approval records.
type Query struct {
	ApprovalStatus Status
	OperatorID     string
	Limit          int
	Offset         int
}

// DecideInput describes an approve/reject decision on an approval.
type DecideInput struct {
	ApprovalID string
	ApproverID string
	Status     Status
	Note       string
}

const DefaultTTL = 24 * time.Hour
