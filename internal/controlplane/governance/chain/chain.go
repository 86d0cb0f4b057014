// Package chain implements durable chain templates and per-approval chain
// step instances: the sequential/parallel review progression materialized
// from a template and attached to one approval.
package chain

import "time"

// StepStatus is the state of one chain step instance.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// DefaultTemplateID names the template that always exists and can never be
// structurally edited or deleted.
const DefaultTemplateID = "default"

// TemplateStep is one row of a chain template.
type TemplateStep struct {
	Order        int    `json:"order"`
	RequiredRole string `json:"required_role"`
	Label        string `json:"label"`
}

// Template is a named, ordered set of review steps.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []TemplateStep `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CreateTemplateInput carries fields needed to create a template.
type CreateTemplateInput struct {
	ID          string
	Name        string
	Description string
	Steps       []TemplateStep
}

// Step is one materialized chain step instance attached to an approval.
type Step struct {
	ID           string     `json:"id"`
	ApprovalID   string     `json:"approval_id"`
	TemplateID   string     `json:"template_id"`
	StepOrder    int        `json:"step_order"`
	RequiredRole string     `json:"required_role"`
	Label        string     `json:"label"`
	Status       StepStatus `json:"status"`
	DeciderID    string     `json:"decider_id,omitempty"`
	DeciderNote  string     `json:"decider_note,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Progress summarizes a chain's current state for the HTTP surface.
type Progress struct {
	TotalSteps    int    `json:"total_steps"`
	CompletedSteps int   `json:"completed_steps"`
	CurrentStep   *Step  `json:"current_step,omitempty"`
	CurrentSteps  []Step `json:"current_steps,omitempty"`
	AllApproved   bool   `json:"all_approved"`
	Rejected      bool   `json:"rejected"`
	TemplateID    string `json:"template_id"`
	TemplateName  string `json:"template_name"`
	Steps         []Step `json:"steps"`
}

// DecideStepInput describes a decision on one active step.
type DecideStepInput struct {
	StepID    string
	DeciderID string
	Status    StepStatus
	Note      string
}

// DecideStepResult is returned by DecideStep.
type DecideStepResult struct {
	Step        Step
	Advanced    bool
	AllApproved bool
	Rejected    bool
}
