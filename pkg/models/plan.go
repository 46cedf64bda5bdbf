package models

import (
	"encoding/json"
	"time"
)

// StepStatus tracks a plan step through its lifecycle.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// PlanStatus tracks a plan through its lifecycle.
type PlanStatus string

const (
	PlanPlanning  PlanStatus = "planning"
	PlanReady     PlanStatus = "ready"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// TaskStep is a single executable unit in a plan. Dependencies reference
// sibling step ids; the executor guarantees they complete first.
type TaskStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`

	// ToolName is empty for steps that need no tool.
	ToolName      string          `json:"tool_name,omitempty"`
	ToolArguments json.RawMessage `json:"tool_arguments,omitempty"`
	ToolSource    string          `json:"tool_source,omitempty"`

	Dependencies []string `json:"dependencies,omitempty"`

	// Priority ranges 1-10, 10 highest. Ties in topological order break by
	// descending priority.
	Priority int `json:"priority"`

	EstimatedDurationSecs int64 `json:"estimated_duration,omitempty"`

	Status           StepStatus `json:"status"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	ActualDurationMs int64      `json:"actual_duration_ms,omitempty"`
}

// TaskPlan is a validated, topologically sorted list of steps produced by the
// planner.
type TaskPlan struct {
	ID        string            `json:"id"`
	UserQuery string            `json:"user_query"`
	Goal      string            `json:"goal"`
	Steps     []TaskStep        `json:"steps"`
	Status    PlanStatus        `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Step returns a pointer to the step with the given id, or nil.
func (p *TaskPlan) Step(id string) *TaskStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// ExecutionResult is the outcome of running one step.
type ExecutionResult struct {
	Success       bool              `json:"success"`
	Content       string            `json:"content"`
	Error         string            `json:"error,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
	ToolUsed      string            `json:"tool_used,omitempty"`
	ToolArguments json.RawMessage   `json:"tool_arguments,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ReflectionResult is the model's post-execution verdict on a step outcome.
type ReflectionResult struct {
	ShouldRetry       bool            `json:"should_retry"`
	AdjustedArguments json.RawMessage `json:"adjusted_arguments,omitempty"`
	AdjustedTool      string          `json:"adjusted_tool,omitempty"`
	Reason            string          `json:"reason"`
	NextAction        string          `json:"next_action"`
}

// Personalization tunes plan generation for a user.
type Personalization struct {
	MaxSteps                int  `json:"max_steps"`
	MaxToolCalls            int  `json:"max_tool_calls"`
	EnableParallelExecution bool `json:"enable_parallel_execution"`

	// UserSkillLevel ranges 1-10; below 5 gets explanatory hints.
	UserSkillLevel int `json:"user_skill_level"`

	// DetailPreference ranges 1-5.
	DetailPreference int `json:"detail_preference"`

	// RiskTolerance ranges 1-5; below 3 strips destructive tool steps.
	RiskTolerance int `json:"risk_tolerance"`
}

// DefaultPersonalization returns the neutral tuning profile.
func DefaultPersonalization() Personalization {
	return Personalization{
		MaxSteps:                10,
		MaxToolCalls:            20,
		EnableParallelExecution: true,
		UserSkillLevel:          5,
		DetailPreference:        3,
		RiskTolerance:           3,
	}
}
