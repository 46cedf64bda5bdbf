package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/toolcall"
	"github.com/loomhq/loom/pkg/models"
)

// destructiveKeywords gate tool names in safe mode.
var destructiveKeywords = []string{
	"delete", "remove", "clear", "drop", "truncate",
	"format", "wipe", "destroy", "purge",
}

// ExecutionContext tunes one plan execution.
type ExecutionContext struct {
	WorkspaceID string

	// Timeout bounds each tool call. Default 30s.
	Timeout time.Duration

	// MaxRetries bounds retries after a step's first attempt. Default 3.
	MaxRetries int

	// EnableReflection lets the model validate results and propose
	// adjustments between attempts.
	EnableReflection bool

	// MaxReflectionIterations bounds reflection-driven retries per step.
	MaxReflectionIterations int

	// SafeMode refuses tools whose names carry destructive keywords.
	SafeMode bool
}

// DefaultExecutionContext mirrors the planner defaults: 30s timeout, 3
// retries, reflection on, safe mode on.
func DefaultExecutionContext() ExecutionContext {
	return ExecutionContext{
		WorkspaceID:             uuid.NewString(),
		Timeout:                 30 * time.Second,
		MaxRetries:              3,
		EnableReflection:        true,
		MaxReflectionIterations: 3,
		SafeMode:                true,
	}
}

// Executor walks a plan in dependency order, invoking tools through the
// tool-call handler with retries and optional reflection.
type Executor struct {
	client  model.Client
	handler *toolcall.Handler
	logger  *slog.Logger
	modelID string

	mu      sync.Mutex
	history []models.ExecutionResult
}

// NewExecutor creates an executor.
func NewExecutor(client model.Client, handler *toolcall.Handler, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:  client,
		handler: handler,
		logger:  logger.With("component", "plan_executor"),
	}
}

// WithModel pins the model used for reflection prompts.
func (e *Executor) WithModel(id string) *Executor {
	e.modelID = id
	return e
}

// ExecutePlan runs every step in sorted order. Steps whose dependencies did
// not complete are skipped. Non-critical failures accumulate; a critical
// failure aborts immediately. The plan ends completed iff no step failed.
func (e *Executor) ExecutePlan(ctx context.Context, plan *models.TaskPlan, execCtx *ExecutionContext) ([]models.ExecutionResult, error) {
	ec := DefaultExecutionContext()
	if execCtx != nil {
		ec = *execCtx
	}
	if ec.Timeout <= 0 {
		ec.Timeout = 30 * time.Second
	}
	if ec.MaxRetries <= 0 {
		ec.MaxRetries = 3
	}

	e.logger.Info("executing plan", "plan", plan.ID, "goal", plan.Goal, "steps", len(plan.Steps))
	plan.Status = models.PlanExecuting
	plan.UpdatedAt = time.Now()

	var results []models.ExecutionResult
	var failed []string

	for i := range plan.Steps {
		if ctx.Err() != nil {
			plan.Status = models.PlanCancelled
			plan.UpdatedAt = time.Now()
			return results, models.WrapError(models.ErrKindCancelled, ctx.Err(), "plan %s", plan.ID)
		}

		if !dependenciesSatisfied(&plan.Steps[i], plan.Steps) {
			e.logger.Warn("skipping step with unmet dependencies", "step", plan.Steps[i].ID)
			plan.Steps[i].Status = models.StepSkipped
			continue
		}

		result, err := e.ExecuteStep(ctx, &plan.Steps[i], &ec)
		if err != nil {
			failed = append(failed, plan.Steps[i].ID)
			if isCriticalFailure(err) {
				plan.Status = models.PlanFailed
				plan.UpdatedAt = time.Now()
				return results, err
			}
			continue
		}
		results = append(results, *result)
	}

	if len(failed) == 0 {
		plan.Status = models.PlanCompleted
		e.logger.Info("plan completed", "plan", plan.ID)
	} else {
		plan.Status = models.PlanFailed
		e.logger.Warn("plan finished with failures", "plan", plan.ID, "failed_steps", failed)
	}
	plan.UpdatedAt = time.Now()
	return results, nil
}

// ExecuteStep runs one step: tool-less steps complete with a synthetic
// result; tool steps retry with linearly growing waits, consulting the
// reflection prompt on both success and failure when enabled.
func (e *Executor) ExecuteStep(ctx context.Context, step *models.TaskStep, ec *ExecutionContext) (*models.ExecutionResult, error) {
	start := time.Now()
	e.logger.Info("executing step", "step", step.ID, "description", step.Description)
	step.Status = models.StepInProgress

	if step.ToolName == "" {
		result := models.ExecutionResult{
			Success:    true,
			Content:    fmt.Sprintf("step %q completed: %s", step.ID, step.Description),
			DurationMs: time.Since(start).Milliseconds(),
		}
		step.Status = models.StepCompleted
		step.Result = result.Content
		step.ActualDurationMs = result.DurationMs
		e.record(result)
		return &result, nil
	}

	reflections := 0
	var lastErr error
	for attempt := 0; attempt <= ec.MaxRetries; attempt++ {
		result, err := e.executeToolCall(ctx, step, ec)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("step succeeded after retry", "step", step.ID, "attempt", attempt)
			}

			if ec.EnableReflection && reflections < ec.MaxReflectionIterations {
				if reflection, rerr := e.reflect(ctx, step, result, nil, ec); rerr == nil && reflection.ShouldRetry {
					reflections++
					e.logger.Warn("reflection requests retry", "step", step.ID, "reason", reflection.Reason)
					applyReflection(step, reflection)
					continue
				} else if rerr != nil {
					e.logger.Warn("reflection failed, keeping result", "step", step.ID, "error", rerr)
				}
			}

			step.Status = models.StepCompleted
			step.Result = result.Content
			step.ActualDurationMs = result.DurationMs
			e.record(*result)
			return result, nil
		}

		lastErr = err
		if attempt < ec.MaxRetries {
			e.logger.Warn("step failed, retrying", "step", step.ID, "attempt", attempt+1, "error", err)
			if ec.EnableReflection && reflections < ec.MaxReflectionIterations {
				if reflection, rerr := e.reflect(ctx, step, nil, err, ec); rerr == nil {
					reflections++
					applyReflection(step, reflection)
				}
			}
			// Linear backoff between attempts.
			wait := time.Duration(attempt+1) * time.Second
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				lastErr = models.WrapError(models.ErrKindCancelled, ctx.Err(), "step %s", step.ID)
				attempt = ec.MaxRetries
			}
		}
	}

	err := lastErr
	if err == nil {
		err = models.NewError(models.ErrKindInternal, "step %q exhausted retries", step.ID)
	}
	result := models.ExecutionResult{
		Success:       false,
		Error:         err.Error(),
		DurationMs:    time.Since(start).Milliseconds(),
		ToolUsed:      step.ToolName,
		ToolArguments: step.ToolArguments,
	}
	step.Status = models.StepFailed
	step.Error = err.Error()
	step.ActualDurationMs = result.DurationMs
	e.record(result)
	return nil, err
}

// executeToolCall performs one attempt through the shared tool handler,
// applying the safety gate first.
func (e *Executor) executeToolCall(ctx context.Context, step *models.TaskStep, ec *ExecutionContext) (*models.ExecutionResult, error) {
	start := time.Now()

	if ec.SafeMode && isDestructiveName(step.ToolName) {
		return nil, models.NewError(models.ErrKindPermission,
			"safe mode refuses destructive operation %q", step.ToolName)
	}

	callCtx, cancel := context.WithTimeout(ctx, ec.Timeout)
	defer cancel()

	req := models.ToolCallRequest{
		ID:        uuid.NewString(),
		ToolName:  step.ToolName,
		Arguments: step.ToolArguments,
		Source:    step.ToolSource,
	}
	resp := e.handler.Execute(callCtx, &req, nil)
	if !resp.Success {
		kind := models.KindOf(fmt.Errorf("%s", resp.Error))
		if kind == models.ErrKindInternal {
			kind = models.ErrKindTransport
		}
		return nil, models.NewError(kind, "tool %q failed: %s", step.ToolName, resp.Error)
	}

	return &models.ExecutionResult{
		Success:       true,
		Content:       resp.Result,
		DurationMs:    time.Since(start).Milliseconds(),
		ToolUsed:      step.ToolName,
		ToolArguments: step.ToolArguments,
	}, nil
}

// reflect asks the model to judge the attempt and propose adjustments.
func (e *Executor) reflect(ctx context.Context, step *models.TaskStep, result *models.ExecutionResult, execErr error, ec *ExecutionContext) (*models.ReflectionResult, error) {
	promptText := buildReflectionPrompt(step, result, execErr)

	callCtx, cancel := context.WithTimeout(ctx, ec.Timeout)
	defer cancel()

	stream, err := e.client.StreamChat(callCtx, &model.ChatRequest{
		Model:    e.modelID,
		Messages: []model.Message{{Role: model.RoleUser, Content: promptText}},
	})
	if err != nil {
		return nil, models.WrapError(models.ErrKindTransport, err, "reflection model call")
	}
	response, err := model.Collect(callCtx, stream)
	if err != nil {
		return nil, models.WrapError(models.ErrKindModelRefusal, err, "reflection model call")
	}

	jsonText, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}
	var reflection models.ReflectionResult
	if err := json.Unmarshal([]byte(jsonText), &reflection); err != nil {
		return nil, models.WrapError(models.ErrKindModelRefusal, err, "parse reflection JSON")
	}
	if reflection.Reason == "" {
		reflection.Reason = "no specific reason"
	}
	if reflection.NextAction == "" {
		reflection.NextAction = "continue"
	}
	return &reflection, nil
}

func buildReflectionPrompt(step *models.TaskStep, result *models.ExecutionResult, execErr error) string {
	var b strings.Builder
	b.WriteString("You are an AI execution reviewer. Analyze this step outcome and suggest improvements.\n\n")
	fmt.Fprintf(&b, "Step:\n- ID: %s\n- Description: %s\n- Tool: %s\n- Arguments: %s\n\n",
		step.ID, step.Description, step.ToolName, string(step.ToolArguments))

	if result != nil {
		content := result.Content
		if len(content) > 200 {
			content = content[:200]
		}
		fmt.Fprintf(&b, "Result:\n- Success: %t\n- Content: %s\n- Duration: %dms\n\n",
			result.Success, content, result.DurationMs)
	}
	if execErr != nil {
		fmt.Fprintf(&b, "Error:\n- %s\n\n", execErr.Error())
	}

	b.WriteString(`Return a JSON reflection with exactly this structure:
{
  "should_retry": false,
  "adjusted_arguments": null,
  "adjusted_tool": null,
  "reason": "analysis",
  "next_action": "suggested next action"
}

Consider:
1. Did the execution reach the step's goal
2. Were the arguments appropriate
3. Was the right tool chosen
4. Whether a retry with adjustments would help

Return ONLY the JSON, no other text.`)
	return b.String()
}

// applyReflection installs the model's adjustments on the step.
func applyReflection(step *models.TaskStep, reflection *models.ReflectionResult) {
	if len(reflection.AdjustedArguments) > 0 && string(reflection.AdjustedArguments) != "null" {
		step.ToolArguments = reflection.AdjustedArguments
	}
	if reflection.AdjustedTool != "" {
		step.ToolName = reflection.AdjustedTool
	}
}

// dependenciesSatisfied reports whether every dependency of step completed.
// Missing dependencies count as unsatisfied.
func dependenciesSatisfied(step *models.TaskStep, all []models.TaskStep) bool {
	for _, depID := range step.Dependencies {
		found := false
		for i := range all {
			if all[i].ID == depID {
				found = true
				if all[i].Status != models.StepCompleted {
					return false
				}
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// isCriticalFailure aborts the whole plan. Cancellation and internal bugs
// are critical; permission, timeout, and transport failures accumulate.
func isCriticalFailure(err error) bool {
	kind := models.KindOf(err)
	return kind == models.ErrKindCancelled || kind == models.ErrKindInternal
}

func isDestructiveName(toolName string) bool {
	name := strings.ToLower(toolName)
	for _, keyword := range destructiveKeywords {
		if strings.Contains(name, keyword) {
			return true
		}
	}
	return false
}

func (e *Executor) record(result models.ExecutionResult) {
	e.mu.Lock()
	e.history = append(e.history, result)
	e.mu.Unlock()
}

// History returns a copy of every recorded execution result.
func (e *Executor) History() []models.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ExecutionResult, len(e.history))
	copy(out, e.history)
	return out
}

// ClearHistory drops the recorded results.
func (e *Executor) ClearHistory() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

// ExecutionStats summarizes the executor's history.
type ExecutionStats struct {
	TotalExecutions      int     `json:"total_executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	SuccessRate          float64 `json:"success_rate"`
	TotalDurationMs      int64   `json:"total_duration_ms"`
	AverageDurationMs    int64   `json:"average_duration_ms"`
}

// Statistics computes counters over the execution history.
func (e *Executor) Statistics() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := ExecutionStats{TotalExecutions: len(e.history)}
	for _, r := range e.history {
		if r.Success {
			stats.SuccessfulExecutions++
		}
		stats.TotalDurationMs += r.DurationMs
	}
	stats.FailedExecutions = stats.TotalExecutions - stats.SuccessfulExecutions
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.SuccessfulExecutions) / float64(stats.TotalExecutions)
		stats.AverageDurationMs = stats.TotalDurationMs / int64(stats.TotalExecutions)
	}
	return stats
}
