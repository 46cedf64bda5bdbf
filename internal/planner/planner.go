// Package planner asks the model for a dependency-ordered task plan and
// executes it step by step.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/pkg/models"
)

// RetryConfig paces plan-generation retries.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryConfig retries up to 3 times with exponential backoff from 1s
// capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Second,
	}
}

// toolInfo is one enumerated tool offered to the planning prompt.
type toolInfo struct {
	Name        string
	Description string
	Kind        models.ToolKind
	Source      string
}

// Planner generates task plans by prompting the model for strict JSON and
// validating the result.
type Planner struct {
	client   model.Client
	registry *registry.Registry
	pool     *mcp.Pool
	logger   *slog.Logger

	retry   RetryConfig
	timeout time.Duration
	modelID string
}

// NewPlanner creates a planner. registry is the preferred tool source; pool
// is the fallback enumeration when the registry is empty or nil.
func NewPlanner(client model.Client, reg *registry.Registry, pool *mcp.Pool, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		client:   client,
		registry: reg,
		pool:     pool,
		logger:   logger.With("component", "planner"),
		retry:    DefaultRetryConfig(),
		timeout:  60 * time.Second,
	}
}

// WithTimeout overrides the per-generation timeout.
func (p *Planner) WithTimeout(d time.Duration) *Planner {
	p.timeout = d
	return p
}

// WithRetryConfig overrides the retry pacing.
func (p *Planner) WithRetryConfig(cfg RetryConfig) *Planner {
	p.retry = cfg
	return p
}

// WithModel pins the model used for planning.
func (p *Planner) WithModel(id string) *Planner {
	p.modelID = id
	return p
}

// CreatePlan generates, validates, personalizes, and topologically sorts a
// plan for the user question.
func (p *Planner) CreatePlan(ctx context.Context, userQuestion string, personalization *models.Personalization) (*models.TaskPlan, error) {
	start := time.Now()
	p.logger.Info("creating task plan", "question_len", len(userQuestion))

	pers := models.DefaultPersonalization()
	if personalization != nil {
		pers = *personalization
	}

	tools := p.availableTools()
	p.logger.Info("enumerated tools for planning", "count", len(tools))

	plan, err := p.generateWithRetry(ctx, userQuestion, tools, &pers)
	if err != nil {
		return nil, err
	}

	p.applyPersonalization(plan, &pers)

	if err := p.validateDependencies(plan); err != nil {
		return nil, err
	}
	sortSteps(plan)

	plan.Status = models.PlanReady
	plan.UpdatedAt = time.Now()
	p.logger.Info("task plan ready",
		"plan", plan.ID, "steps", len(plan.Steps), "elapsed_ms", time.Since(start).Milliseconds())
	return plan, nil
}

// availableTools prefers the registry and falls back to iterating the pool's
// connected servers.
func (p *Planner) availableTools() []toolInfo {
	var tools []toolInfo
	if p.registry != nil {
		for _, tool := range p.registry.Available() {
			tools = append(tools, toolInfo{
				Name:        tool.Descriptor.Name,
				Description: tool.Descriptor.Description,
				Kind:        tool.Kind,
				Source:      tool.Source,
			})
		}
	}
	if len(tools) == 0 && p.pool != nil {
		for serverID, descs := range p.pool.AllTools() {
			for _, desc := range descs {
				tools = append(tools, toolInfo{
					Name:        desc.Name,
					Description: desc.Description,
					Kind:        models.ToolKindMCP,
					Source:      serverID,
				})
			}
		}
	}
	return tools
}

// generateWithRetry calls the model with exponential backoff until a plan
// parses and validates against the enumerated tools.
func (p *Planner) generateWithRetry(ctx context.Context, question string, tools []toolInfo, pers *models.Personalization) (*models.TaskPlan, error) {
	var lastErr error
	delay := p.retry.InitialDelay

	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		plan, err := p.generate(ctx, question, tools, pers)
		if err == nil {
			if attempt > 0 {
				p.logger.Info("plan generation succeeded after retry", "attempt", attempt)
			}
			return plan, nil
		}
		lastErr = err
		if models.IsKind(err, models.ErrKindCancelled) {
			return nil, err
		}
		if attempt < p.retry.MaxRetries {
			p.logger.Warn("plan generation failed, retrying",
				"attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, models.WrapError(models.ErrKindCancelled, ctx.Err(), "plan generation")
			}
			delay = time.Duration(float64(delay) * p.retry.BackoffFactor)
			if delay > p.retry.MaxDelay {
				delay = p.retry.MaxDelay
			}
		}
	}
	return nil, models.WrapError(models.ErrKindInternal, lastErr, "plan generation exhausted retries")
}

func (p *Planner) generate(ctx context.Context, question string, tools []toolInfo, pers *models.Personalization) (*models.TaskPlan, error) {
	promptText := buildPlanningPrompt(question, tools, pers)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.client.StreamChat(callCtx, &model.ChatRequest{
		Model:    p.modelID,
		Messages: []model.Message{{Role: model.RoleUser, Content: promptText}},
	})
	if err != nil {
		return nil, models.WrapError(models.ErrKindTransport, err, "planning model call")
	}
	response, err := model.Collect(callCtx, stream)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, models.WrapError(models.ErrKindTimeout, err, "planning request timed out")
		}
		return nil, models.WrapError(models.ErrKindModelRefusal, err, "planning model call")
	}

	plan, err := p.parsePlan(response, question)
	if err != nil {
		return nil, err
	}
	if err := validateToolReferences(plan, tools); err != nil {
		return nil, err
	}
	return plan, nil
}

// buildPlanningPrompt demands strict JSON with goal and steps.
func buildPlanningPrompt(question string, tools []toolInfo, pers *models.Personalization) string {
	var toolLines []string
	for _, t := range tools {
		kind := "native tool"
		switch t.Kind {
		case models.ToolKindMCP:
			kind = "MCP tool"
		case models.ToolKindSearch:
			kind = "search tool"
		case models.ToolKindExternal:
			kind = "external API"
		}
		toolLines = append(toolLines, fmt.Sprintf("- %s (%s): %s [source: %s]", t.Name, kind, t.Description, t.Source))
	}
	toolsBlock := strings.Join(toolLines, "\n")
	if toolsBlock == "" {
		toolsBlock = "(none)"
	}

	parallel := "disabled"
	if pers.EnableParallelExecution {
		parallel = "enabled"
	}

	return fmt.Sprintf(`You are an AI task planning expert. Build a detailed execution plan for the user question.

User question: %s

Available tools:
%s

Personalization:
- Max steps: %d
- Max tool calls: %d
- User skill level: %d/10
- Detail preference: %d/5
- Risk tolerance: %d/5
- Parallel execution: %s

Return a JSON task plan with exactly this structure:
{
  "goal": "a clear goal statement",
  "steps": [
    {
      "id": "step_1",
      "description": "what this step does",
      "tool_name": "tool name or null",
      "tool_arguments": {"param": "value"} or null,
      "tool_source": "tool source or null",
      "dependencies": ["ids of prerequisite steps"],
      "priority": 1-10,
      "estimated_duration": seconds or null
    }
  ]
}

Planning principles:
1. Steps must be concrete and executable
2. Choose tools from the available list only
3. Model dependencies between steps explicitly
4. Match complexity to the user's skill level
5. Keep the step count within the limit
6. Assign a sensible priority to every step

Return ONLY the JSON, no other text.`,
		question, toolsBlock,
		pers.MaxSteps, pers.MaxToolCalls, pers.UserSkillLevel,
		pers.DetailPreference, pers.RiskTolerance, parallel)
}

// parsePlan extracts and decodes the model's JSON, normalizing step
// defaults.
func (p *Planner) parsePlan(response, question string) (*models.TaskPlan, error) {
	jsonText, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Goal  string `json:"goal"`
		Steps []struct {
			ID                string          `json:"id"`
			Description       string          `json:"description"`
			ToolName          string          `json:"tool_name"`
			ToolArguments     json.RawMessage `json:"tool_arguments"`
			ToolSource        string          `json:"tool_source"`
			Dependencies      []string        `json:"dependencies"`
			Priority          int             `json:"priority"`
			EstimatedDuration int64           `json:"estimated_duration"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, models.WrapError(models.ErrKindModelRefusal, err, "parse plan JSON")
	}
	if len(raw.Steps) == 0 {
		return nil, models.NewError(models.ErrKindModelRefusal, "plan holds no steps")
	}

	goal := raw.Goal
	if goal == "" {
		goal = "unspecified goal"
	}

	now := time.Now()
	plan := &models.TaskPlan{
		ID:        uuid.NewString(),
		UserQuery: question,
		Goal:      goal,
		Status:    models.PlanPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, rs := range raw.Steps {
		if rs.Description == "" {
			return nil, models.NewError(models.ErrKindModelRefusal, "step %d is missing its description", i+1)
		}
		id := rs.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		priority := rs.Priority
		if priority == 0 {
			priority = 5
		} else if priority < 1 {
			priority = 1
		} else if priority > 10 {
			priority = 10
		}
		args := rs.ToolArguments
		if string(args) == "null" {
			args = nil
		}
		plan.Steps = append(plan.Steps, models.TaskStep{
			ID:                    id,
			Description:           rs.Description,
			ToolName:              rs.ToolName,
			ToolArguments:         args,
			ToolSource:            rs.ToolSource,
			Dependencies:          rs.Dependencies,
			Priority:              priority,
			EstimatedDurationSecs: rs.EstimatedDuration,
			Status:                models.StepPending,
		})
	}
	return plan, nil
}

// ExtractJSON pulls a JSON object out of a model reply, accepting raw JSON,
// fenced ```json blocks, and outermost brace spans.
func ExtractJSON(response string) (string, error) {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed, nil
	}

	if start := strings.Index(trimmed, "```json"); start >= 0 {
		rest := trimmed[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if candidate != "" {
				return candidate, nil
			}
		}
	}

	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return trimmed[start : end+1], nil
		}
	}
	return "", models.NewError(models.ErrKindModelRefusal, "no JSON found in model response")
}

// validateToolReferences rejects steps naming tools outside the enumerated
// set.
func validateToolReferences(plan *models.TaskPlan, tools []toolInfo) error {
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name] = true
	}
	for _, step := range plan.Steps {
		if step.ToolName != "" && !known[step.ToolName] {
			return models.NewError(models.ErrKindValidation,
				"step %q references unknown tool %q", step.ID, step.ToolName)
		}
	}
	return nil
}

// validateDependencies rejects references to missing siblings and cycles.
func (p *Planner) validateDependencies(plan *models.TaskPlan) error {
	ids := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		ids[step.ID] = true
	}
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			if !ids[dep] {
				return models.NewError(models.ErrKindValidation,
					"step %q depends on missing step %q", step.ID, dep)
			}
		}
	}
	if hasCycle(plan) {
		return models.NewError(models.ErrKindValidation, "plan dependency graph contains a cycle")
	}
	return nil
}

// hasCycle runs depth-first cycle detection over the dependency graph.
func hasCycle(plan *models.TaskPlan) bool {
	deps := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		deps[step.ID] = step.Dependencies
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		if inStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		inStack[id] = true
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		inStack[id] = false
		return false
	}

	for _, step := range plan.Steps {
		if visit(step.ID) {
			return true
		}
	}
	return false
}

// applyPersonalization truncates oversized plans, annotates steps for
// low-skill users, and strips destructive tool calls under low risk
// tolerance.
func (p *Planner) applyPersonalization(plan *models.TaskPlan, pers *models.Personalization) {
	if pers.MaxSteps > 0 && len(plan.Steps) > pers.MaxSteps {
		p.logger.Warn("plan truncated to step limit", "limit", pers.MaxSteps, "had", len(plan.Steps))
		plan.Steps = plan.Steps[:pers.MaxSteps]
	}

	if pers.UserSkillLevel < 5 {
		for i := range plan.Steps {
			desc := plan.Steps[i].Description
			if !strings.Contains(desc, "hint:") {
				plan.Steps[i].Description = desc + " (hint: this step advances one part of the task)"
			}
		}
	}

	if pers.RiskTolerance < 3 {
		for i := range plan.Steps {
			name := strings.ToLower(plan.Steps[i].ToolName)
			if name == "" {
				continue
			}
			if strings.Contains(name, "delete") || strings.Contains(name, "remove") || strings.Contains(name, "clear") {
				plan.Steps[i].ToolName = ""
				plan.Steps[i].ToolArguments = nil
				plan.Steps[i].Description += " (risky operation removed, run it manually)"
			}
		}
	}
}

// sortSteps orders steps topologically by dependencies, breaking ties by
// descending priority. If the graph wedges (which validation prevents), the
// remainder is appended by priority.
func sortSteps(plan *models.TaskPlan) {
	remaining := make(map[string]models.TaskStep, len(plan.Steps))
	order := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		remaining[step.ID] = step
		order = append(order, step.ID)
	}

	placed := make(map[string]bool, len(plan.Steps))
	var sorted []models.TaskStep

	for len(remaining) > 0 {
		var ready []models.TaskStep
		for _, id := range order {
			step, ok := remaining[id]
			if !ok {
				continue
			}
			ok = true
			for _, dep := range step.Dependencies {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, step)
			}
		}

		if len(ready) == 0 {
			var rest []models.TaskStep
			for _, id := range order {
				if step, ok := remaining[id]; ok {
					rest = append(rest, step)
				}
			}
			for i := 0; i < len(rest); i++ {
				for j := i + 1; j < len(rest); j++ {
					if rest[j].Priority > rest[i].Priority {
						rest[i], rest[j] = rest[j], rest[i]
					}
				}
			}
			sorted = append(sorted, rest...)
			break
		}

		best := ready[0]
		for _, step := range ready[1:] {
			if step.Priority > best.Priority {
				best = step
			}
		}
		sorted = append(sorted, best)
		placed[best.ID] = true
		delete(remaining, best.ID)
	}

	plan.Steps = sorted
}

// Summary aggregates counters over a plan's steps.
type Summary struct {
	TotalSteps             int     `json:"total_steps"`
	CompletedSteps         int     `json:"completed_steps"`
	FailedSteps            int     `json:"failed_steps"`
	PendingSteps           int     `json:"pending_steps"`
	SkippedSteps           int     `json:"skipped_steps"`
	CompletionRate         float64 `json:"completion_rate"`
	EstimatedDurationSecs  int64   `json:"estimated_duration_secs"`
	ActualDurationMs       int64   `json:"actual_duration_ms"`
}

// Summarize computes the plan's progress statistics.
func Summarize(plan *models.TaskPlan) Summary {
	s := Summary{TotalSteps: len(plan.Steps)}
	for _, step := range plan.Steps {
		switch step.Status {
		case models.StepCompleted:
			s.CompletedSteps++
		case models.StepFailed:
			s.FailedSteps++
		case models.StepPending:
			s.PendingSteps++
		case models.StepSkipped:
			s.SkippedSteps++
		}
		s.EstimatedDurationSecs += step.EstimatedDurationSecs
		s.ActualDurationMs += step.ActualDurationMs
	}
	if s.TotalSteps > 0 {
		s.CompletionRate = float64(s.CompletedSteps) / float64(s.TotalSteps)
	}
	return s
}
